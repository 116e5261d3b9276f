// ABOUTME: Bounded per-town event queue with non-blocking enqueue
// ABOUTME: Overflow drops the event and counts it; the channel is never closed

package correlate

import (
	"log/slog"
	"sync/atomic"

	"github.com/2389/town-warden/internal/town"
)

// DefaultQueueCapacity bounds how far a town's producers can run ahead of
// its consumer before events are dropped.
const DefaultQueueCapacity = 64

// Queue is one town's ordered event buffer. Any goroutine may enqueue;
// exactly one consumer drains it.
type Queue struct {
	ch      chan town.Event
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewQueue builds a queue with the given capacity.
func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan town.Event, capacity),
		logger: logger,
	}
}

// Enqueue offers an event without blocking. A full queue drops the event,
// which only happens when the town's consumer has stalled; ordering of the
// events that do get through is preserved.
func (q *Queue) Enqueue(ev town.Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("event queue full, dropping event",
			"town", ev.TownID,
			"payload", payloadName(ev.Payload),
			"dropped_total", q.dropped.Load())
		return false
	}
}

// Events exposes the consumer side of the queue.
func (q *Queue) Events() <-chan town.Event {
	return q.ch
}

// Dropped returns how many events have been discarded since startup.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func payloadName(p town.EventPayload) string {
	switch p.(type) {
	case *town.PollResult:
		return "poll"
	case *town.BridgeMessage:
		return "bridge-message"
	case *town.BridgeLink:
		return "bridge-link"
	case *town.RedeemEvent:
		return "redeem"
	case *town.AccountUpdate:
		return "account-update"
	case *town.TimerFire:
		return "timer"
	case *town.RestartUpdate:
		return "restart-update"
	case *town.ChatCommand:
		return "chat-command"
	default:
		return "unknown"
	}
}
