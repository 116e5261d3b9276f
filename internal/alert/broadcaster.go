// ABOUTME: In-memory pub/sub for operator alerts with per-subscriber buffers.
// ABOUTME: Publishing never blocks; full subscribers drop events.

package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kind classifies an alert.
type Kind string

const (
	// KindHealth marks a health-state transition worth telling a human.
	KindHealth Kind = "health"
	// KindRestart marks a restart outcome.
	KindRestart Kind = "restart"
	// KindSuspend marks a town whose monitoring was suspended.
	KindSuspend Kind = "suspend"
)

// Alert is one operator-facing notification.
type Alert struct {
	ID     string    `json:"id"`
	TownID string    `json:"town_id"`
	Kind   Kind      `json:"kind"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// New stamps an alert with an id and the current time.
func New(townID string, kind Kind, text string) *Alert {
	return &Alert{
		ID:     uuid.New().String(),
		TownID: townID,
		Kind:   kind,
		Text:   text,
		At:     time.Now(),
	}
}

// Broadcaster fans alerts out to all subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Alert
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan *Alert),
		logger:      logger.With("component", "alerts"),
	}
}

// Subscribe registers for all alerts. The subscription is cleaned up when
// ctx is cancelled; the returned id allows earlier removal.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan *Alert, string) {
	subID := uuid.New().String()
	ch := make(chan *Alert, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("alert subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers the alert to every subscriber. Non-blocking: a full
// subscriber misses this alert.
func (b *Broadcaster) Publish(a *Alert) {
	b.mu.RLock()
	targets := make([]chan *Alert, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- a:
		default:
			b.logger.Debug("dropped alert for slow subscriber", "alert_id", a.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("alert subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
}
