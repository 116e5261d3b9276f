// ABOUTME: Scheduled-restart countdown that wakes the correlator via Timer events
// ABOUTME: Owns no decisions: warnings and the fire are handled on the consumer

package correlate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/town-warden/internal/town"
)

// countdown schedules Timer events leading up to one restart deadline.
// All state changes go through the correlator, so the schedule goroutine
// does nothing but sleep and enqueue.
type countdown struct {
	townID   string
	warnings []time.Duration
	enqueue  func(town.Event)
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	armed    bool
	held     bool
	deadline time.Time
	// remaining is the time left when Hold froze the schedule.
	remaining time.Duration
	cancel    context.CancelFunc
}

func newCountdown(townID string, warnings []time.Duration, enqueue func(town.Event), logger *slog.Logger) *countdown {
	return &countdown{
		townID:   townID,
		warnings: warnings,
		enqueue:  enqueue,
		logger:   logger,
		now:      time.Now,
	}
}

// Arm replaces any existing schedule with one ending at deadline.
func (cd *countdown) Arm(ctx context.Context, deadline time.Time) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.stopLocked()
	cd.armed = true
	cd.held = false
	cd.deadline = deadline
	cd.startLocked(ctx)
}

// Hold freezes an armed schedule, remembering how much time was left.
func (cd *countdown) Hold() {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if !cd.armed || cd.held {
		return
	}
	cd.stopLocked()
	cd.held = true
	cd.remaining = cd.deadline.Sub(cd.now())
	if cd.remaining < 0 {
		cd.remaining = 0
	}
	cd.logger.Debug("restart countdown held", "town", cd.townID, "remaining", cd.remaining)
}

// Resume continues a held schedule with the time that was left when it
// was held.
func (cd *countdown) Resume(ctx context.Context) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if !cd.armed || !cd.held {
		return
	}
	cd.held = false
	cd.deadline = cd.now().Add(cd.remaining)
	cd.startLocked(ctx)
	cd.logger.Debug("restart countdown resumed", "town", cd.townID, "deadline", cd.deadline)
}

// Postpone pushes the deadline back by d and reschedules. A deadline
// already in the past is postponed relative to now, so a restart that was
// about to fire moves a full increment away. Returns the new deadline.
func (cd *countdown) Postpone(ctx context.Context, d time.Duration) time.Time {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	base := cd.deadline
	if now := cd.now(); base.Before(now) {
		base = now
	}
	cd.armed = true
	cd.deadline = base.Add(d)
	if cd.held {
		cd.remaining = cd.deadline.Sub(cd.now())
		return cd.deadline
	}
	cd.stopLocked()
	cd.startLocked(ctx)
	return cd.deadline
}

// Cancel stops the schedule entirely.
func (cd *countdown) Cancel() {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.stopLocked()
	cd.armed = false
	cd.held = false
}

// Deadline reports the current restart deadline, if one is armed.
func (cd *countdown) Deadline() (time.Time, bool) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if !cd.armed {
		return time.Time{}, false
	}
	return cd.deadline, true
}

func (cd *countdown) stopLocked() {
	if cd.cancel != nil {
		cd.cancel()
		cd.cancel = nil
	}
}

func (cd *countdown) startLocked(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	cd.cancel = cancel

	type point struct {
		at        time.Time
		kind      town.TimerKind
		remaining time.Duration
	}
	now := cd.now()
	points := make([]point, 0, len(cd.warnings)+1)
	for _, w := range cd.warnings {
		at := cd.deadline.Add(-w)
		if at.After(now) {
			points = append(points, point{at: at, kind: town.TimerRestartWarn, remaining: w})
		}
	}
	// The fire point is always scheduled; a past deadline fires at once.
	points = append(points, point{at: cd.deadline, kind: town.TimerRestartFire})
	sort.Slice(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	go func() {
		defer cancel()
		for _, p := range points {
			timer := time.NewTimer(p.at.Sub(cd.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			cd.enqueue(town.NewEvent(cd.townID, &town.TimerFire{Kind: p.kind, Remaining: p.remaining}))
		}
	}()
}
