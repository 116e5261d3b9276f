// ABOUTME: Countdown schedule tests using real timers at millisecond scale
// ABOUTME: Asserts event ordering, hold/resume, postpone, and cancellation

package correlate

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/town-warden/internal/town"
)

func newTestCountdown(warnings []time.Duration) (*countdown, chan town.Event) {
	ch := make(chan town.Event, 16)
	cd := newCountdown("river", warnings, func(ev town.Event) { ch <- ev }, slog.Default())
	return cd, ch
}

func nextTimer(t *testing.T, ch chan town.Event, within time.Duration) *town.TimerFire {
	t.Helper()
	select {
	case ev := <-ch:
		fire, ok := ev.Payload.(*town.TimerFire)
		require.True(t, ok, "expected timer payload, got %T", ev.Payload)
		return fire
	case <-time.After(within):
		t.Fatal("timed out waiting for timer event")
		return nil
	}
}

func TestCountdown_WarnsInOrderThenFires(t *testing.T) {
	cd, ch := newTestCountdown([]time.Duration{40 * time.Millisecond, 20 * time.Millisecond})
	defer cd.Cancel()

	cd.Arm(context.Background(), time.Now().Add(60*time.Millisecond))

	first := nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartWarn, first.Kind)
	assert.Equal(t, 40*time.Millisecond, first.Remaining)

	second := nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartWarn, second.Kind)
	assert.Equal(t, 20*time.Millisecond, second.Remaining)

	fire := nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartFire, fire.Kind)
}

func TestCountdown_PastWarningsAreSkipped(t *testing.T) {
	cd, ch := newTestCountdown([]time.Duration{time.Hour})
	defer cd.Cancel()

	cd.Arm(context.Background(), time.Now().Add(20*time.Millisecond))

	fire := nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartFire, fire.Kind)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %#v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdown_HoldStopsResumeContinues(t *testing.T) {
	cd, ch := newTestCountdown(nil)
	defer cd.Cancel()

	cd.Arm(context.Background(), time.Now().Add(40*time.Millisecond))
	cd.Hold()

	select {
	case ev := <-ch:
		t.Fatalf("held countdown fired %#v", ev.Payload)
	case <-time.After(80 * time.Millisecond):
	}

	cd.Resume(context.Background())
	fire := nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartFire, fire.Kind)
}

func TestCountdown_PostponePushesDeadline(t *testing.T) {
	cd, ch := newTestCountdown(nil)
	defer cd.Cancel()

	cd.Arm(context.Background(), time.Now().Add(20*time.Millisecond))
	newDeadline := cd.Postpone(context.Background(), time.Hour)
	assert.Greater(t, time.Until(newDeadline), 30*time.Minute)

	select {
	case ev := <-ch:
		t.Fatalf("postponed countdown fired %#v", ev.Payload)
	case <-time.After(80 * time.Millisecond):
	}

	deadline, armed := cd.Deadline()
	require.True(t, armed)
	assert.Equal(t, newDeadline, deadline)
}

func TestCountdown_PostponeAfterDeadlineRestartsFromNow(t *testing.T) {
	cd, ch := newTestCountdown(nil)
	defer cd.Cancel()

	cd.Arm(context.Background(), time.Now().Add(-time.Second))
	fire := nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartFire, fire.Kind)

	// The deadline is in the past; postponing measures from now.
	newDeadline := cd.Postpone(context.Background(), 30*time.Millisecond)
	assert.InDelta(t, 30*time.Millisecond, time.Until(newDeadline), float64(20*time.Millisecond))

	fire = nextTimer(t, ch, time.Second)
	assert.Equal(t, town.TimerRestartFire, fire.Kind)
}

func TestCountdown_CancelStopsSchedule(t *testing.T) {
	cd, ch := newTestCountdown(nil)

	cd.Arm(context.Background(), time.Now().Add(30*time.Millisecond))
	cd.Cancel()

	select {
	case ev := <-ch:
		t.Fatalf("canceled countdown fired %#v", ev.Payload)
	case <-time.After(80 * time.Millisecond):
	}
	_, armed := cd.Deadline()
	assert.False(t, armed)
}
