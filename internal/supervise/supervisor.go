// ABOUTME: Single-flight restart supervisor with a rolling attempt budget.
// ABOUTME: Reports progress as RestartUpdate events; persists history rows.

package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/town-warden/internal/store"
	"github.com/2389/town-warden/internal/town"
)

// ErrRestartInFlight is returned when a restart request is coalesced into
// one already running for the same town.
var ErrRestartInFlight = errors.New("supervise: restart already in flight")

// errBudgetExhausted aborts a run when the rolling window has no attempts
// left. Never returned to callers; it surfaces as a RestartExhausted event.
var errBudgetExhausted = errors.New("restart attempt budget exhausted")

// launchTimeout bounds one start-script run. Scripts are expected to
// detach; anything slower than this is stuck.
const launchTimeout = 60 * time.Second

// Sink receives supervisor progress events for a town's queue.
type Sink func(town.Event)

// Options tunes the supervisor. Zero values take the documented defaults.
type Options struct {
	// Budget is the attempt count allowed within Window (default 3).
	Budget int
	// Window is the rolling window the budget applies to (default 180s).
	Window time.Duration
	// StopGrace bounds the stop script (default 10s).
	StopGrace time.Duration
	// RetryInterval is the initial backoff between attempts (default 2s).
	// Tests shrink it.
	RetryInterval time.Duration
}

func (o *Options) fill() {
	if o.Budget <= 0 {
		o.Budget = 3
	}
	if o.Window <= 0 {
		o.Window = 180 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 2 * time.Second
	}
}

type townState struct {
	inflight bool
	attempts []time.Time
}

// Supervisor serializes restarts per town. One instance serves the fleet.
type Supervisor struct {
	launcher Launcher
	sink     Sink
	history  store.Store
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	towns map[string]*townState
	wg    sync.WaitGroup
}

// New creates a supervisor. history may be nil to skip persistence.
func New(launcher Launcher, sink Sink, history store.Store, opts Options, logger *slog.Logger) *Supervisor {
	opts.fill()
	return &Supervisor{
		launcher: launcher,
		sink:     sink,
		history:  history,
		opts:     opts,
		logger:   logger.With("component", "supervise"),
		towns:    make(map[string]*townState),
	}
}

// Request starts a restart for the town unless one is already running.
// ctx must be the daemon lifetime context, not a per-request one: the
// restart outlives the caller. The work happens on its own goroutine;
// progress arrives on the town's event queue.
func (s *Supervisor) Request(ctx context.Context, cfg town.Config, reason town.RestartReason) error {
	s.mu.Lock()
	st := s.state(cfg.ID)
	if st.inflight {
		s.mu.Unlock()
		s.logger.Info("restart coalesced", "town", cfg.ID, "reason", reason)
		return ErrRestartInFlight
	}
	st.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, cfg, reason)
	return nil
}

// InFlight reports whether the town currently has a restart running.
func (s *Supervisor) InFlight(townID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.towns[townID] != nil && s.towns[townID].inflight
}

// RecordHealthy clears the town's attempt window. The correlator calls
// this once a restarted town reaches Alive, so past attempts don't count
// against future incidents.
func (s *Supervisor) RecordHealthy(townID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.towns[townID]; st != nil {
		st.attempts = nil
	}
}

// Wait blocks until all in-flight restarts have finished. Called during
// daemon shutdown after the lifetime context is canceled.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, cfg town.Config, reason town.RestartReason) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.state(cfg.ID).inflight = false
		s.mu.Unlock()
	}()

	s.logger.Info("restart began", "town", cfg.ID, "reason", reason)
	s.emit(cfg.ID, &town.RestartUpdate{Phase: town.RestartBegan, Reason: reason})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempt := func() error {
		if !s.allowAttempt(cfg.ID, reason) {
			return backoff.Permanent(errBudgetExhausted)
		}
		if err := s.attempt(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Warn("restart attempt failed", "town", cfg.ID, "error", err)
			s.emit(cfg.ID, &town.RestartUpdate{Phase: town.RestartFailed, Reason: reason, Err: err})
			s.record(cfg.ID, reason, store.RestartFailed, err.Error())
			return err
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.opts.Budget-1)), ctx))
	if err == nil {
		s.logger.Info("restart launched", "town", cfg.ID, "reason", reason)
		s.emit(cfg.ID, &town.RestartUpdate{Phase: town.RestartLaunched, Reason: reason})
		s.record(cfg.ID, reason, store.RestartOK, "")
		return
	}
	if ctx.Err() != nil {
		s.logger.Info("restart abandoned at shutdown", "town", cfg.ID)
		return
	}

	s.logger.Error("restart retries exhausted", "town", cfg.ID, "reason", reason, "error", err)
	s.emit(cfg.ID, &town.RestartUpdate{Phase: town.RestartExhausted, Reason: reason, Err: err})
	s.record(cfg.ID, reason, store.RestartExhausted, err.Error())
}

// attempt is one stop/grace/launch sequence.
func (s *Supervisor) attempt(ctx context.Context, cfg town.Config) error {
	stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopGrace)
	err := s.launcher.Stop(stopCtx, cfg)
	cancel()
	if err != nil {
		// The town may already be gone; that's why we're restarting.
		s.logger.Warn("stop failed, launching anyway", "town", cfg.ID, "error", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()
	if err := s.launcher.Start(startCtx, cfg); err != nil {
		return fmt.Errorf("launching town: %w", err)
	}
	return nil
}

// allowAttempt enforces the rolling window and records the attempt.
// Operator restarts skip the gate but still consume window slots.
func (s *Supervisor) allowAttempt(townID string, reason town.RestartReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(townID)
	cutoff := time.Now().Add(-s.opts.Window)
	kept := st.attempts[:0]
	for _, at := range st.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	st.attempts = kept

	if reason != town.RestartUser && len(st.attempts) >= s.opts.Budget {
		return false
	}
	st.attempts = append(st.attempts, time.Now())
	return true
}

func (s *Supervisor) state(townID string) *townState {
	st, ok := s.towns[townID]
	if !ok {
		st = &townState{}
		s.towns[townID] = st
	}
	return st
}

func (s *Supervisor) emit(townID string, update *town.RestartUpdate) {
	s.sink(town.NewEvent(townID, update))
}

func (s *Supervisor) record(townID string, reason town.RestartReason, outcome, detail string) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.history.RecordRestart(ctx, &store.Restart{
		TownID:  townID,
		Reason:  string(reason),
		Outcome: outcome,
		Detail:  detail,
	})
	if err != nil {
		s.logger.Warn("recording restart history failed", "town", townID, "error", err)
	}
}
