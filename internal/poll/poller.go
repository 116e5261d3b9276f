// ABOUTME: Per-town polling loop: fetch, diff, enqueue PollResult.
// ABOUTME: The pause gate is checked before each cycle; paused means no request.

package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/town-warden/internal/town"
)

// Sink receives poll outcomes. The warden wires this to the town's event
// queue; enqueueing must not block the poller.
type Sink func(town.Event)

// Poller runs the interval loop for one town.
type Poller struct {
	cfg      town.Config
	client   *Client
	sink     Sink
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	paused atomic.Bool

	// prev is the diff baseline. Only the run goroutine touches it, and
	// it is dropped after any failed cycle.
	prev *town.Snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a poller for one town. The pause gate starts from the
// town's pause_monitoring flag.
func New(cfg town.Config, client *Client, sink Sink, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	p := &Poller{
		cfg:      cfg,
		client:   client,
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "poll", "town", cfg.ID),
	}
	p.paused.Store(cfg.PauseMonitoring)
	return p
}

// Start begins the interval loop. Call Stop to shut down.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop cancels the loop and waits for it to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// SetPaused toggles the pause gate. While paused the loop keeps ticking
// but issues no requests.
func (p *Poller) SetPaused(paused bool) {
	old := p.paused.Swap(paused)
	if old != paused {
		p.logger.Info("monitoring pause toggled", "paused", paused)
	}
}

// Paused reports the current pause gate.
func (p *Poller) Paused() bool {
	return p.paused.Load()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First cycle fires immediately so startup health is known without
	// waiting a full interval.
	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if p.paused.Load() {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	snap, err := p.client.Fetch(fetchCtx, p.cfg.QueryURL)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return // shutting down, not a town failure
		}
		p.logger.Debug("poll failed", "error", err)
		p.prev = nil
		p.sink(town.NewEvent(p.cfg.ID, &town.PollResult{Err: err}))
		return
	}

	diff := town.ComputeDiff(p.prev, *snap)
	p.prev = snap
	p.sink(town.NewEvent(p.cfg.ID, &town.PollResult{Snapshot: snap, Diff: diff}))
}
