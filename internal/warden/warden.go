// ABOUTME: Warden construction, component wiring, and daemon lifecycle.
// ABOUTME: Run blocks until the context ends, then shuts down in order.

package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"tailscale.com/tsnet"

	"github.com/2389/town-warden/internal/alert"
	"github.com/2389/town-warden/internal/auth"
	"github.com/2389/town-warden/internal/bridge"
	"github.com/2389/town-warden/internal/config"
	"github.com/2389/town-warden/internal/correlate"
	"github.com/2389/town-warden/internal/multiaccount"
	"github.com/2389/town-warden/internal/poll"
	"github.com/2389/town-warden/internal/registry"
	"github.com/2389/town-warden/internal/store"
	"github.com/2389/town-warden/internal/supervise"
	"github.com/2389/town-warden/internal/town"
)

// readHeaderTimeout bounds ops API header reads.
const readHeaderTimeout = 10 * time.Second

// Warden owns every component supervising the fleet. Construct with New,
// then call Run exactly once.
type Warden struct {
	cfg    *config.Config
	base   *slog.Logger
	logger *slog.Logger

	reg        *registry.Registry
	store      *store.SQLiteStore
	alerts     *alert.Broadcaster
	supervisor *supervise.Supervisor
	bridge     *bridge.Processor
	accounts   *multiaccount.Client // nil unless multiaccount is enabled

	correlators map[string]*correlate.Correlator
	pollers     map[string]*poll.Poller

	// accountIndex maps lowercased account names to town ids for
	// multi-account event routing.
	accountIndex map[string]string

	mux        *http.ServeMux
	httpServer *http.Server
	tsServer   *tsnet.Server

	lock    *flock.Flock
	pidFile string

	// runCtx is the daemon lifetime context, captured by Run. Restart
	// requests from API handlers must outlive their HTTP request.
	runCtx  context.Context
	started time.Time
}

// deps carries the swappable side-effect implementations. Production
// wiring comes from New; tests substitute fakes before Run.
type deps struct {
	launcher  supervise.Launcher
	chat      correlate.ChatSender
	fulfiller correlate.Fulfiller
}

// New builds a warden from configuration: towns file, store, and one
// poller plus correlator per town. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Warden, error) {
	return newWarden(cfg, deps{}, logger)
}

func newWarden(cfg *config.Config, d deps, logger *slog.Logger) (*Warden, error) {
	towns, err := config.LoadTowns(cfg.TownsFile)
	if err != nil {
		return nil, fmt.Errorf("loading towns file: %w", err)
	}
	reg, err := registry.New(towns)
	if err != nil {
		return nil, fmt.Errorf("building town registry: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if d.launcher == nil {
		d.launcher = supervise.NewExecLauncher(logger)
	}
	if d.chat == nil {
		d.chat = logChat{logger: logger.With("component", "chat")}
	}
	if d.fulfiller == nil {
		d.fulfiller = logFulfiller{logger: logger.With("component", "fulfill")}
	}

	w := &Warden{
		cfg:          cfg,
		base:         logger,
		logger:       logger.With("component", "warden"),
		reg:          reg,
		store:        st,
		alerts:       alert.NewBroadcaster(logger),
		correlators:  make(map[string]*correlate.Correlator, reg.Len()),
		pollers:      make(map[string]*poll.Poller, reg.Len()),
		accountIndex: make(map[string]string, reg.Len()*2),
		started:      time.Now(),
	}

	w.supervisor = supervise.New(d.launcher, w.route, st, supervise.Options{
		Budget:    cfg.Supervision.RetryBudget,
		Window:    cfg.Supervision.RetryWindow,
		StopGrace: cfg.Supervision.StopGrace,
	}, logger)
	w.bridge = bridge.NewProcessor(cfg.Server.BridgeAddr, reg, w.route, logger)

	var directory correlate.AccountDirectory = noDirectory{}
	var forwarder correlate.Forwarder = noForwarder{}
	if cfg.MultiAccount.Enabled {
		tokens := auth.New([]byte(cfg.MultiAccount.TokenSecret))
		w.accounts = multiaccount.NewClient(cfg.MultiAccount.Addr, cfg.MultiAccount.Name,
			tokens, w.resolveAccount, w.route, cfg.MultiAccount.StalenessGrace, logger)
		directory = w.accounts
		forwarder = w.accounts
	}

	exec := correlate.Executors{
		Chat:      d.chat,
		Restarter: w.supervisor,
		Pauser:    w,
		Forwarder: forwarder,
		Fulfiller: d.fulfiller,
	}
	opts := correlate.Options{
		Unresponsive:  cfg.Supervision.UnresponsiveAt,
		Dead:          cfg.Supervision.DeadAt,
		DesyncPolls:   cfg.Supervision.DesyncPolls,
		PostponeStep:  cfg.Supervision.PostponeStep,
		QueueCapacity: cfg.Supervision.QueueCapacity,
		DedupeWindow:  cfg.Supervision.DedupeWindow,
		DedupeCap:     cfg.Supervision.DedupeCap,
	}

	client := poll.NewClient(cfg.Supervision.PollTimeout)
	for _, tc := range reg.All() {
		w.correlators[tc.ID] = correlate.New(tc, st, directory, w.alerts, exec, opts, logger)
		w.pollers[tc.ID] = poll.New(tc, client, w.route,
			cfg.Supervision.PollInterval, cfg.Supervision.PollTimeout, logger)
		w.accountIndex[strings.ToLower(tc.ID)] = tc.ID
		if tc.Name != "" {
			w.accountIndex[strings.ToLower(tc.Name)] = tc.ID
		}
	}

	w.mux = w.buildMux()
	return w, nil
}

// route delivers a producer event to the owning town's queue. Events for
// towns that left the registry are dropped with a warning; producers are
// never blocked.
func (w *Warden) route(ev town.Event) {
	c, ok := w.correlators[ev.TownID]
	if !ok {
		w.logger.Warn("event for unknown town dropped", "town", ev.TownID)
		return
	}
	c.Enqueue(ev)
}

// resolveAccount maps a multi-account name to its town. Accounts match a
// town's id or display name, case-insensitively.
func (w *Warden) resolveAccount(account string) (string, bool) {
	id, ok := w.accountIndex[strings.ToLower(account)]
	return id, ok
}

// Pause suspends a town's polling without touching its bridge link or
// redeem handling. Correlators call this on restart exhaustion; the ops
// API calls it on operator request.
func (w *Warden) Pause(townID, reason string) {
	p, ok := w.pollers[townID]
	if !ok {
		return
	}
	p.SetPaused(true)
	w.logger.Info("monitoring paused", "town", townID, "reason", reason)
}

// Resume re-enables a paused town's polling.
func (w *Warden) Resume(townID string) {
	p, ok := w.pollers[townID]
	if !ok {
		return
	}
	p.SetPaused(false)
	w.logger.Info("monitoring resumed", "town", townID)
}

// Run starts every component and blocks until ctx is canceled or the ops
// listener fails. It returns after a bounded graceful shutdown.
func (w *Warden) Run(ctx context.Context) error {
	if err := w.acquireLock(); err != nil {
		return err
	}
	defer w.releaseLock()

	w.runCtx = ctx
	w.started = time.Now()

	if err := w.startComponents(ctx); err != nil {
		return err
	}

	opsLn, err := w.setupOpsListener(ctx)
	if err != nil {
		return err
	}

	w.httpServer = &http.Server{
		Handler:           w.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("ops API listening", "addr", opsLn.Addr().String())
		if err := w.httpServer.Serve(opsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		w.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		w.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := w.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startComponents brings up consumers before producers so the first poll
// results already have a queue to land on.
func (w *Warden) startComponents(ctx context.Context) error {
	for id, c := range w.correlators {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("starting correlator for %s: %w", id, err)
		}
	}
	if err := w.bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge listener: %w", err)
	}
	if w.accounts != nil {
		w.accounts.Start(ctx)
	}
	for _, p := range w.pollers {
		p.Start(ctx)
	}

	alert.StartLogSink(ctx, w.alerts, w.base)
	if op := w.cfg.Alerts.Operator; op != "" && w.accounts != nil {
		alert.StartChatSink(ctx, w.alerts, op, w.accounts.SendAs, w.base)
	}
	return nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is
// already canceled.
func (w *Warden) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownGrace)
	defer cancel()
	return w.shutdown(ctx)
}

// shutdown stops producers first so queues stop growing, waits out
// in-flight restarts, then drains the HTTP server and closes the store.
func (w *Warden) shutdown(ctx context.Context) error {
	w.logger.Info("shutting down warden")

	for _, p := range w.pollers {
		p.Stop()
	}
	w.bridge.Stop()
	if w.accounts != nil {
		w.accounts.Stop()
	}
	w.supervisor.Wait()
	for _, c := range w.correlators {
		c.Stop()
	}

	var errs []error
	if w.httpServer != nil {
		errs = appendCloseError(errs, "ops server shutdown", w.httpServer.Shutdown(ctx))
	}
	if w.tsServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", w.tsServer.Close())
	}
	w.alerts.Close()
	errs = appendCloseError(errs, "store close", w.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// acquireLock takes the single-instance lock and writes the PID file.
// A second warden on the same state dir fails fast instead of fighting
// the first over towns.
func (w *Warden) acquireLock() error {
	dir := w.stateDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	w.lock = flock.New(filepath.Join(dir, "warden.lock"))
	locked, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("warden already running (lock held: %s)", w.lock.Path())
	}

	w.pidFile = filepath.Join(dir, "warden.pid")
	if err := os.WriteFile(w.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		_ = w.lock.Unlock()
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

func (w *Warden) releaseLock() {
	if w.pidFile != "" {
		_ = os.Remove(w.pidFile)
	}
	if w.lock != nil {
		_ = w.lock.Unlock()
	}
}

// stateDir is where the lock, PID file, and default tailscale state live.
func (w *Warden) stateDir() string {
	if w.cfg.Daemon.StateDir != "" {
		return w.cfg.Daemon.StateDir
	}
	return filepath.Dir(w.cfg.Database.Path)
}

// setupOpsListener returns the ops API listener: a tsnet node when
// tailscale is enabled, a plain TCP listener otherwise.
func (w *Warden) setupOpsListener(ctx context.Context) (net.Listener, error) {
	if !w.cfg.Tailscale.Enabled {
		ln, err := net.Listen("tcp", w.cfg.Server.OpsAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", w.cfg.Server.OpsAddr, err)
		}
		return ln, nil
	}

	tsCfg := w.cfg.Tailscale
	stateDir := tsCfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(w.stateDir(), "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	w.tsServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	w.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	if _, err := w.tsServer.Up(ctx); err != nil {
		_ = w.tsServer.Close()
		w.tsServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	ln, err := w.tsServer.Listen("tcp", ":80")
	if err != nil {
		_ = w.tsServer.Close()
		w.tsServer = nil
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// logChat is the default chat executor: it records the line the town's
// chat channel would receive. A real chat client is wired in by the
// embedding process when one exists.
type logChat struct {
	logger *slog.Logger
}

func (l logChat) SendChat(townID, text string) error {
	l.logger.Info("chat message", "town", townID, "text", text)
	return nil
}

// logFulfiller is the default redeem fulfiller: the redemption is already
// audited in the store, so completion upstream is just recorded here.
type logFulfiller struct {
	logger *slog.Logger
}

func (l logFulfiller) Fulfill(ctx context.Context, redeemID string) error {
	l.logger.Info("redeem fulfilled", "id", redeemID)
	return nil
}

// noDirectory answers account queries when the multi-account link is
// disabled: nothing is synced and no multiplier is known.
type noDirectory struct{}

func (noDirectory) Synced(string) (bool, bool)        { return false, false }
func (noDirectory) GlobalMultiplier() (float64, bool) { return 0, false }

// noForwarder rejects forwards when the multi-account link is disabled.
type noForwarder struct{}

func (noForwarder) SendAs(account, text string) error {
	return fmt.Errorf("multi-account link disabled, cannot send as %s", account)
}
