// ABOUTME: Per-town serial event consumer and sole writer of runtime state
// ABOUTME: Turns observations into actions: restarts, chat, pauses, fulfillments

package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/town-warden/internal/alert"
	"github.com/2389/town-warden/internal/dedupe"
	"github.com/2389/town-warden/internal/health"
	"github.com/2389/town-warden/internal/redeem"
	"github.com/2389/town-warden/internal/store"
	"github.com/2389/town-warden/internal/town"
)

// multiplierTolerance absorbs float noise when comparing the town's polled
// multiplier against the service-wide value.
const multiplierTolerance = 0.001

// Recovery commands replayed after a restart, in order.
const (
	undoRandLeaveCommand = "?undorandleave"
	sailAllCommand       = "?sailall"
)

// Options tunes one correlator. Zero values take defaults.
type Options struct {
	// Unresponsive and Dead are the consecutive-failure thresholds fed
	// to the health tracker.
	Unresponsive int
	Dead         int

	// DesyncPolls is how many consecutive disagreeing polls trigger a
	// multiplier-desync restart.
	DesyncPolls int

	// Warnings are the horizons before a scheduled restart at which
	// chat warnings fire.
	Warnings []time.Duration

	// PostponeStep is how far one postpone command pushes a scheduled
	// restart.
	PostponeStep time.Duration

	// QueueCapacity bounds the town's event queue.
	QueueCapacity int

	// DedupeWindow and DedupeCap bound the recently-seen redeem set.
	DedupeWindow time.Duration
	DedupeCap    int
}

func (o Options) fill() Options {
	if o.Unresponsive <= 0 {
		o.Unresponsive = 3
	}
	if o.Dead <= 0 {
		o.Dead = 5
	}
	if o.DesyncPolls <= 0 {
		o.DesyncPolls = 3
	}
	if len(o.Warnings) == 0 {
		o.Warnings = []time.Duration{2 * time.Minute, 30 * time.Second, 20 * time.Second}
	}
	if o.PostponeStep <= 0 {
		o.PostponeStep = 5 * time.Minute
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 10 * time.Minute
	}
	if o.DedupeCap <= 0 {
		o.DedupeCap = 512
	}
	return o
}

// Correlator consumes one town's event queue and owns its runtime state.
// Producers call Enqueue from any goroutine; everything else happens on
// the consumer.
type Correlator struct {
	cfg      town.Config
	opts     Options
	queue    *Queue
	tracker  *health.Tracker
	redeems  *redeem.Handler
	accounts AccountDirectory
	store    store.Store
	alerts   *alert.Broadcaster
	exec     Executors
	cd       *countdown
	logger   *slog.Logger

	state  runtimeState
	status atomic.Pointer[Status]

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a correlator for one town. The store seeds and persists
// the auto-raid set; the directory answers account-sync and multiplier
// queries at decision time.
func New(cfg town.Config, st store.Store, accounts AccountDirectory, alerts *alert.Broadcaster, exec Executors, opts Options, logger *slog.Logger) *Correlator {
	opts = opts.fill()
	logger = logger.With("component", "correlate", "town", cfg.ID)
	c := &Correlator{
		cfg:      cfg,
		opts:     opts,
		queue:    NewQueue(opts.QueueCapacity, logger),
		tracker:  health.NewTracker(opts.Unresponsive, opts.Dead),
		redeems:  redeem.NewHandler(cfg, dedupe.New(opts.DedupeWindow, opts.DedupeCap), st, logger),
		accounts: accounts,
		store:    st,
		alerts:   alerts,
		exec:     exec,
		logger:   logger,
		state:    newRuntimeState(),
	}
	c.cd = newCountdown(cfg.ID, opts.Warnings, func(ev town.Event) { c.queue.Enqueue(ev) }, logger)
	return c
}

// Enqueue offers an event to the town's queue without blocking.
func (c *Correlator) Enqueue(ev town.Event) bool {
	return c.queue.Enqueue(ev)
}

// Start seeds the auto-raid set from the store and begins consuming.
// The context bounds the consumer's lifetime; Stop waits for it to exit.
func (c *Correlator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	accounts, err := c.store.AutoRaidAccounts(ctx, c.cfg.ID)
	if err != nil {
		c.logger.Error("loading auto-raid set", "error", err)
	}
	for _, a := range accounts {
		c.state.autoRaid[a] = struct{}{}
	}
	c.publishStatus()

	go c.run(ctx)
	c.logger.Info("correlator started", "auto_raid_users", len(accounts))
	return nil
}

// Stop halts the consumer and waits for the in-flight event to finish.
func (c *Correlator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Status returns the latest published runtime view.
func (c *Correlator) Status() Status {
	if s := c.status.Load(); s != nil {
		return *s
	}
	return Status{TownID: c.cfg.ID, Name: c.cfg.Name, Health: c.tracker.State().String()}
}

func (c *Correlator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.cd.Cancel()
			return
		case ev := <-c.queue.Events():
			c.handle(ctx, ev)
			c.publishStatus()
		}
	}
}

func (c *Correlator) handle(ctx context.Context, ev town.Event) {
	switch p := ev.Payload.(type) {
	case *town.PollResult:
		c.handlePoll(ctx, p)
	case *town.ChatCommand:
		c.handleChat(ctx, p)
	case *town.TimerFire:
		c.handleTimer(ctx, p)
	case *town.RestartUpdate:
		c.handleRestartUpdate(ctx, p)
	case *town.BridgeLink:
		c.state.bridgeUp = p.Up
		c.logger.Info("bridge link changed", "up", p.Up)
	case *town.BridgeMessage:
		c.handleBridgeMessage(ctx, p)
	case *town.RedeemEvent:
		c.execute(ctx, c.redeems.Handle(ctx, p))
	case *town.AccountUpdate:
		c.handleAccountUpdate(p)
	default:
		c.logger.Warn("unhandled event payload", "payload", fmt.Sprintf("%T", p))
	}
}

func (c *Correlator) handlePoll(ctx context.Context, p *town.PollResult) {
	if p.Err != nil {
		c.handlePollFailure(ctx, p.Err)
		return
	}

	snap := p.Snapshot
	tr := c.tracker.RecordSuccess()
	if tr.Entered(health.Alive) {
		c.exec.Restarter.RecordHealthy(c.cfg.ID)
		c.logger.Info("town alive", "from", tr.From.String())
		if tr.From == health.Unresponsive || tr.From == health.Dead {
			c.alerts.Publish(alert.New(c.cfg.ID, alert.KindHealth, "responding again, health alive"))
		}
	}

	var actions []town.Action

	if c.state.recovering && snap.Session.Authenticated {
		c.state.recovering = false
		actions = append(actions, c.recoveryActions()...)
	}

	actions = append(actions, c.checkMultiplier(snap)...)
	c.reconcileAutoRaid(ctx, snap, p.Diff)

	if c.cfg.EventNotifications {
		if p.Diff.DungeonStarted {
			actions = append(actions, town.SendChatMessage{Text: announceDungeon(snap.Dungeon)})
		}
		if p.Diff.RaidStarted {
			actions = append(actions, town.SendChatMessage{Text: announceRaid(snap.Raid)})
		}
	}

	actions = append(actions, c.updateCountdown(ctx, snap, p.Diff)...)

	c.state.snapshot = snap
	c.execute(ctx, actions)
}

func (c *Correlator) handlePollFailure(ctx context.Context, err error) {
	tr := c.tracker.RecordFailure()
	failures := c.tracker.Failures()
	switch {
	case tr.Entered(health.Unresponsive):
		c.logger.Warn("town unresponsive", "failures", failures, "error", err)
		c.alerts.Publish(alert.New(c.cfg.ID, alert.KindHealth,
			fmt.Sprintf("no response for %d polls, marking unresponsive", failures)))
	case tr.Entered(health.Dead):
		c.logger.Error("town dead", "failures", failures, "error", err)
		if c.cfg.AutoRestart {
			c.alerts.Publish(alert.New(c.cfg.ID, alert.KindHealth,
				fmt.Sprintf("marked dead after %d failed polls, restarting", failures)))
			c.execute(ctx, []town.Action{town.RestartProcess{Reason: town.RestartUnresponsive}})
		} else {
			c.alerts.Publish(alert.New(c.cfg.ID, alert.KindHealth,
				fmt.Sprintf("marked dead after %d failed polls; auto-restart is off", failures)))
		}
	default:
		c.logger.Debug("poll failed", "failures", failures, "state", tr.To.String(), "error", err)
	}
}

// recoveryActions builds the post-restart command replay: leave-state
// cleanup, sail recall, and one auto-raid re-enable per eligible account.
func (c *Correlator) recoveryActions() []town.Action {
	actions := []town.Action{
		town.SendChatMessage{Text: undoRandLeaveCommand},
		town.SendChatMessage{Text: sailAllCommand},
	}
	if !c.cfg.AutoRestoreRaids {
		c.logger.Info("post-restart recovery", "auto_raid_restores", 0)
		return actions
	}

	users := make([]string, 0, len(c.state.autoRaid))
	for u := range c.state.autoRaid {
		users = append(users, u)
	}
	sort.Strings(users)

	restored := 0
	for _, u := range users {
		synced, fresh := c.accounts.Synced(u)
		if !synced || !fresh {
			c.logger.Warn("skipping auto-raid restore, account state stale",
				"account", u, "synced", synced, "fresh", fresh)
			continue
		}
		actions = append(actions, town.SendChatMessage{Text: "!traid " + u})
		restored++
	}
	c.logger.Info("post-restart recovery", "auto_raid_restores", restored, "tracked", len(users))
	return actions
}

// checkMultiplier counts consecutive polls whose exp multiplier disagrees
// with the service-wide value and restarts the town when the streak hits
// the threshold. Stale service data resets the streak rather than pausing
// it: a desync verdict needs fresh evidence end to end.
func (c *Correlator) checkMultiplier(snap *town.Snapshot) []town.Action {
	if !snap.Session.Authenticated || c.state.recovering || c.tracker.State() != health.Alive {
		c.state.desyncs = 0
		return nil
	}
	global, fresh := c.accounts.GlobalMultiplier()
	if !fresh {
		c.state.desyncs = 0
		return nil
	}

	townValue := 1.0
	if snap.Multiplier.Active {
		townValue = snap.Multiplier.Value
	}
	if math.Abs(townValue-global) <= multiplierTolerance {
		c.state.desyncs = 0
		return nil
	}

	c.state.desyncs++
	c.logger.Warn("multiplier desync",
		"town_value", townValue, "global_value", global, "streak", c.state.desyncs)
	if c.state.desyncs < c.opts.DesyncPolls {
		return nil
	}
	c.state.desyncs = 0
	if !c.cfg.AutoRestart {
		c.alerts.Publish(alert.New(c.cfg.ID, alert.KindHealth,
			fmt.Sprintf("multiplier desync (town %.2f, global %.2f); auto-restart is off", townValue, global)))
		return nil
	}
	return []town.Action{town.RestartProcess{Reason: town.RestartDesync}}
}

// reconcileAutoRaid keeps the in-memory set and the auto_raids table in
// step with the roster. Additions come from the full roster scan so a
// poll outage cannot hide an enable; removals only come from an observed
// flag flip, since a player leaving town says nothing about their flag.
func (c *Correlator) reconcileAutoRaid(ctx context.Context, snap *town.Snapshot, diff town.Diff) {
	for _, pl := range snap.Players {
		if !pl.AutoRaid {
			continue
		}
		if _, ok := c.state.autoRaid[pl.Name]; ok {
			continue
		}
		c.state.autoRaid[pl.Name] = struct{}{}
		c.logger.Info("auto-raid enabled", "account", pl.Name)
		if err := c.store.SetAutoRaid(ctx, c.cfg.ID, pl.Name, true); err != nil {
			c.logger.Error("persisting auto-raid enable", "account", pl.Name, "error", err)
		}
	}
	for _, name := range diff.AutoRaidDisabled {
		if _, ok := c.state.autoRaid[name]; !ok {
			continue
		}
		delete(c.state.autoRaid, name)
		c.logger.Info("auto-raid disabled", "account", name)
		if err := c.store.SetAutoRaid(ctx, c.cfg.ID, name, false); err != nil {
			c.logger.Error("persisting auto-raid disable", "account", name, "error", err)
		}
	}
}

// updateCountdown manages the scheduled-restart countdown from one poll:
// arming on session age, holding across dungeons and raids, and firing a
// held restart once the town is idle again.
func (c *Correlator) updateCountdown(ctx context.Context, snap *town.Snapshot, diff town.Diff) []town.Action {
	if !c.cfg.AutoRestart || c.cfg.RestartPeriod <= 0 {
		return nil
	}

	// A session younger than the previous poll means the processes were
	// replaced outside the supervisor; the old deadline is meaningless.
	if c.state.armed && c.state.snapshot != nil &&
		c.state.snapshot.Uptime()-snap.Uptime() > time.Minute {
		c.logger.Info("session replaced outside supervision, resetting countdown")
		c.cd.Cancel()
		c.state.armed = false
		c.state.restartDue = false
	}

	if !c.state.armed && c.tracker.State() == health.Alive {
		remaining := c.cfg.RestartPeriod - snap.Uptime()
		if remaining < 0 {
			remaining = 0
		}
		deadline := time.Now().Add(remaining)
		c.cd.Arm(ctx, deadline)
		c.state.armed = true
		c.logger.Info("scheduled restart armed", "deadline", deadline, "uptime", snap.Uptime())
	}

	if diff.DungeonStarted || diff.RaidStarted {
		c.cd.Hold()
	}
	if diff.ActivityEnded {
		c.cd.Resume(ctx)
	}

	if c.state.restartDue && !snap.ActivityBusy() {
		c.state.restartDue = false
		c.state.armed = false
		c.cd.Cancel()
		c.logger.Info("held scheduled restart firing, activity ended")
		return []town.Action{town.RestartProcess{Reason: town.RestartAuto}}
	}
	return nil
}

func (c *Correlator) handleChat(ctx context.Context, ev *town.ChatCommand) {
	switch strings.ToLower(ev.Command) {
	case "join":
		c.handleJoin(ctx, ev.Chatter)
	case "postpone":
		c.handlePostpone(ctx)
	default:
		c.logger.Debug("ignoring chat command", "command", ev.Command, "chatter", ev.Chatter)
	}
}

func (c *Correlator) handleJoin(ctx context.Context, chatter string) {
	if c.cfg.WelcomeMessage == "" {
		return
	}
	key := strings.ToLower(chatter)
	if _, ok := c.state.welcomed[key]; ok {
		return
	}
	c.state.welcomed[key] = struct{}{}
	text := town.FillTemplate(c.cfg.WelcomeMessage, chatter, c.cfg.Name)
	c.execute(ctx, []town.Action{town.SendChatMessage{Text: text}})
}

func (c *Correlator) handlePostpone(ctx context.Context) {
	if !c.state.armed && !c.state.restartDue {
		c.execute(ctx, []town.Action{town.SendChatMessage{Text: "No restart is scheduled."}})
		return
	}
	c.state.restartDue = false
	c.state.armed = true
	deadline := c.cd.Postpone(ctx, c.opts.PostponeStep)
	c.logger.Info("scheduled restart postponed", "deadline", deadline)
	c.execute(ctx, []town.Action{town.SendChatMessage{
		Text: fmt.Sprintf("Restart postponed by %s.", formatCountdown(c.opts.PostponeStep)),
	}})
}

func (c *Correlator) handleTimer(ctx context.Context, ev *town.TimerFire) {
	if !c.state.armed {
		c.logger.Debug("ignoring stale timer", "kind", ev.Kind)
		return
	}
	switch ev.Kind {
	case town.TimerRestartWarn:
		c.execute(ctx, []town.Action{town.SendChatMessage{
			Text: fmt.Sprintf("Scheduled restart in %s.", formatCountdown(ev.Remaining)),
		}})
	case town.TimerRestartFire:
		if c.state.snapshot != nil && c.state.snapshot.ActivityBusy() {
			c.state.restartDue = true
			c.logger.Info("scheduled restart due, waiting for activity to end")
			c.execute(ctx, []town.Action{town.SendChatMessage{
				Text: "Scheduled restart is waiting for the current activity to end.",
			}})
			return
		}
		c.state.armed = false
		c.cd.Cancel()
		c.execute(ctx, []town.Action{town.RestartProcess{Reason: town.RestartAuto}})
	default:
		c.logger.Warn("unknown timer kind", "kind", ev.Kind)
	}
}

func (c *Correlator) handleRestartUpdate(ctx context.Context, ev *town.RestartUpdate) {
	switch ev.Phase {
	case town.RestartBegan:
		c.tracker.MarkRestarting()
		c.cd.Cancel()
		c.state.armed = false
		c.state.restartDue = false
		c.state.recovering = false
		c.logger.Info("restart began", "reason", ev.Reason)
	case town.RestartLaunched:
		c.tracker.MarkStarting()
		c.state.desyncs = 0
		c.state.recovering = true
		c.state.snapshot = nil
		c.logger.Info("restart launched", "reason", ev.Reason)
		c.alerts.Publish(alert.New(c.cfg.ID, alert.KindRestart,
			fmt.Sprintf("restart launched (reason %s)", ev.Reason)))
	case town.RestartFailed:
		c.logger.Warn("restart attempt failed", "reason", ev.Reason, "error", ev.Err)
	case town.RestartExhausted:
		// Starting leaves the tracker able to judge the next poll if an
		// operator repairs the town by hand and resumes monitoring.
		c.tracker.MarkStarting()
		c.state.recovering = false
		c.logger.Error("restart retries exhausted", "reason", ev.Reason, "error", ev.Err)
		c.alerts.Publish(alert.New(c.cfg.ID, alert.KindSuspend,
			"restart retries exhausted; monitoring suspended"))
		c.execute(ctx, []town.Action{town.SuspendMonitoring{Reason: "restart retries exhausted"}})
	default:
		c.logger.Warn("unknown restart phase", "phase", ev.Phase)
	}
}

func (c *Correlator) handleBridgeMessage(ctx context.Context, ev *town.BridgeMessage) {
	if !c.cfg.EventNotifications {
		c.logger.Debug("notifications disabled, dropping bridge message", "kind", ev.Kind)
		return
	}
	text := renderBridgeMessage(ev)
	if text == "" {
		return
	}
	c.execute(ctx, []town.Action{town.SendChatMessage{Text: text}})
}

func (c *Correlator) handleAccountUpdate(ev *town.AccountUpdate) {
	prev := c.state.account
	c.state.account = accountState{
		Name:   ev.Account,
		Online: ev.Online,
		Synced: ev.Synced,
		At:     time.Now(),
	}
	if prev.Online != ev.Online || prev.Synced != ev.Synced {
		c.logger.Info("account state changed",
			"account", ev.Account, "online", ev.Online, "synced", ev.Synced)
	}
}

func (c *Correlator) publishStatus() {
	s := Status{
		TownID:        c.cfg.ID,
		Name:          c.cfg.Name,
		Health:        c.tracker.State().String(),
		Failures:      c.tracker.Failures(),
		BridgeUp:      c.state.bridgeUp,
		AutoRaidUsers: len(c.state.autoRaid),
		AccountOnline: c.state.account.Online,
		AccountSynced: c.state.account.Synced,
		DroppedEvents: c.queue.Dropped(),
		Note:          c.cfg.Note,
	}
	if snap := c.state.snapshot; snap != nil {
		s.Authenticated = snap.Session.Authenticated
		s.Players = len(snap.Players)
		s.UptimeSeconds = int64(snap.Uptime() / time.Second)
		s.Boost = snap.Village.Boost
		s.ActivityBusy = snap.ActivityBusy()
	}
	if deadline, ok := c.cd.Deadline(); ok {
		s.RestartAt = deadline
	}
	c.status.Store(&s)
}
