// ABOUTME: Correlator tests: health edges, announcements, desync, countdown,
// ABOUTME: recovery replay, redeems, and status publication through fake executors

package correlate

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/town-warden/internal/alert"
	"github.com/2389/town-warden/internal/store"
	"github.com/2389/town-warden/internal/town"
)

type fakeExecutors struct {
	mu        sync.Mutex
	chats     []string
	forwards  []string
	fulfilled []string
	restarts  []town.RestartReason
	paused    []string
	healthy   []string
}

func (f *fakeExecutors) SendChat(townID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, text)
	return nil
}

func (f *fakeExecutors) Request(ctx context.Context, cfg town.Config, reason town.RestartReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, reason)
	return nil
}

func (f *fakeExecutors) RecordHealthy(townID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = append(f.healthy, townID)
}

func (f *fakeExecutors) Pause(townID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, townID+"|"+reason)
}

func (f *fakeExecutors) SendAs(account, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, account+"|"+text)
	return nil
}

func (f *fakeExecutors) Fulfill(ctx context.Context, redeemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, redeemID)
	return nil
}

func (f *fakeExecutors) chatLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chats...)
}

func (f *fakeExecutors) restartLog() []town.RestartReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]town.RestartReason(nil), f.restarts...)
}

func (f *fakeExecutors) pausedLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paused...)
}

func (f *fakeExecutors) healthyLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.healthy...)
}

func (f *fakeExecutors) fulfilledLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fulfilled...)
}

type fakeDirectory struct {
	mu          sync.Mutex
	global      float64
	globalFresh bool
	synced      map[string]bool
	stale       map[string]bool
}

func (d *fakeDirectory) Synced(account string) (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	synced, ok := d.synced[account]
	if !ok {
		return false, false
	}
	return synced, !d.stale[account]
}

func (d *fakeDirectory) GlobalMultiplier() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.global, d.globalFresh
}

func riverConfig() town.Config {
	return town.Config{
		ID:                  "river",
		Name:                "River Town",
		QueryURL:            "http://127.0.0.1:9801",
		BridgeKey:           "127.0.0.1_50001_7500",
		AutoRestart:         true,
		EventNotifications:  true,
		AutoRestoreRaids:    true,
		ChannelPointRedeems: true,
		RestartPeriod:       4 * time.Hour,
		WelcomeMessage:      "Welcome to {townName}, {userName}!",
		RedeemActions:       map[string]string{"confetti": "?confetti {userName}"},
	}
}

func aliveSnapshot(uptime time.Duration, players ...town.Player) town.Snapshot {
	return town.Snapshot{
		Session: town.Session{Authenticated: true, SecondsSinceStart: uptime.Seconds()},
		Players: players,
	}
}

type corrFixture struct {
	t      *testing.T
	c      *Correlator
	exec   *fakeExecutors
	dir    *fakeDirectory
	st     *store.SQLiteStore
	alerts func() []*alert.Alert
}

func newCorrFixture(t *testing.T, cfg town.Config, opts Options, seed func(st store.Store)) *corrFixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "warden.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if seed != nil {
		seed(st)
	}

	broadcaster := alert.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)
	alertCh, _ := broadcaster.Subscribe(ctx)
	var alertMu sync.Mutex
	var gotAlerts []*alert.Alert
	go func() {
		for a := range alertCh {
			alertMu.Lock()
			gotAlerts = append(gotAlerts, a)
			alertMu.Unlock()
		}
	}()

	exec := &fakeExecutors{}
	dir := &fakeDirectory{synced: make(map[string]bool), stale: make(map[string]bool)}
	c := New(cfg, st, dir, broadcaster, Executors{
		Chat:      exec,
		Restarter: exec,
		Pauser:    exec,
		Forwarder: exec,
		Fulfiller: exec,
	}, opts, slog.Default())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	return &corrFixture{
		t:    t,
		c:    c,
		exec: exec,
		dir:  dir,
		st:   st,
		alerts: func() []*alert.Alert {
			alertMu.Lock()
			defer alertMu.Unlock()
			return append([]*alert.Alert(nil), gotAlerts...)
		},
	}
}

func (f *corrFixture) event(p town.EventPayload) {
	f.t.Helper()
	require.True(f.t, f.c.Enqueue(town.NewEvent("river", p)))
}

// pollOK feeds one successful poll, diffing against prev the way the
// poller does. Returns a pointer to the delivered snapshot for chaining.
func (f *corrFixture) pollOK(prev *town.Snapshot, cur town.Snapshot) *town.Snapshot {
	f.t.Helper()
	snap := cur
	f.event(&town.PollResult{Snapshot: &snap, Diff: town.ComputeDiff(prev, cur)})
	return &snap
}

func (f *corrFixture) pollFail() {
	f.t.Helper()
	f.event(&town.PollResult{Err: errors.New("connection refused")})
}

func (f *corrFixture) alertTexts() []string {
	var texts []string
	for _, a := range f.alerts() {
		texts = append(texts, a.Text)
	}
	return texts
}

func TestCorrelator_DeadHealthRestartsOnce(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	for i := 0; i < 5; i++ {
		f.pollFail()
	}
	require.Eventually(t, func() bool {
		return len(f.exec.restartLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []town.RestartReason{town.RestartUnresponsive}, f.exec.restartLog())

	// Further failures past the threshold stay edge-triggered.
	f.pollFail()
	f.pollFail()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.exec.restartLog(), 1)

	texts := strings.Join(f.alertTexts(), "\n")
	assert.Contains(t, texts, "unresponsive")
	assert.Contains(t, texts, "restarting")
}

func TestCorrelator_AutoRestartOffAlertsOnly(t *testing.T) {
	cfg := riverConfig()
	cfg.AutoRestart = false
	f := newCorrFixture(t, cfg, Options{}, nil)

	for i := 0; i < 5; i++ {
		f.pollFail()
	}
	require.Eventually(t, func() bool {
		return strings.Contains(strings.Join(f.alertTexts(), "\n"), "auto-restart is off")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.exec.restartLog())
}

func TestCorrelator_RecoveryClearsSupervisorWindow(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	f.pollFail()
	f.pollFail()
	f.pollFail()
	f.pollOK(nil, aliveSnapshot(time.Minute))

	require.Eventually(t, func() bool {
		return len(f.exec.healthyLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"river"}, f.exec.healthyLog())
	assert.Contains(t, strings.Join(f.alertTexts(), "\n"), "responding again")
}

func TestCorrelator_ActivityAnnouncements(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	prev := f.pollOK(nil, aliveSnapshot(time.Minute))

	active := aliveSnapshot(2 * time.Minute)
	active.Dungeon = town.Dungeon{IsActive: true, BossHealth: 175662, EnemyCount: 49, PlayerCount: 13}
	prev = f.pollOK(prev, active)

	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "DUNGEON – Boss HP: 175,662 – Enemies: 49 – Players: 13", f.exec.chatLog()[0])

	idle := aliveSnapshot(3 * time.Minute)
	prev = f.pollOK(prev, idle)
	raid := aliveSnapshot(4 * time.Minute)
	raid.Raid = town.Raid{IsActive: true, BossHealth: 3000, PlayerCount: 7}
	f.pollOK(prev, raid)

	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "RAID – Boss HP: 3,000 – Players: 7", f.exec.chatLog()[1])
}

func TestCorrelator_NotificationsDisabled(t *testing.T) {
	cfg := riverConfig()
	cfg.EventNotifications = false
	f := newCorrFixture(t, cfg, Options{}, nil)

	prev := f.pollOK(nil, aliveSnapshot(time.Minute))
	active := aliveSnapshot(2 * time.Minute)
	active.Dungeon = town.Dungeon{IsActive: true, BossHealth: 100, EnemyCount: 1, PlayerCount: 1}
	f.pollOK(prev, active)
	f.event(&town.BridgeMessage{Kind: "drop", Format: "{0} found {1}!", Args: []string{"Finn", "a sword"}})

	require.Eventually(t, func() bool {
		return f.c.Status().ActivityBusy
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.exec.chatLog())
}

func TestCorrelator_WelcomeOncePerChatter(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	f.event(&town.ChatCommand{Chatter: "Finn", Command: "join"})
	f.event(&town.ChatCommand{Chatter: "finn", Command: "join"})
	f.event(&town.ChatCommand{Chatter: "Maya", Command: "join"})

	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"Welcome to River Town, Finn!",
		"Welcome to River Town, Maya!",
	}, f.exec.chatLog())

	// Still two after another join from the original casing.
	f.event(&town.ChatCommand{Chatter: "Finn", Command: "join"})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.exec.chatLog(), 2)
}

func TestCorrelator_PostponeWithoutSchedule(t *testing.T) {
	cfg := riverConfig()
	cfg.RestartPeriod = 0
	f := newCorrFixture(t, cfg, Options{}, nil)

	f.event(&town.ChatCommand{Chatter: "Finn", Command: "postpone"})
	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "No restart is scheduled.", f.exec.chatLog()[0])
}

func TestCorrelator_AutoRaidWriteThrough(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)
	ctx := context.Background()

	prev := f.pollOK(nil, aliveSnapshot(time.Minute,
		town.Player{Name: "finn", AutoRaid: true},
		town.Player{Name: "maya"},
	))
	require.Eventually(t, func() bool {
		accounts, err := f.st.AutoRaidAccounts(ctx, "river")
		return err == nil && len(accounts) == 1
	}, 2*time.Second, 5*time.Millisecond)
	accounts, err := f.st.AutoRaidAccounts(ctx, "river")
	require.NoError(t, err)
	assert.Equal(t, []string{"finn"}, accounts)
	assert.Equal(t, 1, f.c.Status().AutoRaidUsers)

	// The flag flipping off removes the account; merely leaving town
	// would not.
	f.pollOK(prev, aliveSnapshot(2*time.Minute,
		town.Player{Name: "finn", AutoRaid: false},
		town.Player{Name: "maya"},
	))
	require.Eventually(t, func() bool {
		accounts, err := f.st.AutoRaidAccounts(ctx, "river")
		return err == nil && len(accounts) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCorrelator_MultiplierDesyncRestarts(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)
	f.dir.mu.Lock()
	f.dir.global = 25
	f.dir.globalFresh = true
	f.dir.mu.Unlock()

	var prev *town.Snapshot
	for i := 1; i <= 3; i++ {
		prev = f.pollOK(prev, aliveSnapshot(time.Duration(i)*time.Minute))
	}
	require.Eventually(t, func() bool {
		return len(f.exec.restartLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []town.RestartReason{town.RestartDesync}, f.exec.restartLog())

	// Agreement resets the streak; two more disagreements stay under the
	// threshold.
	agreed := aliveSnapshot(4 * time.Minute)
	agreed.Multiplier = town.Multiplier{Active: true, Value: 25}
	prev = f.pollOK(prev, agreed)
	prev = f.pollOK(prev, aliveSnapshot(5*time.Minute))
	f.pollOK(prev, aliveSnapshot(6*time.Minute))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.exec.restartLog(), 1)
}

func TestCorrelator_DesyncIgnoresStaleGlobal(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)
	f.dir.mu.Lock()
	f.dir.global = 25
	f.dir.globalFresh = false
	f.dir.mu.Unlock()

	var prev *town.Snapshot
	for i := 1; i <= 5; i++ {
		prev = f.pollOK(prev, aliveSnapshot(time.Duration(i)*time.Minute))
	}
	require.Eventually(t, func() bool {
		return f.c.Status().UptimeSeconds == int64(5*60)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.exec.restartLog())
}

func TestCorrelator_ScheduledRestartWarnsThenFires(t *testing.T) {
	cfg := riverConfig()
	cfg.RestartPeriod = 60 * time.Millisecond
	f := newCorrFixture(t, cfg, Options{
		Warnings: []time.Duration{30 * time.Millisecond, 15 * time.Millisecond},
	}, nil)

	f.pollOK(nil, aliveSnapshot(0))

	require.Eventually(t, func() bool {
		return len(f.exec.restartLog()) == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []town.RestartReason{town.RestartAuto}, f.exec.restartLog())

	chats := f.exec.chatLog()
	require.Len(t, chats, 2)
	for _, chat := range chats {
		assert.True(t, strings.HasPrefix(chat, "Scheduled restart in"), "unexpected chat %q", chat)
	}
}

func TestCorrelator_PostponeDelaysScheduledRestart(t *testing.T) {
	cfg := riverConfig()
	cfg.RestartPeriod = 200 * time.Millisecond
	f := newCorrFixture(t, cfg, Options{PostponeStep: time.Hour}, nil)

	f.pollOK(nil, aliveSnapshot(0))
	require.Eventually(t, func() bool {
		return !f.c.Status().RestartAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	f.event(&town.ChatCommand{Chatter: "Finn", Command: "postpone"})
	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Restart postponed by 60 minutes.", f.exec.chatLog()[0])

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, f.exec.restartLog())
	assert.Greater(t, time.Until(f.c.Status().RestartAt), 30*time.Minute)
}

func TestCorrelator_FireHeldWhileActivityBusy(t *testing.T) {
	cfg := riverConfig()
	cfg.RestartPeriod = 30 * time.Millisecond
	f := newCorrFixture(t, cfg, Options{Warnings: []time.Duration{time.Hour}}, nil)

	busy := aliveSnapshot(0)
	busy.Dungeon = town.Dungeon{IsActive: true, BossHealth: 100, EnemyCount: 5, PlayerCount: 3}
	prev := f.pollOK(nil, busy)

	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Scheduled restart is waiting for the current activity to end.", f.exec.chatLog()[0])
	assert.Empty(t, f.exec.restartLog())

	f.pollOK(prev, aliveSnapshot(time.Minute))
	require.Eventually(t, func() bool {
		return len(f.exec.restartLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []town.RestartReason{town.RestartAuto}, f.exec.restartLog())
}

func TestCorrelator_RestartLifecycleAndRecovery(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, func(st store.Store) {
		ctx := context.Background()
		require.NoError(t, st.SetAutoRaid(ctx, "river", "finn", true))
		require.NoError(t, st.SetAutoRaid(ctx, "river", "maya", true))
	})
	f.dir.mu.Lock()
	f.dir.synced["finn"] = true
	f.dir.synced["maya"] = true
	f.dir.stale["maya"] = true
	f.dir.mu.Unlock()

	f.event(&town.RestartUpdate{Phase: town.RestartBegan, Reason: town.RestartUser})
	require.Eventually(t, func() bool {
		return f.c.Status().Health == "restarting"
	}, 2*time.Second, 5*time.Millisecond)

	f.event(&town.RestartUpdate{Phase: town.RestartLaunched, Reason: town.RestartUser})
	require.Eventually(t, func() bool {
		return f.c.Status().Health == "starting"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, strings.Join(f.alertTexts(), "\n"), "restart launched")

	// An unauthenticated poll brings health up but must not replay the
	// recovery commands yet.
	unauth := town.Snapshot{Session: town.Session{Authenticated: false, SecondsSinceStart: 5}}
	prev := f.pollOK(nil, unauth)
	require.Eventually(t, func() bool {
		return f.c.Status().Health == "alive"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.exec.chatLog())

	f.pollOK(prev, aliveSnapshot(30*time.Second))
	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"?undorandleave", "?sailall", "!traid finn"}, f.exec.chatLog())
}

func TestCorrelator_ExhaustionSuspendsMonitoring(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	f.event(&town.RestartUpdate{
		Phase:  town.RestartExhausted,
		Reason: town.RestartUnresponsive,
		Err:    errors.New("start script exited 1"),
	})
	require.Eventually(t, func() bool {
		return len(f.exec.pausedLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"river|restart retries exhausted"}, f.exec.pausedLog())
	assert.Contains(t, strings.Join(f.alertTexts(), "\n"), "monitoring suspended")
	require.Eventually(t, func() bool {
		return f.c.Status().Health == "starting"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCorrelator_RedeemFulfillment(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	f.event(&town.RedeemEvent{ID: "r1", Chatter: "Finn", Kind: "confetti"})
	require.Eventually(t, func() bool {
		return len(f.exec.fulfilledLog()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1"}, f.exec.fulfilledLog())
	assert.Equal(t, []string{"?confetti Finn"}, f.exec.chatLog())

	// A replay of the same id does nothing.
	f.event(&town.RedeemEvent{ID: "r1", Chatter: "Finn", Kind: "confetti"})
	// An unmapped kind is audited but produces no action.
	f.event(&town.RedeemEvent{ID: "r2", Chatter: "Maya", Kind: "mystery"})

	require.Eventually(t, func() bool {
		r, err := f.st.GetRedeem(context.Background(), "r2")
		return err == nil && r.Status == store.RedeemUnmapped
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.exec.fulfilledLog(), 1)
	assert.Len(t, f.exec.chatLog(), 1)
}

func TestCorrelator_BridgeMessageSurfacesInChat(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	f.event(&town.BridgeMessage{Kind: "drop", Format: "{0} found {1}!", Args: []string{"Finn", "a sword"}})
	f.event(&town.BridgeMessage{Kind: "drop", Format: "{0} leveled up!", Args: []string{"Maya"}, Recipient: "maya"})

	require.Eventually(t, func() bool {
		return len(f.exec.chatLog()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"Finn found a sword!",
		"@maya Maya leveled up!",
	}, f.exec.chatLog())
}

func TestCorrelator_StatusTracksLinkAndAccount(t *testing.T) {
	f := newCorrFixture(t, riverConfig(), Options{}, nil)

	f.event(&town.BridgeLink{Up: true})
	f.event(&town.AccountUpdate{Account: "River Town", Online: true, Synced: true})
	require.Eventually(t, func() bool {
		s := f.c.Status()
		return s.BridgeUp && s.AccountOnline && s.AccountSynced
	}, 2*time.Second, 5*time.Millisecond)

	f.event(&town.BridgeLink{Up: false})
	require.Eventually(t, func() bool {
		return !f.c.Status().BridgeUp
	}, 2*time.Second, 5*time.Millisecond)

	s := f.c.Status()
	assert.Equal(t, "river", s.TownID)
	assert.Equal(t, "River Town", s.Name)
}
