// ABOUTME: Tagged event union consumed by each town's serial correlator
// ABOUTME: Producers enqueue; only the owning correlator ever handles them

package town

import "time"

// Event is one unit of work on a town's queue. Payload holds exactly one
// of the concrete payload types below.
type Event struct {
	TownID  string
	At      time.Time
	Payload EventPayload
}

// EventPayload is implemented by every concrete event payload.
type EventPayload interface {
	isEventPayload()
}

// NewEvent stamps a payload with the town and current time.
func NewEvent(townID string, payload EventPayload) Event {
	return Event{TownID: townID, At: time.Now(), Payload: payload}
}

// PollResult is one poll cycle's outcome: either a parsed snapshot plus
// its diff, or the error that prevented one. Never both.
type PollResult struct {
	Snapshot *Snapshot
	Diff     Diff
	Err      error
}

// BridgeMessage is one typed message received on the town's bridge link.
type BridgeMessage struct {
	Kind          string
	CorrelationID string
	Format        string
	Args          []string
	Recipient     string
}

// BridgeLink reports the bridge connection coming up or going down.
type BridgeLink struct {
	Up bool
}

// RedeemEvent is one channel-point redemption, already resolved to a town.
type RedeemEvent struct {
	ID      string
	Chatter string
	Kind    string
}

// AccountUpdate is a multi-account state push relevant to this town.
type AccountUpdate struct {
	Account   string
	Online    bool
	Synced    bool
	Resources map[string]float64
}

// TimerKind distinguishes scheduled wakeups.
type TimerKind string

const (
	// TimerRestartWarn announces an upcoming scheduled restart.
	TimerRestartWarn TimerKind = "restart-warn"
	// TimerRestartFire executes a scheduled restart.
	TimerRestartFire TimerKind = "restart-fire"
)

// TimerFire is a scheduled wakeup enqueued by the town's countdown.
type TimerFire struct {
	Kind TimerKind
	// Remaining is the time left before the restart when the timer was
	// armed; used in warning text.
	Remaining time.Duration
}

// RestartPhase tags supervisor progress reports.
type RestartPhase string

const (
	RestartBegan     RestartPhase = "began"
	RestartLaunched  RestartPhase = "launched"
	RestartFailed    RestartPhase = "failed"
	RestartExhausted RestartPhase = "exhausted"
)

// RestartUpdate is the supervisor reporting restart progress back to the
// correlator. Err is set for failed and exhausted phases.
type RestartUpdate struct {
	Phase  RestartPhase
	Reason RestartReason
	Err    error
}

// ChatCommand is an inbound chat command addressed to this town.
type ChatCommand struct {
	Chatter string
	Command string
	Args    []string
}

func (*PollResult) isEventPayload()    {}
func (*BridgeMessage) isEventPayload() {}
func (*BridgeLink) isEventPayload()    {}
func (*RedeemEvent) isEventPayload()   {}
func (*AccountUpdate) isEventPayload() {}
func (*TimerFire) isEventPayload()     {}
func (*RestartUpdate) isEventPayload() {}
func (*ChatCommand) isEventPayload()   {}
