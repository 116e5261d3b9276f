// ABOUTME: Runtime state owned by one correlator goroutine, never shared
// ABOUTME: Status is the read-only projection published for the ops API

package correlate

import (
	"time"

	"github.com/2389/town-warden/internal/town"
)

// runtimeState is everything a town's correlator derives from its event
// stream. Only the consumer goroutine touches it.
type runtimeState struct {
	// snapshot is the last successfully parsed poll. It outlives poll
	// failures so status keeps reporting the last known game state.
	snapshot *town.Snapshot

	bridgeUp bool

	// welcomed holds chatters greeted this run; the welcome fires at
	// most once per chatter per warden process.
	welcomed map[string]struct{}

	// autoRaid mirrors the durable auto_raids rows for this town and is
	// authoritative while the warden runs.
	autoRaid map[string]struct{}

	// desyncs counts consecutive polls whose multiplier disagreed with
	// the service-wide value.
	desyncs int

	// armed is true while a scheduled-restart countdown is running.
	armed bool

	// restartDue is set when the countdown fired while a dungeon or
	// raid was active; the restart executes once the activity ends.
	restartDue bool

	// recovering is set after a restart launch until the first
	// authenticated poll triggers the recovery commands.
	recovering bool

	account accountState
}

// accountState is the town's own multi-account entry, kept for status.
type accountState struct {
	Name   string
	Online bool
	Synced bool
	At     time.Time
}

func newRuntimeState() runtimeState {
	return runtimeState{
		welcomed: make(map[string]struct{}),
		autoRaid: make(map[string]struct{}),
	}
}

// Status is a point-in-time view of a town's runtime state, safe to read
// from any goroutine.
type Status struct {
	TownID        string    `json:"town_id"`
	Name          string    `json:"name"`
	Health        string    `json:"health"`
	Failures      int       `json:"failures"`
	BridgeUp      bool      `json:"bridge_up"`
	Authenticated bool      `json:"authenticated"`
	Players       int       `json:"players"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Boost         string    `json:"boost,omitempty"`
	ActivityBusy  bool      `json:"activity_busy"`
	AutoRaidUsers int       `json:"auto_raid_users"`
	AccountOnline bool      `json:"account_online"`
	AccountSynced bool      `json:"account_synced"`
	RestartAt     time.Time `json:"restart_at,omitzero"`
	DroppedEvents uint64    `json:"dropped_events"`
	Note          string    `json:"note,omitempty"`
}
