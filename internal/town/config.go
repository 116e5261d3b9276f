// ABOUTME: Immutable per-town configuration record loaded once at startup
// ABOUTME: Uniqueness of ID and BridgeKey is enforced by the registry

package town

import (
	"strings"
	"time"
)

// Config describes one supervised town. It is immutable after load;
// editing the fleet requires restarting the warden.
type Config struct {
	// ID is the unique town identifier (lowercase slug).
	ID string

	// Name is the display name used in chat and logs.
	Name string

	// QueryURL is the base URL of the game's local query server.
	QueryURL string

	// BridgeKey identifies this town's inbound bridge connection,
	// in the form <client-address>_<client-port>_<server-port>.
	BridgeKey string

	// StartScript launches the town's processes inside its sandbox.
	StartScript string

	// StopScript stops the town's processes. Optional; when empty the
	// supervisor relies on the launcher's default stop behavior.
	StopScript string

	// SandboxID names the isolated execution environment the town
	// runs in, passed to the start/stop scripts.
	SandboxID string

	// AutoRestart enables restarts on Dead health, elapsed restart
	// period, and multiplier desync. Manual restarts ignore it.
	AutoRestart bool

	// EventNotifications enables dungeon/raid announcements in chat.
	EventNotifications bool

	// AutoRestoreRaids replays auto-raid enablement for tracked users
	// after a restart. Legacy compatibility behavior.
	AutoRestoreRaids bool

	// ChannelPointRedeems enables redeem fulfillment for this town.
	// When false, redeems are accepted and audited but produce no action.
	ChannelPointRedeems bool

	// PauseMonitoring starts the town with polling suspended.
	PauseMonitoring bool

	// RestartPeriod is how long a session may run before a scheduled
	// restart. Zero disables scheduled restarts.
	RestartPeriod time.Duration

	// WelcomeMessage is sent on a chatter's first join command.
	// Supports {userName} and {townName} placeholders. Empty disables it.
	WelcomeMessage string

	// Note is free-form operator text shown in town listings.
	Note string

	// RedeemActions maps a reward kind to the chat-command template
	// executed when that redeem is fulfilled. Templates support the
	// {userName} placeholder.
	RedeemActions map[string]string
}

// FillTemplate expands the {userName} and {townName} placeholders used by
// welcome messages and redeem action templates.
func FillTemplate(tpl, userName, townName string) string {
	return strings.NewReplacer(
		"{userName}", userName,
		"{townName}", townName,
	).Replace(tpl)
}

// RestartReason records why a restart was requested.
type RestartReason string

const (
	RestartAuto         RestartReason = "auto"
	RestartUser         RestartReason = "user"
	RestartUnresponsive RestartReason = "unresponsive"
	RestartDesync       RestartReason = "multiplier-desync"
)
