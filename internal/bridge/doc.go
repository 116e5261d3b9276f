// Package bridge runs the shared inbound listener for game-side agents.
//
// A connection is identified purely by its TCP tuple, formatted as
// <remote-ip>_<remote-port>_<local-port>. The tuple must exactly match
// some town's configured bridge key; anything else is logged and closed,
// never misrouted. Game agents bind a fixed local port per sandbox, so
// the tuple is stable across reconnects.
//
// Inbound message frames become BridgeMessage events on the matching
// town's queue. The warden can also issue command frames and wait for the
// correlated cmd_response. Losing a connection only flips the town's
// bridge-link flag; polling and restart logic are unaffected.
package bridge
