// Package warden wires the supervision engine together.
//
// A Warden is built once from configuration: it loads the towns file,
// opens the sqlite store, and constructs one poller and one correlator
// per town plus the shared bridge processor, restart supervisor, and
// optional multi-account client. Producers never talk to each other;
// every observation is routed to the owning town's event queue and all
// decisions happen on that town's correlator.
//
// Run holds the single-instance lock, starts every component, and serves
// the ops HTTP API on a plain TCP listener or a tsnet node until the
// context ends. Shutdown stops producers first, waits for in-flight
// restarts, then drains the HTTP server within a bounded grace period.
package warden
