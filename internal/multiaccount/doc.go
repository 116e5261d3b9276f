// Package multiaccount maintains the warden's single authenticated
// connection to the shared multi-account chat service.
//
// The service pushes account_update frames (online, synced, shared
// resource counters) which are cached by account and, when the account
// belongs to a town, forwarded to that town's queue. Cached entries older
// than the staleness grace answer as not fresh, and callers must not gate
// sync-dependent decisions (auto-raid restoration, recovery commands) on
// them. The connection reconnects forever with exponential backoff.
package multiaccount
