// Package redeem decides what a channel-point redemption does.
//
// Each town's handler is owned by its correlator goroutine and is not
// safe for concurrent use. A redeem id passes two gates: the in-memory
// recently-seen set (fast path, bounded) and the audit table's primary
// key (durable backstop across warden restarts). Either gate failing
// drops the event silently; a repeat is idempotent, not an error. Every
// decision is recorded: fulfilled, duplicate, disabled, or unmapped.
package redeem
