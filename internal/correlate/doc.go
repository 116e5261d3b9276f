// Package correlate runs each town's event loop: one bounded queue, one
// serial consumer, and the only writer of that town's runtime state.
//
// # Overview
//
// Pollers, the bridge processor, the multi-account client, the supervisor,
// and the ops API all observe a town concurrently, but none of them make
// decisions. They enqueue typed events; the town's Correlator consumes
// them strictly in order and owns every piece of derived state: the health
// tracker, the last snapshot, the welcomed-chatter set, the auto-raid set,
// the desync counter, and the scheduled-restart countdown.
//
// # Queue
//
// Each Correlator owns a Queue with a fixed capacity. Enqueue never
// blocks: when the consumer is behind, the event is dropped and counted.
// The channel is never closed; producers may enqueue for the whole process
// lifetime and the consumer exits via its context.
//
// # Events and actions
//
// Events carry observations in (poll results, bridge traffic, redeems,
// account updates, timer wakeups, restart progress, chat commands).
// Decisions leave as town.Action values, executed one at a time on the
// consumer goroutine through the Executors interfaces, so a slow executor
// applies backpressure to the town it belongs to and no other.
//
// # Scheduled restarts
//
// When a town has auto-restart and a restart period, the correlator arms a
// countdown against session uptime. The countdown goroutine only enqueues
// Timer events; warnings and the final fire are still decided on the
// consumer, which holds the fire while a dungeon or raid is running.
package correlate
