// Package poll implements the query-server polling loops.
//
// Each town gets its own Poller goroutine that periodically fetches a
// snapshot over HTTP, diffs it against the previous successful fetch,
// and hands the outcome to the town's event queue as a PollResult. A
// failed fetch produces a PollResult carrying only the error; the diff
// baseline is dropped so the first snapshot after an outage is not
// misread as a wave of joins.
package poll
