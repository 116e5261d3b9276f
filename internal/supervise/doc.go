// Package supervise owns the restart lifecycle of town processes.
//
// A restart request that arrives while one is already in flight for the
// same town is coalesced: the caller is told so and nothing is queued.
// Each restart runs stop script, bounded grace, then start script, and
// is retried with exponential backoff. Attempts are counted in a rolling
// window shared across requests; when the window's budget is spent the
// supervisor reports exhaustion instead of attempting, and the correlator
// suspends the town's monitoring. Operator-requested restarts bypass the
// window gate (they still get a bounded number of attempts) so a fixed
// town can be revived without waiting out the window.
//
// Progress is reported as RestartUpdate events on the town's queue; the
// supervisor itself never mutates town state.
package supervise
