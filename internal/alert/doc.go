// Package alert is the warden's operator notification path.
//
// Correlators publish typed alerts (health transitions, restart outcomes,
// monitoring suspensions) to a broadcaster; subscribers receive them on
// buffered channels and slow subscribers lose events rather than holding
// anyone up. The ops API's SSE stream and the chat direct-message sink
// are both plain subscribers.
package alert
