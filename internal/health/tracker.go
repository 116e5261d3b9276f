// ABOUTME: Health state machine: Unknown/Starting/Alive/Unresponsive/Dead/Restarting
// ABOUTME: Threshold crossings drive transitions, not individual failures

package health

import "fmt"

// State is a town's process health.
type State int

const (
	Unknown State = iota
	Starting
	Alive
	Unresponsive
	Dead
	Restarting
)

var stateNames = map[State]string{
	Unknown:      "unknown",
	Starting:     "starting",
	Alive:        "alive",
	Unresponsive: "unresponsive",
	Dead:         "dead",
	Restarting:   "restarting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition is the result of feeding the tracker one observation.
type Transition struct {
	From State
	To   State
}

// Changed reports whether the observation moved the machine.
func (t Transition) Changed() bool { return t.From != t.To }

// Entered reports whether this observation entered the given state.
func (t Transition) Entered(s State) bool { return t.Changed() && t.To == s }

// Tracker owns one town's health state and consecutive-failure counter.
// It is not safe for concurrent use; the owning correlator is its only
// caller.
type Tracker struct {
	state    State
	failures int
	t1       int
	t2       int
}

// NewTracker builds a tracker with the given thresholds. t1 consecutive
// failures mark the town Unresponsive, t2 (> t1) mark it Dead.
func NewTracker(t1, t2 int) *Tracker {
	if t1 < 1 {
		t1 = 1
	}
	if t2 <= t1 {
		t2 = t1 + 1
	}
	return &Tracker{state: Unknown, t1: t1, t2: t2}
}

// State returns the current health state.
func (t *Tracker) State() State { return t.state }

// Failures returns the consecutive-failure count.
func (t *Tracker) Failures() int { return t.failures }

// RecordSuccess feeds one successful poll. It resets the failure counter
// and moves any non-restarting state to Alive. During a restart the
// supervisor owns the transition, so successes are ignored until the
// tracker is marked Starting.
func (t *Tracker) RecordSuccess() Transition {
	from := t.state
	t.failures = 0
	if t.state != Restarting {
		t.state = Alive
	}
	return Transition{From: from, To: t.state}
}

// RecordFailure feeds one failed poll. Crossing the first threshold enters
// Unresponsive, crossing the second enters Dead. Repeated failures past a
// threshold do not re-enter the state, which is what keeps restart
// decisions edge-triggered.
func (t *Tracker) RecordFailure() Transition {
	from := t.state
	if t.state == Restarting {
		return Transition{From: from, To: from}
	}
	t.failures++
	switch {
	case t.failures >= t.t2:
		t.state = Dead
	case t.failures >= t.t1:
		t.state = Unresponsive
	}
	return Transition{From: from, To: t.state}
}

// ForceDead applies an explicit crash signal, skipping the thresholds.
func (t *Tracker) ForceDead() Transition {
	from := t.state
	if t.state != Restarting {
		t.state = Dead
	}
	return Transition{From: from, To: t.state}
}

// MarkRestarting records that the supervisor accepted a restart.
func (t *Tracker) MarkRestarting() Transition {
	from := t.state
	t.state = Restarting
	return Transition{From: from, To: t.state}
}

// MarkStarting records that the supervisor launched fresh processes.
// The failure counter restarts from zero for the new process.
func (t *Tracker) MarkStarting() Transition {
	from := t.state
	t.state = Starting
	t.failures = 0
	return Transition{From: from, To: t.state}
}
