package execution

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of one execution.
type State int

const (
	Pending State = iota
	ImageResolving
	Launching
	Running
	Completed
	TimedOut
	Cancelled
	Failed
)

var stateNames = [...]string{
	Pending:        "Pending",
	ImageResolving: "ImageResolving",
	Launching:      "Launching",
	Running:        "Running",
	Completed:      "Completed",
	TimedOut:       "TimedOut",
	Cancelled:      "Cancelled",
	Failed:         "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s >= Completed }

// allowed lists the legal successors of every non-terminal state. Cancelled
// is reachable from every non-terminal state. A request deadline can expire
// before the container runs, so TimedOut is too.
var allowed = map[State][]State{
	Pending:        {ImageResolving, Cancelled, TimedOut, Failed},
	ImageResolving: {Launching, Cancelled, TimedOut, Failed},
	Launching:      {Running, Cancelled, TimedOut, Failed},
	Running:        {Completed, TimedOut, Cancelled, Failed},
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// transition moves e to next, recording the change. Illegal transitions are
// programming errors and return an error without changing state.
func (e *Execution) transition(next State, at time.Time) error {
	if !slices.Contains(allowed[e.State], next) {
		return fmt.Errorf("execution: illegal transition %s -> %s", e.State, next)
	}
	e.Transitions = append(e.Transitions, Transition{From: e.State, To: next, At: at})
	e.State = next
	if e.onState != nil {
		e.onState(next)
	}
	return nil
}

// enteredAt returns when e entered s, or the zero time.
func (e *Execution) enteredAt(s State) time.Time {
	for _, t := range e.Transitions {
		if t.To == s {
			return t.At
		}
	}
	return time.Time{}
}
