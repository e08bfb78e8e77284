// Package gate implements the latched execute/hold state machine.
//
// Transition is a pure function of the previous state, the cycle inputs and
// the realm thresholds. Registry owns the only persisted piece, the per-realm
// state, behind one short mutex per realm.
package gate

import (
	"encoding/json"
	"fmt"
)

// LatchThreshold is the ring strength at or above which the gate latches.
const LatchThreshold = 0.98

// State is the gate state of one realm.
type State uint8

const (
	Off State = iota
	Primed
	Conducting
	Latched
)

var stateNames = [...]string{"off", "primed", "conducting", "latched"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("gate: unknown state %q", name)
}

// Inputs are the per-cycle values the gate sees. Operational is the
// classifier confidence (h1); Semantic is the semantic score (h2).
type Inputs struct {
	RingStrength float64
	Operational  float64
	Semantic     float64
}

// Convergence is the mean of the operational and semantic scores.
func (in Inputs) Convergence() float64 {
	return (in.Operational + in.Semantic) / 2.0
}

// Thresholds are a realm's gate parameters.
type Thresholds struct {
	Crystal     float64
	Convergence float64
	Holding     float64
}

// Decision is one gate evaluation.
type Decision struct {
	Execute     bool    `json:"execute"`
	Convergence float64 `json:"convergence"`
	State       State   `json:"gate_state"`
}

// Transition evaluates the gate rule once. Latched is sticky.
func Transition(prev State, in Inputs, th Thresholds) Decision {
	conv := in.Convergence()
	switch {
	case prev == Latched:
		return Decision{Execute: true, Convergence: conv, State: Latched}
	case in.RingStrength >= LatchThreshold:
		return Decision{Execute: true, Convergence: conv, State: Latched}
	case in.RingStrength >= th.Crystal && conv >= th.Convergence:
		return Decision{Execute: true, Convergence: conv, State: Conducting}
	case in.RingStrength < th.Holding:
		return Decision{Execute: false, Convergence: conv, State: Off}
	default:
		return Decision{Execute: false, Convergence: conv, State: Primed}
	}
}
