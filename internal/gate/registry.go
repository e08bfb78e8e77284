package gate

import (
	"fmt"
	"sync"

	"github.com/linnemanlabs/reflex/internal/realm"
)

// TransitionHook observes every state change. It runs after the realm lock
// has been released.
type TransitionHook func(realmID string, from, to State)

type cell struct {
	mu    sync.Mutex
	state State
	th    Thresholds
}

// Registry holds the gate state of every configured realm. The set of realms
// is fixed at construction so lookups need no global lock.
type Registry struct {
	cells        map[string]*cell
	onTransition TransitionHook
}

// NewRegistry creates a registry with every realm in set starting Off.
func NewRegistry(set *realm.Set, hook TransitionHook) *Registry {
	r := &Registry{
		cells:        make(map[string]*cell),
		onTransition: hook,
	}
	for _, id := range set.IDs() {
		p, _ := set.Get(id)
		r.cells[id] = &cell{th: ThresholdsFor(p)}
	}
	return r
}

// ThresholdsFor extracts the gate thresholds of p.
func ThresholdsFor(p *realm.Policy) Thresholds {
	return Thresholds{
		Crystal:     p.CrystalThreshold,
		Convergence: p.ConvergenceThreshold,
		Holding:     p.HoldingThreshold,
	}
}

// Evaluate runs one transition for realmID and stores the next state.
// Concurrent evaluations for the same realm are serialized.
func (r *Registry) Evaluate(realmID string, in Inputs) (Decision, error) {
	c, ok := r.cells[realmID]
	if !ok {
		return Decision{}, fmt.Errorf("gate: unknown realm %q", realmID)
	}

	c.mu.Lock()
	prev := c.state
	d := Transition(prev, in, c.th)
	c.state = d.State
	c.mu.Unlock()

	if prev != d.State && r.onTransition != nil {
		r.onTransition(realmID, prev, d.State)
	}
	return d, nil
}

// State returns the current state of realmID.
func (r *Registry) State(realmID string) (State, bool) {
	c, ok := r.cells[realmID]
	if !ok {
		return Off, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, true
}

// Reset clears realmID back to Off. It is the only way out of Latched.
func (r *Registry) Reset(realmID string) (State, error) {
	c, ok := r.cells[realmID]
	if !ok {
		return Off, fmt.Errorf("gate: unknown realm %q", realmID)
	}
	c.mu.Lock()
	prev := c.state
	c.state = Off
	c.mu.Unlock()

	if prev != Off && r.onTransition != nil {
		r.onTransition(realmID, prev, Off)
	}
	return prev, nil
}
