package ooda

import (
	"time"

	"github.com/linnemanlabs/reflex/internal/classify"
	"github.com/linnemanlabs/reflex/internal/gate"
)

// Stage names a cycle stage.
type Stage string

const (
	StageObserve Stage = "observe"
	StageOrient  Stage = "orient"
	StageDecide  Stage = "decide"
	StageAct     Stage = "act"
)

// Status is the final state of a cycle.
type Status string

const (
	// StatusExecuted means the gate fired and the task was published
	StatusExecuted Status = "executed"

	// StatusHeld means the gate decided not to execute
	StatusHeld Status = "held"

	// StatusDropped means the gate fired but the entity store was full
	StatusDropped Status = "dropped"

	// StatusRejected means the alert never reached Orient
	StatusRejected Status = "rejected"
)

// Budget is the soft latency partition of a cycle. It is instrumented,
// never enforced by preemption.
type Budget struct {
	Observe time.Duration
	Orient  time.Duration
	Decide  time.Duration
	Act     time.Duration
	Total   time.Duration
}

// DefaultBudget is the 1ms cycle partition.
func DefaultBudget() Budget {
	return Budget{
		Observe: 100 * time.Microsecond,
		Orient:  500 * time.Microsecond,
		Decide:  200 * time.Microsecond,
		Act:     200 * time.Microsecond,
		Total:   time.Millisecond,
	}
}

func (b Budget) limit(s Stage) time.Duration {
	switch s {
	case StageObserve:
		return b.Observe
	case StageOrient:
		return b.Orient
	case StageDecide:
		return b.Decide
	default:
		return b.Act
	}
}

// Timings are the measured stage durations of one cycle.
type Timings struct {
	Observe time.Duration `json:"observe_ns"`
	Orient  time.Duration `json:"orient_ns"`
	Decide  time.Duration `json:"decide_ns"`
	Act     time.Duration `json:"act_ns"`
	Total   time.Duration `json:"total_ns"`
}

func (t Timings) of(s Stage) time.Duration {
	switch s {
	case StageObserve:
		return t.Observe
	case StageOrient:
		return t.Orient
	case StageDecide:
		return t.Decide
	default:
		return t.Act
	}
}

var stages = [...]Stage{StageObserve, StageOrient, StageDecide, StageAct}

// Violation is the latency_violation record for a cycle that overran its
// total budget. OverStages lists the stages that exceeded their own share.
type Violation struct {
	CycleID    string        `json:"cycle_id"`
	AlertID    string        `json:"alert_id"`
	RealmID    string        `json:"realm_id,omitempty"`
	Total      time.Duration `json:"total_ns"`
	Budget     time.Duration `json:"budget_ns"`
	OverStages []Stage       `json:"over_stages,omitempty"`
}

// Outcome is the structured result of one cycle.
type Outcome struct {
	CycleID        string           `json:"cycle_id"`
	AlertID        string           `json:"alert_id"`
	RealmID        string           `json:"realm_id,omitempty"`
	Status         Status           `json:"status"`
	Classification *classify.Result `json:"classification,omitempty"`
	Degraded       bool             `json:"degraded,omitempty"`
	DegradeReason  classify.Kind    `json:"degrade_reason,omitempty"`
	Resonance      float64          `json:"resonance"`
	Decision       gate.Decision    `json:"decision"`
	EntityID       string           `json:"entity_id,omitempty"`
	TaskID         string           `json:"task_id,omitempty"`
	TriggerCode    string           `json:"trigger_code,omitempty"`
	Timings        Timings          `json:"timings"`
	Violation      *Violation       `json:"latency_violation,omitempty"`
	Error          string           `json:"error,omitempty"`
}
