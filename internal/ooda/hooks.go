package ooda

import (
	"time"

	"github.com/linnemanlabs/reflex/internal/classify"
)

// Hooks observe cycle progress. Nil fields are skipped. Hooks run on the
// cycle's goroutine and must not block.
type Hooks struct {
	OnStage     func(s Stage, d time.Duration)
	OnCycle     func(out *Outcome)
	OnViolation func(v *Violation)
	OnDegraded  func(reason classify.Kind)
}

// Chain combines hooks so that each set sees every event, in order.
func Chain(hs ...Hooks) Hooks {
	return Hooks{
		OnStage: func(s Stage, d time.Duration) {
			for _, h := range hs {
				if h.OnStage != nil {
					h.OnStage(s, d)
				}
			}
		},
		OnCycle: func(out *Outcome) {
			for _, h := range hs {
				if h.OnCycle != nil {
					h.OnCycle(out)
				}
			}
		},
		OnViolation: func(v *Violation) {
			for _, h := range hs {
				if h.OnViolation != nil {
					h.OnViolation(v)
				}
			}
		},
		OnDegraded: func(reason classify.Kind) {
			for _, h := range hs {
				if h.OnDegraded != nil {
					h.OnDegraded(reason)
				}
			}
		},
	}
}
