// Package resonance computes the continuous [0,1] match score between a
// classification-derived delta and a realm policy. Everything here is pure and
// allocation free on the scoring path.
package resonance

import (
	"fmt"
	"math"

	"github.com/linnemanlabs/reflex/internal/classify"
	"github.com/linnemanlabs/reflex/internal/realm"
)

// MismatchWeight is the realm_match factor when the delta targets another realm.
const MismatchWeight = 0.5

// Delta is the 3-component position derived from a classification.
type Delta struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	RealmTag string  `json:"realm_tag"`
}

// Value is a resonance score in [0,1].
type Value float64

// DeltaFrom derives a Delta from r: X is the confidence, Y the likelihood
// ratio squashed into [0,1), Z the saturation of the technique count, and the
// realm tag is the tactic.
func DeltaFrom(r *classify.Result) Delta {
	return Delta{
		X:        r.Confidence,
		Y:        r.LikelihoodRatio / (1 + r.LikelihoodRatio),
		Z:        1 - 1/float64(1+len(r.Techniques)),
		RealmTag: r.Tactic,
	}
}

// Score is the phonon scoring rule:
//
//	realm_match      = 1.0 if delta.RealmTag == policy.ID else 0.5
//	delta_similarity = 1 - clamp(|delta.X - policy.PhononFrequency|, 0, 1)
//	resonance        = clamp(realm_match * delta_similarity, 0, 1)
func Score(d Delta, p *realm.Policy) Value {
	sim := 1 - clamp(math.Abs(d.X-p.PhononFrequency), 0, 1)
	return Value(mustUnit(clamp(match(d, p)*sim, 0, 1)))
}

// Strategy scores a delta for one realm.
type Strategy interface {
	Score(d Delta) Value
}

type phonon struct{ p *realm.Policy }

func (s phonon) Score(d Delta) Value { return Score(d, s.p) }

// banded treats the amplitude as the similarity bandwidth: a delta one
// amplitude away from the frequency scores zero.
type banded struct{ p *realm.Policy }

func (s banded) Score(d Delta) Value {
	sim := 1 - clamp(math.Abs(d.X-s.p.PhononFrequency)/s.p.PhononAmplitude, 0, 1)
	return Value(mustUnit(clamp(match(d, s.p)*sim, 0, 1)))
}

// NewStrategy selects the scoring strategy for p by family.
func NewStrategy(p *realm.Policy) (Strategy, error) {
	switch p.Family {
	case realm.FamilyPhonon, "":
		return phonon{p: p}, nil
	case realm.FamilyBanded:
		return banded{p: p}, nil
	default:
		return nil, fmt.Errorf("resonance: unknown family %q for realm %q", p.Family, p.ID)
	}
}

// Scorer holds one strategy per realm, fixed at construction.
type Scorer struct {
	strategies map[string]Strategy
}

// NewScorer builds strategies for every realm in set.
func NewScorer(set *realm.Set) (*Scorer, error) {
	s := &Scorer{strategies: make(map[string]Strategy)}
	for _, id := range set.IDs() {
		p, _ := set.Get(id)
		st, err := NewStrategy(p)
		if err != nil {
			return nil, err
		}
		s.strategies[id] = st
	}
	return s, nil
}

// Score returns the resonance of d against realmID.
func (s *Scorer) Score(realmID string, d Delta) (Value, bool) {
	st, ok := s.strategies[realmID]
	if !ok {
		return 0, false
	}
	return st.Score(d), true
}

func match(d Delta, p *realm.Policy) float64 {
	if d.RealmTag == p.ID {
		return 1
	}
	return MismatchWeight
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mustUnit panics when v escapes [0,1]; only NaN inputs can get here.
func mustUnit(v float64) float64 {
	if !(v >= 0 && v <= 1) {
		panic(fmt.Sprintf("resonance: score %v outside [0,1]", v))
	}
	return v
}
