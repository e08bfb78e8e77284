// Package realm loads the immutable realm policy set used by the resonance
// scorer and the gate. Policies are read once at startup; any malformed entry
// is a fatal configuration error.
package realm

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/reflex/internal/alert"
)

// DefaultHoldingThreshold is the gate's low-water mark when a realm sets none.
const DefaultHoldingThreshold = 0.3

// Scoring families.
const (
	FamilyPhonon = "phonon"
	FamilyBanded = "banded"
)

// Policy is one realm's scoring and gating parameters.
type Policy struct {
	ID                   string  `yaml:"realm_id"`
	Family               string  `yaml:"family"`
	PhononFrequency      float64 `yaml:"phonon_frequency"`
	PhononAmplitude      float64 `yaml:"phonon_amplitude"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	CrystalThreshold     float64 `yaml:"crystal_threshold"`
	HoldingThreshold     float64 `yaml:"-"`
	TriggerCode          string  `yaml:"trigger_code"` // opaque, resolved by the dispatcher
}

// policyDoc keeps an explicit holding_threshold of 0 apart from an unset one.
type policyDoc struct {
	Policy           `yaml:",inline"`
	HoldingThreshold *float64 `yaml:"holding_threshold"`
}

type file struct {
	DefaultRealm     string            `yaml:"default_realm"`
	HoldingThreshold *float64          `yaml:"holding_threshold"`
	Sources          map[string]string `yaml:"sources"`
	Realms           []policyDoc       `yaml:"realms"`
}

// Set is the read-only snapshot of all realm policies. It is never mutated
// after Parse returns and is safe for concurrent use without locking.
type Set struct {
	byID         map[string]*Policy
	ids          []string
	sources      map[string]string
	defaultRealm string
}

// Load reads and validates a YAML realm file.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read realm config: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("realm config %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a YAML realm document. Unknown fields are rejected.
func Parse(data []byte) (*Set, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	holding := DefaultHoldingThreshold
	if f.HoldingThreshold != nil {
		holding = *f.HoldingThreshold
	}

	var errs []error
	if len(f.Realms) == 0 {
		errs = append(errs, errors.New("at least one realm is required"))
	}

	s := &Set{
		byID:    make(map[string]*Policy, len(f.Realms)),
		sources: make(map[string]string, len(f.Sources)),
	}
	for i := range f.Realms {
		p := f.Realms[i].Policy
		if p.Family == "" {
			p.Family = FamilyPhonon
		}
		p.HoldingThreshold = holding
		if h := f.Realms[i].HoldingThreshold; h != nil {
			p.HoldingThreshold = *h
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("realm %d (%s): %w", i, p.ID, err))
			continue
		}
		if _, dup := s.byID[p.ID]; dup {
			errs = append(errs, fmt.Errorf("realm %q defined twice", p.ID))
			continue
		}
		s.byID[p.ID] = &p
		s.ids = append(s.ids, p.ID)
	}
	sort.Strings(s.ids)

	s.defaultRealm = f.DefaultRealm
	if s.defaultRealm != "" {
		if _, ok := s.byID[s.defaultRealm]; !ok {
			errs = append(errs, fmt.Errorf("default_realm %q is not defined", s.defaultRealm))
		}
	}
	for src, id := range f.Sources {
		if _, ok := s.byID[id]; !ok {
			errs = append(errs, fmt.Errorf("source %q routes to undefined realm %q", src, id))
			continue
		}
		s.sources[src] = id
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// Validate checks that every threshold is present and in range.
func (p *Policy) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("realm_id is required"))
	}
	if p.Family != FamilyPhonon && p.Family != FamilyBanded {
		errs = append(errs, fmt.Errorf("unknown family %q", p.Family))
	}
	if p.TriggerCode == "" {
		errs = append(errs, errors.New("trigger_code is required"))
	}
	checkUnit := func(name string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v must be in [0,1]", name, v))
		}
	}
	checkUnit("phonon_frequency", p.PhononFrequency)
	checkUnit("convergence_threshold", p.ConvergenceThreshold)
	checkUnit("holding_threshold", p.HoldingThreshold)
	checkUnit("crystal_threshold", p.CrystalThreshold)
	if p.ConvergenceThreshold == 0 {
		errs = append(errs, errors.New("convergence_threshold is required"))
	}
	if p.CrystalThreshold == 0 {
		errs = append(errs, errors.New("crystal_threshold is required"))
	}
	if p.HoldingThreshold > p.CrystalThreshold {
		errs = append(errs, fmt.Errorf("holding_threshold %v exceeds crystal_threshold %v", p.HoldingThreshold, p.CrystalThreshold))
	}
	if math.IsNaN(p.PhononAmplitude) || p.PhononAmplitude < 0 || p.PhononAmplitude > 1 {
		errs = append(errs, fmt.Errorf("phonon_amplitude %v must be in [0,1]", p.PhononAmplitude))
	}
	if p.Family == FamilyBanded && p.PhononAmplitude == 0 {
		errs = append(errs, errors.New("banded family requires phonon_amplitude > 0"))
	}
	return errors.Join(errs...)
}

// Get returns the policy for id.
func (s *Set) Get(id string) (*Policy, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// IDs returns the configured realm ids in sorted order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Resolve picks the realm a cycle targets: the alert's own hint, then its
// source route, then the default realm.
func (s *Set) Resolve(al *alert.Alert) (*Policy, bool) {
	if al.Realm != "" {
		return s.Get(al.Realm)
	}
	if id, ok := s.sources[al.Source]; ok {
		return s.Get(id)
	}
	if s.defaultRealm != "" {
		return s.Get(s.defaultRealm)
	}
	return nil, false
}
