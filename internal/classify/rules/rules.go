// Package rules is a deterministic keyword classifier. It runs locally with no
// model dependency and is the default backend.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/classify"
)

// MaxLikelihoodRatio caps the ratio reported for certain matches.
const MaxLikelihoodRatio = 1000

// Rule maps a case-insensitive payload substring to a technique.
type Rule struct {
	Match     string  `yaml:"match"`
	Technique string  `yaml:"technique"`
	Tactic    string  `yaml:"tactic"`
	Weight    float64 `yaml:"weight"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Classifier scores alerts against a fixed rule table.
type Classifier struct {
	rules []Rule
}

// Defaults is the built-in rule table.
var Defaults = []Rule{
	{Match: "nmap", Technique: "T1046", Tactic: "discovery", Weight: 0.55},
	{Match: "port scan", Technique: "T1046", Tactic: "discovery", Weight: 0.5},
	{Match: "brute force", Technique: "T1110", Tactic: "credential-access", Weight: 0.7},
	{Match: "failed password", Technique: "T1110", Tactic: "credential-access", Weight: 0.4},
	{Match: "mimikatz", Technique: "T1003", Tactic: "credential-access", Weight: 0.9},
	{Match: "psexec", Technique: "T1570", Tactic: "lateral-movement", Weight: 0.75},
	{Match: "smb", Technique: "T1021.002", Tactic: "lateral-movement", Weight: 0.35},
	{Match: "wmic", Technique: "T1047", Tactic: "execution", Weight: 0.5},
	{Match: "powershell -enc", Technique: "T1059.001", Tactic: "execution", Weight: 0.8},
	{Match: "encrypted files", Technique: "T1486", Tactic: "impact", Weight: 0.85},
	{Match: "vssadmin delete shadows", Technique: "T1490", Tactic: "impact", Weight: 0.9},
	{Match: "dns tunnel", Technique: "T1071.004", Tactic: "command-and-control", Weight: 0.7},
	{Match: "beacon", Technique: "T1071", Tactic: "command-and-control", Weight: 0.45},
	{Match: "exfil", Technique: "T1041", Tactic: "exfiltration", Weight: 0.65},
}

// New builds a classifier from rules. An empty table uses Defaults.
func New(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = Defaults
	}
	out := make([]Rule, 0, len(rules))
	var errs []error
	for i, r := range rules {
		if r.Match == "" || r.Technique == "" || r.Tactic == "" {
			errs = append(errs, fmt.Errorf("rule %d: match, technique and tactic are required", i))
			continue
		}
		if r.Weight <= 0 || r.Weight > 1 {
			errs = append(errs, fmt.Errorf("rule %d (%s): weight %v must be in (0,1]", i, r.Match, r.Weight))
			continue
		}
		r.Match = strings.ToLower(r.Match)
		out = append(out, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Classifier{rules: out}, nil
}

// Load reads a YAML rule file.
func Load(path string) (*Classifier, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s has no rules", path)
	}
	return New(f.Rules)
}

// Classify implements classify.Classifier.
//
// Confidence is the noisy-or of matched rule weights. The tactic with the most
// matched weight wins; Semantic is that tactic's share of the matched weight.
func (c *Classifier) Classify(ctx context.Context, al *alert.Alert) (*classify.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := strings.ToLower(al.RawPayload)
	miss := 1.0
	total := 0.0
	byTactic := make(map[string]float64)
	var techniques []string

	for _, r := range c.rules {
		if !strings.Contains(payload, r.Match) {
			continue
		}
		miss *= 1 - r.Weight
		total += r.Weight
		byTactic[r.Tactic] += r.Weight
		techniques = append(techniques, r.Technique)
	}

	if len(techniques) == 0 {
		return &classify.Result{Techniques: []string{}, Tactic: classify.UnknownTactic}, nil
	}

	tactic := topTactic(byTactic)
	conf := 1 - miss

	return &classify.Result{
		Techniques:      techniques,
		Confidence:      conf,
		Tactic:          tactic,
		LikelihoodRatio: likelihood(conf),
		Semantic:        byTactic[tactic] / total,
	}, nil
}

func topTactic(w map[string]float64) string {
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Strings(names)
	best := names[0]
	for _, n := range names[1:] {
		if w[n] > w[best] {
			best = n
		}
	}
	return best
}

func likelihood(conf float64) float64 {
	if conf >= 1 {
		return MaxLikelihoodRatio
	}
	lr := conf / (1 - conf)
	if lr > MaxLikelihoodRatio {
		return MaxLikelihoodRatio
	}
	return lr
}
