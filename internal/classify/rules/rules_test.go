package rules

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/classify"
)

func classifyPayload(t *testing.T, c *Classifier, payload string) *classify.Result {
	t.Helper()
	res, err := c.Classify(context.Background(), &alert.Alert{ID: "a", RawPayload: payload})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	return res
}

func TestClassify_NoMatch(t *testing.T) {
	t.Parallel()

	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := classifyPayload(t, c, "user logged in normally")
	if res.Confidence != 0 || res.Tactic != classify.UnknownTactic || len(res.Techniques) != 0 {
		t.Errorf("got %+v, want zero-confidence unknown result", res)
	}
}

func TestClassify_NoisyOr(t *testing.T) {
	t.Parallel()

	c, err := New([]Rule{
		{Match: "psexec", Technique: "T1570", Tactic: "lateral-movement", Weight: 0.5},
		{Match: "SMB", Technique: "T1021.002", Tactic: "lateral-movement", Weight: 0.5},
		{Match: "nmap", Technique: "T1046", Tactic: "discovery", Weight: 0.5},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := classifyPayload(t, c, "PsExec over smb from 10.0.0.4")
	if math.Abs(res.Confidence-0.75) > 1e-9 {
		t.Errorf("confidence = %v, want 0.75", res.Confidence)
	}
	if res.Tactic != "lateral-movement" {
		t.Errorf("tactic = %q, want lateral-movement", res.Tactic)
	}
	if res.Semantic != 1 {
		t.Errorf("semantic = %v, want 1", res.Semantic)
	}
	if math.Abs(res.LikelihoodRatio-3) > 1e-9 {
		t.Errorf("likelihood ratio = %v, want 3", res.LikelihoodRatio)
	}

	mixed := classifyPayload(t, c, "nmap then psexec")
	if math.Abs(mixed.Semantic-0.5) > 1e-9 {
		t.Errorf("mixed semantic = %v, want 0.5", mixed.Semantic)
	}
	// tie on weight resolves to the lexically first tactic
	if mixed.Tactic != "discovery" {
		t.Errorf("mixed tactic = %q, want discovery", mixed.Tactic)
	}
}

func TestClassify_BoundsOverDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var all []string
	for _, r := range Defaults {
		all = append(all, r.Match)
	}
	payloads := []string{"", "mimikatz", strings.Join(all, " "), "vssadmin delete shadows; encrypted files"}
	for _, p := range payloads {
		res := classifyPayload(t, c, p)
		if err := res.Validate(); err != nil {
			t.Errorf("payload %q: %v", p, err)
		}
	}
}

func TestClassify_CancelledContext(t *testing.T) {
	t.Parallel()

	c, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Classify(ctx, &alert.Alert{ID: "a", RawPayload: "nmap"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestNew_InvalidRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule Rule
	}{
		{"missing match", Rule{Technique: "T1", Tactic: "x", Weight: 0.5}},
		{"zero weight", Rule{Match: "a", Technique: "T1", Tactic: "x"}},
		{"weight above one", Rule{Match: "a", Technique: "T1", Tactic: "x", Weight: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New([]Rule{tt.rule}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `rules:
  - match: "cobalt strike"
    technique: T1071
    tactic: command-and-control
    weight: 0.9
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	res := classifyPayload(t, c, "Cobalt Strike beacon observed")
	if res.Tactic != "command-and-control" || res.Confidence != 0.9 {
		t.Errorf("got %+v", res)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
