// Package cfg holds the application-level configuration of the reflex server.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Classifier backends.
const (
	BackendRules  = "rules"
	BackendClaude = "claude"
)

// Config is the application configuration registered alongside the go-core
// package configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	RealmsFile      string
	RulesFile       string
	Classifier      string
	ClaudeAPIKey    string
	ClaudeModel     string
	ClassifyTimeout time.Duration

	StoreCapacity  int
	EventBuffer    int
	HandlerTimeout time.Duration

	DatabaseURL     string
	SlackWebhookURL string

	ViolationWindow     time.Duration
	ViolationThreshold  float64
	ViolationMinSamples int
	EscalationCooldown  time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = no auth)")

	fs.StringVar(&c.RealmsFile, "realms-file", "realms.yaml", "YAML file with realm policies")
	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML keyword rules for the rules classifier (empty = built-in table)")
	fs.StringVar(&c.Classifier, "classifier", BackendRules, "classifier backend: rules or claude")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude classifier backend")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for the claude classifier backend")
	fs.DurationVar(&c.ClassifyTimeout, "classify-timeout", 400*time.Microsecond, "Orient stage classifier deadline")

	fs.IntVar(&c.StoreCapacity, "store-capacity", 65536, "task entities held in memory")
	fs.IntVar(&c.EventBuffer, "event-buffer", 1024, "buffered publish notifications before drops")
	fs.DurationVar(&c.HandlerTimeout, "handler-timeout", 10*time.Second, "deadline per countermeasure handler")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the countermeasure audit (empty = disabled)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for countermeasure and escalation notices")

	fs.DurationVar(&c.ViolationWindow, "violation-window", time.Minute, "sliding window for the latency violation rate")
	fs.Float64Var(&c.ViolationThreshold, "violation-threshold", 0.05, "violation rate that triggers escalation (0..1]")
	fs.IntVar(&c.ViolationMinSamples, "violation-min-samples", 100, "cycles required in the window before escalating")
	fs.DurationVar(&c.EscalationCooldown, "escalation-cooldown", 10*time.Minute, "minimum spacing between escalations")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.RealmsFile == "" {
		errs = append(errs, errors.New("REALMS_FILE is required"))
	}
	switch c.Classifier {
	case BackendRules:
	case BackendClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude classifier"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER %q (must be %s or %s)", c.Classifier, BackendRules, BackendClaude))
	}
	if c.ClassifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFY_TIMEOUT %v (must be > 0)", c.ClassifyTimeout))
	}

	if c.StoreCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid STORE_CAPACITY %d (must be > 0)", c.StoreCapacity))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("invalid EVENT_BUFFER %d (must be >= 0)", c.EventBuffer))
	}
	if c.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid HANDLER_TIMEOUT %v (must be > 0)", c.HandlerTimeout))
	}

	if c.ViolationWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid VIOLATION_WINDOW %v (must be > 0)", c.ViolationWindow))
	}
	if !(c.ViolationThreshold > 0 && c.ViolationThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid VIOLATION_THRESHOLD %v (must be in (0,1])", c.ViolationThreshold))
	}
	if c.ViolationMinSamples <= 0 {
		errs = append(errs, fmt.Errorf("invalid VIOLATION_MIN_SAMPLES %d (must be > 0)", c.ViolationMinSamples))
	}
	if c.EscalationCooldown <= 0 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_COOLDOWN %v (must be > 0)", c.EscalationCooldown))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
