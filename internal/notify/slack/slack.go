// Package slack posts countermeasure and escalation notices to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/escalate"
)

const httpTimeout = 10 * time.Second

// Notifier posts to a Slack webhook. It is a dispatch handler for
// countermeasures and the escalator for latency-violation breaches.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Handle announces a triggered countermeasure.
func (n *Notifier) Handle(ctx context.Context, task *entity.TaskEntity) error {
	return n.post(ctx, taskMessage(task))
}

// Escalate announces a sustained latency-violation breach.
func (n *Notifier) Escalate(ctx context.Context, r escalate.Report) error {
	return n.post(ctx, escalationMessage(r))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func taskMessage(t *entity.TaskEntity) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			header(fmt.Sprintf("%s Countermeasure %s: %s", phaseEmoji(t.Phase), t.TriggerCode, t.RealmID)),
			{"type": "divider"},
			fields(
				"*Phase:* "+t.Phase,
				"*Trigger:* "+t.TriggerCode,
				"*Realm:* "+t.RealmID,
				fmt.Sprintf("*Delta:* x=%.3f y=%.3f z=%.3f", t.Delta.X, t.Delta.Y, t.Delta.Z),
				"*Tactic:* "+t.Delta.RealmTag,
			),
			{"type": "divider"},
			footer(fmt.Sprintf("reflex • task %s • entity %s • %s", t.TaskID, t.EntityID, stamp(t.CreatedAt))),
		},
	}
}

func escalationMessage(r escalate.Report) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			header(fmt.Sprintf("\U0001f534 Cycle latency budget breached: %.1f%% of cycles over budget", r.Rate*100)),
			{"type": "divider"},
			fields(
				fmt.Sprintf("*Violations:* %d", r.Violations),
				fmt.Sprintf("*Cycles:* %d", r.Cycles),
				fmt.Sprintf("*Threshold:* %.1f%%", r.Threshold*100),
				"*Window:* "+r.Window.String(),
			),
			{"type": "divider"},
			footer("reflex • escalation • " + stamp(r.At)),
		},
	}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, maxHeaderLen),
		},
	}
}

func fields(texts ...string) map[string]any {
	fs := make([]map[string]any, 0, len(texts))
	for _, t := range texts {
		fs = append(fs, map[string]any{"type": "mrkdwn", "text": t})
	}
	return map[string]any{
		"type":   "section",
		"fields": fs,
	}
}

func footer(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func stamp(ts time.Time) string {
	return ts.UTC().Format("2006-01-02 15:04:05 UTC")
}

func phaseEmoji(phase string) string {
	switch phase {
	case "latched":
		return "\U0001f534" // red circle
	case "conducting":
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

// Slack rejects header blocks over 150 characters.
const maxHeaderLen = 150

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
