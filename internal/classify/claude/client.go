// Package claude is a classify.Classifier backed by the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/classify"
)

const (
	responseTokens = 512
	// maxPayloadBytes bounds how much of the raw alert is sent to the model.
	maxPayloadBytes = 8192
)

// messagesAPI is the subset of the SDK message service used here.
type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client implements classify.Classifier using Claude.
type Client struct {
	msgs  messagesAPI
	model string
}

// New creates a Claude classifier for the given API key and model name.
// Retries are disabled: the caller's timeout is the only budget.
func New(apiKey, model string) *Client {
	c := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(30*time.Second),
	)
	return &Client{msgs: &c.Messages, model: model}
}

// Classify implements classify.Classifier.
func (c *Client) Classify(ctx context.Context, al *alert.Alert) (*classify.Result, error) {
	msg, err := c.msgs.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   responseTokens,
		Temperature: param.NewOpt(0.0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(al))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	return parseVerdict(msg)
}

// parseVerdict extracts the JSON verdict from the first text block.
func parseVerdict(msg *anthropic.Message) (*classify.Result, error) {
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		text := block.Text
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("claude: no json object in response %q", truncate(text, 200))
		}
		var res classify.Result
		if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
			return nil, fmt.Errorf("claude: decode verdict: %w", err)
		}
		return &res, nil
	}
	return nil, errors.New("claude: response has no text block")
}

const systemPrompt = `You classify security alerts against MITRE ATT&CK.
Reply with one JSON object and nothing else:
{"techniques": ["T1234", ...], "tactic": "<kebab-case ATT&CK tactic>",
 "confidence": <0..1>, "likelihood_ratio": <>=0, odds that the alert is malicious>,
 "semantic": <0..1, how well the payload text matches the stated tactic>}
Use an empty techniques list, tactic "unknown" and confidence 0 when nothing applies.`

func buildPrompt(al *alert.Alert) string {
	return fmt.Sprintf("Source: %s\nObserved: %s\n\nRaw alert:\n%s",
		al.Source,
		al.Timestamp.UTC().Format(time.RFC3339),
		truncate(al.RawPayload, maxPayloadBytes),
	)
}

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
