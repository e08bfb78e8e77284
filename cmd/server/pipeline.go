package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reflex/internal/classify"
	"github.com/linnemanlabs/reflex/internal/classify/claude"
	"github.com/linnemanlabs/reflex/internal/classify/rules"
	vc "github.com/linnemanlabs/reflex/internal/cfg"
	"github.com/linnemanlabs/reflex/internal/dispatch"
	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/escalate"
	"github.com/linnemanlabs/reflex/internal/realm"
)

// newClassifier builds the configured Orient backend.
func newClassifier(c *vc.Config) (classify.Classifier, error) {
	switch c.Classifier {
	case vc.BackendClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), nil
	case vc.BackendRules:
		if c.RulesFile != "" {
			return rules.Load(c.RulesFile)
		}
		return rules.New(nil)
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", c.Classifier)
	}
}

// registerHandlers binds every trigger code named by a realm to h.
func registerHandlers(reg *dispatch.Registry, realms *realm.Set, h dispatch.Handler) {
	seen := make(map[string]bool)
	for _, id := range realms.IDs() {
		p, _ := realms.Get(id)
		if seen[p.TriggerCode] {
			continue
		}
		seen[p.TriggerCode] = true
		reg.Register(p.TriggerCode, h)
	}
}

// logEscalator is the escalation path when no webhook is configured.
func logEscalator(L log.Logger) escalate.Escalator {
	return escalate.EscalatorFunc(func(ctx context.Context, r escalate.Report) error {
		L.Warn(ctx, "latency violation escalation",
			"rate", r.Rate,
			"threshold", r.Threshold,
			"cycles", r.Cycles,
			"violations", r.Violations,
			"window", r.Window.String(),
		)
		return nil
	})
}

// observeEvents drains publish notifications until ctx is done or the
// channel closes.
func observeEvents(ctx context.Context, events <-chan entity.Event, L log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			L.Info(ctx, "task published",
				"topic", ev.Topic,
				"entity_id", ev.EntityID,
				"published_at", ev.PublishedAt,
			)
		}
	}
}
