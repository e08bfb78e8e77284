// Package alert defines the inbound security alert consumed by a decision cycle.
package alert

import (
	"errors"
	"time"
)

var (
	ErrMissingID      = errors.New("alert: id is required")
	ErrMissingPayload = errors.New("alert: raw payload is required")
)

// Alert is a single security alert handed to the pipeline by an ingestion adapter.
// It is treated as immutable once created and is owned by one cycle.
type Alert struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Realm      string    `json:"realm,omitempty"` // optional routing hint from the adapter
	RawPayload string    `json:"raw_payload"`
}

// Validate reports whether the alert carries enough to run a cycle.
func (a *Alert) Validate() error {
	if a == nil || a.ID == "" {
		return ErrMissingID
	}
	if a.RawPayload == "" {
		return ErrMissingPayload
	}
	return nil
}
