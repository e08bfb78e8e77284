package alertapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/ooda"
)

// ingestRequest accepts either a single alert or {"alerts": [...]}.
type ingestRequest struct {
	Alerts []alert.Alert `json:"alerts"`
	alert.Alert
}

type ingestResponse struct {
	Outcomes []*ooda.Outcome `json:"outcomes"`
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	alerts := req.Alerts
	if len(alerts) == 0 && req.Alert != (alert.Alert{}) {
		alerts = []alert.Alert{req.Alert}
	}
	switch {
	case len(alerts) == 0:
		writeError(w, http.StatusBadRequest, "no alerts")
		return
	case len(alerts) > a.opts.MaxBatch:
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d alerts per request", a.opts.MaxBatch))
		return
	}

	now := time.Now().UTC()
	for i := range alerts {
		if alerts[i].Timestamp.IsZero() {
			alerts[i].Timestamp = now
		}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("reflex.alerts.count", len(alerts)))

	// cycles are independent; run them side by side
	outcomes := make([]*ooda.Outcome, len(alerts))
	var wg sync.WaitGroup
	for i := range alerts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = a.cycles.Run(r.Context(), &alerts[i])
		}()
	}
	wg.Wait()

	executed := 0
	for _, o := range outcomes {
		if o.Status == ooda.StatusExecuted {
			executed++
		}
	}
	a.logger.Info(r.Context(), "alerts processed", "count", len(alerts), "executed", executed)

	writeJSON(w, http.StatusOK, ingestResponse{Outcomes: outcomes})
}
