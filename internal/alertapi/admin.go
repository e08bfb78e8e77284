package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/reflex/internal/gate"
)

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("reflex.task.id", id))

	task, ok := a.tasks.ByTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type gateResponse struct {
	RealmID       string      `json:"realm_id"`
	State         gate.State  `json:"gate_state"`
	PreviousState *gate.State `json:"previous_state,omitempty"`
}

func (a *API) handleGetGate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, ok := a.gates.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown realm")
		return
	}
	writeJSON(w, http.StatusOK, gateResponse{RealmID: id, State: st})
}

func (a *API) handleResetGate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	prev, err := a.gates.Reset(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown realm")
		return
	}
	a.logger.Warn(r.Context(), "gate reset", "realm", id, "previous_state", prev.String())
	writeJSON(w, http.StatusOK, gateResponse{RealmID: id, State: gate.Off, PreviousState: &prev})
}
