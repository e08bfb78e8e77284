// Package alertapi is the HTTP ingestion and admin surface: alerts in,
// cycle outcomes out, plus read access to tasks and gate state.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/authmw"
	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/gate"
	"github.com/linnemanlabs/reflex/internal/ooda"
)

// DefaultMaxBatch caps the alerts accepted in one request.
const DefaultMaxBatch = 256

// Cycler runs one decision cycle.
type Cycler interface {
	Run(ctx context.Context, al *alert.Alert) *ooda.Outcome
}

// Tasks reads published task entities.
type Tasks interface {
	ByTask(taskID string) (entity.TaskEntity, bool)
}

// Gates reads and resets per-realm gate state.
type Gates interface {
	State(realmID string) (gate.State, bool)
	Reset(realmID string) (gate.State, error)
}

// Options configure an API.
type Options struct {
	// Token guards every route with a bearer token when set.
	Token    string
	MaxBatch int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	cycles Cycler
	tasks  Tasks
	gates  Gates
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, cycles Cycler, tasks Tasks, gates Gates, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if cycles == nil || tasks == nil || gates == nil {
		panic(xerrors.New("alertapi: cycler, tasks and gates are required"))
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	return &API{
		logger: logger,
		cycles: cycles,
		tasks:  tasks,
		gates:  gates,
		opts:   opts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.Optional(a.opts.Token))

		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/tasks/{id}", a.handleGetTask)
		r.Get("/realms/{id}/gate", a.handleGetGate)
		r.Post("/realms/{id}/gate/reset", a.handleResetGate)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
