package alertapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/gate"
	"github.com/linnemanlabs/reflex/internal/ooda"
)

type fakeCycler struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeCycler) Run(_ context.Context, al *alert.Alert) *ooda.Outcome {
	f.mu.Lock()
	f.seen = append(f.seen, al.ID)
	f.mu.Unlock()

	if err := al.Validate(); err != nil {
		return &ooda.Outcome{AlertID: al.ID, Status: ooda.StatusRejected, Error: err.Error()}
	}
	if al.Timestamp.IsZero() {
		return &ooda.Outcome{AlertID: al.ID, Status: ooda.StatusRejected, Error: "no timestamp"}
	}
	if al.Source == "hold" {
		return &ooda.Outcome{AlertID: al.ID, Status: ooda.StatusHeld}
	}
	return &ooda.Outcome{AlertID: al.ID, Status: ooda.StatusExecuted, TaskID: "task-" + al.ID}
}

type fakeTasks map[string]entity.TaskEntity

func (f fakeTasks) ByTask(id string) (entity.TaskEntity, bool) {
	e, ok := f[id]
	return e, ok
}

type fakeGates struct {
	mu     sync.Mutex
	states map[string]gate.State
}

func (f *fakeGates) State(id string) (gate.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	return s, ok
}

func (f *fakeGates) Reset(id string) (gate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	if !ok {
		return gate.Off, fmt.Errorf("gate: unknown realm %q", id)
	}
	f.states[id] = gate.Off
	return s, nil
}

type fixture struct {
	router chi.Router
	cycler *fakeCycler
	gates  *fakeGates
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		cycler: &fakeCycler{},
		gates:  &fakeGates{states: map[string]gate.State{"lateral-movement": gate.Latched}},
	}
	tasks := fakeTasks{"task-1": {EntityID: "ent-1", TaskID: "task-1", TriggerCode: "isolate-host", Phase: "latched"}}
	api := New(log.Nop(), f.cycler, tasks, f.gates, opts)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeOutcomes(t *testing.T, rec *httptest.ResponseRecorder) []ooda.Outcome {
	t.Helper()
	var resp struct {
		Outcomes []ooda.Outcome `json:"outcomes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Outcomes
}

func TestNew_PanicsWithoutDeps(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil deps did not panic")
		}
	}()
	New(nil, nil, nil, nil, Options{})
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeCycler{}, fakeTasks{}, &fakeGates{}, Options{})
	if api.logger == nil {
		t.Error("nil logger not replaced with Nop")
	}
	if api.opts.MaxBatch != DefaultMaxBatch {
		t.Errorf("MaxBatch = %d, want %d", api.opts.MaxBatch, DefaultMaxBatch)
	}
}

func TestIngest_SingleAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(http.MethodPost, "/api/v1/alerts", `{"id":"a-1","source":"edr","raw_payload":"psexec"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	out := decodeOutcomes(t, rec)
	if len(out) != 1 || out[0].AlertID != "a-1" || out[0].Status != ooda.StatusExecuted {
		t.Errorf("outcomes = %+v", out)
	}
}

func TestIngest_SingleAndBatchRejectAlike(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	bodies := map[string]string{
		"single": `{"source":"edr","raw_payload":"psexec"}`,
		"batch":  `{"alerts":[{"source":"edr","raw_payload":"psexec"}]}`,
	}
	for name, body := range bodies {
		rec := f.do(http.MethodPost, "/api/v1/alerts", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body = %s", name, rec.Code, rec.Body.String())
		}
		out := decodeOutcomes(t, rec)
		if len(out) != 1 || out[0].Status != ooda.StatusRejected || out[0].Error == "" {
			t.Errorf("%s: outcomes = %+v, want one rejected", name, out)
		}
	}
}

func TestIngest_BatchPreservesOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	body := `{"alerts":[
		{"id":"a-1","source":"edr","raw_payload":"x"},
		{"id":"a-2","source":"hold","raw_payload":"y"},
		{"id":"a-3","source":"edr","raw_payload":"z"}
	]}`
	rec := f.do(http.MethodPost, "/api/v1/alerts", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	out := decodeOutcomes(t, rec)
	want := []struct {
		id     string
		status ooda.Status
	}{
		{"a-1", ooda.StatusExecuted},
		{"a-2", ooda.StatusHeld},
		{"a-3", ooda.StatusExecuted},
	}
	if len(out) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(out), len(want))
	}
	for i, w := range want {
		if out[i].AlertID != w.id || out[i].Status != w.status {
			t.Errorf("outcome %d = %s/%s, want %s/%s", i, out[i].AlertID, out[i].Status, w.id, w.status)
		}
	}
	if len(f.cycler.seen) != 3 {
		t.Errorf("cycles run = %d, want 3", len(f.cycler.seen))
	}
}

func TestIngest_BadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxBatch: 2})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{bad`, http.StatusBadRequest},
		{"unknown field", `{"id":"a","raw_payload":"x","severity":"high"}`, http.StatusBadRequest},
		{"empty object", `{}`, http.StatusBadRequest},
		{"empty batch", `{"alerts":[]}`, http.StatusBadRequest},
		{"batch too large", `{"alerts":[{"id":"1"},{"id":"2"},{"id":"3"}]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := f.do(http.MethodPost, "/api/v1/alerts", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/api/v1/tasks/task-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got entity.TaskEntity
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EntityID != "ent-1" || got.TriggerCode != "isolate-host" {
		t.Errorf("task = %+v", got)
	}

	if rec := f.do(http.MethodGet, "/api/v1/tasks/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", rec.Code)
	}
}

func TestGate_GetAndReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	rec := f.do(http.MethodGet, "/api/v1/realms/lateral-movement/gate", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"gate_state":"latched"`) {
		t.Fatalf("get gate = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodPost, "/api/v1/realms/lateral-movement/gate/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"previous_state":"latched"`) || !strings.Contains(body, `"gate_state":"off"`) {
		t.Errorf("reset body = %s", body)
	}
	if st, _ := f.gates.State("lateral-movement"); st != gate.Off {
		t.Errorf("state after reset = %v", st)
	}

	if rec := f.do(http.MethodGet, "/api/v1/realms/exfiltration/gate", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown realm get = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/realms/exfiltration/gate/reset", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown realm reset = %d, want 404", rec.Code)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/alerts"},
		{http.MethodDelete, "/api/v1/tasks/task-1"},
		{http.MethodGet, "/api/v1/realms/lateral-movement/gate/reset"},
		{http.MethodPut, "/api/v1/realms/lateral-movement/gate"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if rec := f.do(tt.method, tt.path, ""); rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", rec.Code)
			}
		})
	}
}

func TestRoutes_RequireToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{Token: "s3cret"})

	if rec := f.do(http.MethodGet, "/api/v1/tasks/task-1", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-1", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token status = %d, want 200", rec.Code)
	}
}
