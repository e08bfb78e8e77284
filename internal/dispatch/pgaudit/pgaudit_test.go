package pgaudit

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/reflex/internal/dispatch"
	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/postgres"
	"github.com/linnemanlabs/reflex/internal/resonance"
)

var _ dispatch.Handler = (*Handler)(nil)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil && len(f.calls) > 1 {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func testTask(id string) *entity.TaskEntity {
	return &entity.TaskEntity{
		EntityID:    id,
		TaskID:      "task-" + id,
		Phase:       "conducting",
		Delta:       resonance.Delta{X: 0.95, Y: 0.95, Z: 0.667, RealmTag: "lateral-movement"},
		TriggerCode: "isolate-host",
		RealmID:     "lateral-movement",
		CreatedAt:   time.Now().Truncate(time.Microsecond).UTC(),
	}
}

func TestNew_AppliesSchema(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	if _, err := New(context.Background(), db); err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(db.calls) != 1 || !strings.Contains(db.calls[0].sql, "CREATE TABLE IF NOT EXISTS countermeasure_audit") {
		t.Errorf("schema not applied: %+v", db.calls)
	}

	if _, err := New(context.Background(), nil); err == nil {
		t.Error("nil db accepted")
	}
}

func TestHandle_InsertsRow(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	h, _ := New(context.Background(), db)
	task := testTask("ent-1")

	if err := h.Handle(context.Background(), task); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(db.calls) != 2 {
		t.Fatalf("exec calls = %d, want 2", len(db.calls))
	}
	c := db.calls[1]
	if !strings.Contains(c.sql, "ON CONFLICT (entity_id) DO NOTHING") {
		t.Errorf("insert is not idempotent: %s", c.sql)
	}
	if len(c.args) != 10 || c.args[0] != "ent-1" || c.args[3] != "isolate-host" || c.args[8] != "lateral-movement" {
		t.Errorf("args = %v", c.args)
	}
}

func TestHandle_WrapsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	h, _ := New(context.Background(), &fakeDB{err: boom})

	err := h.Handle(context.Background(), testTask("ent-2"))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func openHandler(t *testing.T) *Handler {
	t.Helper()
	dsn := os.Getenv("REFLEX_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REFLEX_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	h, err := New(ctx, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestIntegration_HandleAndGet(t *testing.T) {
	h := openHandler(t)
	ctx := context.Background()

	task := testTask("it-" + time.Now().Format("150405.000000000"))
	if err := h.Handle(ctx, task); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// second dispatch of the same entity is absorbed
	if err := h.Handle(ctx, task); err != nil {
		t.Fatalf("Handle (repeat): %v", err)
	}

	got, ok, err := h.Get(ctx, task.EntityID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Task.TaskID != task.TaskID || got.Task.TriggerCode != task.TriggerCode || got.Task.Delta != task.Delta {
		t.Errorf("row = %+v, want %+v", got.Task, *task)
	}
	if !got.Task.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.Task.CreatedAt, task.CreatedAt)
	}
	if got.DispatchedAt.IsZero() {
		t.Error("dispatched_at not set")
	}

	if _, ok, err := h.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v", ok, err)
	}
}
