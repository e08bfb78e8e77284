// Package pgaudit records triggered countermeasures in PostgreSQL. It is a
// dispatch handler; the hot path never waits on it.
package pgaudit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/postgres"
	"github.com/linnemanlabs/reflex/internal/resonance"
)

var tracer = otel.Tracer("github.com/linnemanlabs/reflex/internal/dispatch/pgaudit")

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool the handler needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one audited countermeasure.
type Record struct {
	Task         entity.TaskEntity
	DispatchedAt time.Time
}

// Handler writes one audit row per dispatched task.
type Handler struct {
	db DB
}

// New applies the schema and returns a ready Handler.
func New(ctx context.Context, db DB) (*Handler, error) {
	if db == nil {
		return nil, errors.New("pgaudit: db is required")
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Handler{db: db}, nil
}

const insertSQL = `INSERT INTO countermeasure_audit
	(entity_id, task_id, realm_id, trigger_code, phase, delta_x, delta_y, delta_z, tactic, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (entity_id) DO NOTHING`

// Handle implements dispatch.Handler. Re-dispatching an entity is a no-op.
func (h *Handler) Handle(ctx context.Context, task *entity.TaskEntity) error {
	ctx, span := tracer.Start(ctx, "pgaudit.Handle", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.String("reflex.trigger_code", task.TriggerCode),
	))
	defer span.End()

	ctx = postgres.WithOrigin(ctx, task.TriggerCode)
	_, err := h.db.Exec(ctx, insertSQL,
		task.EntityID,
		task.TaskID,
		task.RealmID,
		task.TriggerCode,
		task.Phase,
		task.Delta.X,
		task.Delta.Y,
		task.Delta.Z,
		task.Delta.RealmTag,
		task.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("pgaudit: insert %s: %w", task.EntityID, err)
	}
	return nil
}

// Get reads back the audit row for entityID.
func (h *Handler) Get(ctx context.Context, entityID string) (*Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgaudit.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		r Record
		d resonance.Delta
	)
	err := h.db.QueryRow(ctx, `SELECT entity_id, task_id, realm_id, trigger_code, phase,
		delta_x, delta_y, delta_z, tactic, created_at, dispatched_at
		FROM countermeasure_audit WHERE entity_id = $1`, entityID).Scan(
		&r.Task.EntityID,
		&r.Task.TaskID,
		&r.Task.RealmID,
		&r.Task.TriggerCode,
		&r.Task.Phase,
		&d.X,
		&d.Y,
		&d.Z,
		&d.RealmTag,
		&r.Task.CreatedAt,
		&r.DispatchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("pgaudit: get %s: %w", entityID, err)
	}
	r.Task.Delta = d
	return &r, true, nil
}
