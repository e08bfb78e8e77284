package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type ctxKey string

const (
	ctxKeyQuery  ctxKey = "pgx.query"
	ctxKeyOrigin ctxKey = "db.origin"
)

// queryState is carried from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql    string
	args   []any
	start  time.Time
	caller string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration) {
	f(ctx, origin, operation, outcome, dur)
}

type observerHolder struct{ QueryObserver }

var queryObserver atomic.Pointer[observerHolder]

// SetQueryObserver sets the global query observer. nil clears it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// WithOrigin labels queries issued under ctx, e.g. with the trigger code of
// the countermeasure that issued them.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOrigin, origin)
}

// originFromContext prefers an explicit origin, then the chi route pattern.
func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOrigin).(string); ok {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line and a metrics observation for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		sql:    data.SQL,
		args:   data.Args,
		start:  time.Now(),
		caller: findDBCaller(),
	}

	// inner first so its span is the one we annotate
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); st.caller != "" && span.IsRecording() {
		span.SetAttributes(attribute.String("db.caller", st.caller))
	}
	return context.WithValue(ctx, ctxKeyQuery, st)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(ctxKeyQuery).(*queryState)
	if st == nil {
		st = &queryState{}
	}
	var dur time.Duration
	if !st.start.IsZero() {
		dur = time.Since(st.start)
	}

	op := operationName(data.CommandTag, st.sql)
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, originFromContext(ctx), op, outcome, dur)
	}

	fields := []any{
		"db.statement", st.sql,
		"db.args", st.args,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operationName is the SQL verb from the command tag, or from the statement
// when the query failed before producing one.
func operationName(tag pgconn.CommandTag, sql string) string {
	src := strings.TrimSpace(tag.String())
	if src == "" {
		src = strings.TrimSpace(sql)
	}
	if f := strings.Fields(src); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

// findDBCaller returns the first application frame above pgx and this package.
func findDBCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" &&
			!strings.HasPrefix(fn, "runtime.") &&
			!strings.Contains(fn, "github.com/jackc/pgx/v5") &&
			!strings.Contains(fn, "github.com/exaring/otelpgx") &&
			!strings.Contains(fn, "/internal/postgres.") {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
