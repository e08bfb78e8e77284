package ooda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reflex/internal/alert"
	"github.com/linnemanlabs/reflex/internal/classify"
	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/gate"
	"github.com/linnemanlabs/reflex/internal/realm"
	"github.com/linnemanlabs/reflex/internal/resonance"
)

const tracerName = "github.com/linnemanlabs/reflex/internal/ooda"

// DefaultClassifyTimeout is the Orient-stage classifier deadline.
const DefaultClassifyTimeout = 400 * time.Microsecond

// ErrUnknownRealm is returned when an alert resolves to no configured realm.
var ErrUnknownRealm = errors.New("alert resolves to no configured realm")

// IDSource issues task ids. Ids are opaque to the pipeline.
type IDSource interface {
	TaskID(al *alert.Alert, p *realm.Policy) string
}

// IDSourceFunc adapts a plain function to IDSource.
type IDSourceFunc func(al *alert.Alert, p *realm.Policy) string

// TaskID implements IDSource.
func (f IDSourceFunc) TaskID(al *alert.Alert, p *realm.Policy) string { return f(al, p) }

// ULIDs issues a fresh ULID per task.
var ULIDs = IDSourceFunc(func(*alert.Alert, *realm.Policy) string { return ulid.Make().String() })

// Dispatcher is the fire-and-forget side of the Act stage.
type Dispatcher interface {
	Go(ctx context.Context, entityID string)
}

// Deps are the stage collaborators of an Orchestrator.
type Deps struct {
	Classifier classify.Classifier
	Realms     *realm.Set
	Scorer     *resonance.Scorer
	Gates      *gate.Registry
	Publisher  *entity.Publisher
	Dispatcher Dispatcher
}

// Config tunes an Orchestrator. Zero fields take defaults.
type Config struct {
	ClassifyTimeout time.Duration
	Budget          Budget
	IDs             IDSource
	Now             func() time.Time
}

// Orchestrator runs decision cycles. Run is safe for concurrent use; cycles
// for different alerts are independent.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger log.Logger
	hooks  Hooks
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, logger log.Logger, hooks Hooks) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = DefaultClassifyTimeout
	}
	if cfg.Budget == (Budget{}) {
		cfg.Budget = DefaultBudget()
	}
	if cfg.IDs == nil {
		cfg.IDs = ULIDs
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger, hooks: hooks}
}

// Run executes one cycle for al. It always returns an Outcome; overrunning
// the budget is reported, never fatal. A completed cycle reads the clock
// exactly five times. Cancelling ctx does not stop a running cycle; only the
// classifier timeout bounds it.
func (o *Orchestrator) Run(ctx context.Context, al *alert.Alert) *Outcome {
	ctx = context.WithoutCancel(ctx)
	t0 := o.cfg.Now()
	out := &Outcome{CycleID: ulid.Make().String()}
	if al != nil {
		out.AlertID = al.ID
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ooda.cycle", trace.WithAttributes(
		attribute.String("reflex.cycle.id", out.CycleID),
		attribute.String("reflex.alert.id", out.AlertID),
	))
	defer span.End()

	// Observe
	pol, err := o.observe(al)
	t1 := o.cfg.Now()
	out.Timings.Observe = t1.Sub(t0)
	if err != nil {
		out.Status = StatusRejected
		out.Error = err.Error()
		o.finish(ctx, span, out, 1, t0, t1)
		return out
	}
	out.RealmID = pol.ID

	// Orient
	res := o.orient(ctx, al, out)
	delta := resonance.DeltaFrom(res)
	ring, scored := o.deps.Scorer.Score(pol.ID, delta)
	out.Classification = res
	out.Resonance = float64(ring)
	t2 := o.cfg.Now()
	out.Timings.Orient = t2.Sub(t1)
	if !scored {
		out.Status = StatusRejected
		out.Error = fmt.Sprintf("%v: no scoring strategy for %q", ErrUnknownRealm, pol.ID)
		o.finish(ctx, span, out, 2, t0, t2)
		return out
	}

	// Decide
	dec, err := o.deps.Gates.Evaluate(pol.ID, gate.Inputs{
		RingStrength: float64(ring),
		Operational:  res.Confidence,
		Semantic:     res.Semantic,
	})
	t3 := o.cfg.Now()
	out.Timings.Decide = t3.Sub(t2)
	out.Decision = dec
	if err != nil {
		out.Status = StatusRejected
		out.Error = err.Error()
		o.finish(ctx, span, out, 3, t0, t3)
		return out
	}

	// Act
	if dec.Execute {
		o.act(ctx, al, pol, delta, dec, t3, out)
	} else {
		out.Status = StatusHeld
	}
	t4 := o.cfg.Now()
	out.Timings.Act = t4.Sub(t3)

	o.finish(ctx, span, out, len(stages), t0, t4)
	return out
}

func (o *Orchestrator) observe(al *alert.Alert) (*realm.Policy, error) {
	if err := al.Validate(); err != nil {
		return nil, err
	}
	pol, ok := o.deps.Realms.Resolve(al)
	if !ok {
		return nil, fmt.Errorf("%w: realm=%q source=%q", ErrUnknownRealm, al.Realm, al.Source)
	}
	return pol, nil
}

// orient classifies al, substituting the degraded result on failure.
func (o *Orchestrator) orient(ctx context.Context, al *alert.Alert, out *Outcome) *classify.Result {
	res, err := classify.Run(ctx, o.deps.Classifier, al, o.cfg.ClassifyTimeout)
	if err == nil {
		return res
	}

	kind := classify.KindModelFailure
	var ce *classify.Error
	if errors.As(err, &ce) {
		kind = ce.Kind
	}
	out.Degraded = true
	out.DegradeReason = kind
	if o.hooks.OnDegraded != nil {
		o.hooks.OnDegraded(kind)
	}
	return classify.Degraded()
}

func (o *Orchestrator) act(ctx context.Context, al *alert.Alert, pol *realm.Policy, delta resonance.Delta, dec gate.Decision, at time.Time, out *Outcome) {
	task := &entity.TaskEntity{
		EntityID:    ulid.Make().String(),
		TaskID:      o.cfg.IDs.TaskID(al, pol),
		Phase:       dec.State.String(),
		Delta:       delta,
		TriggerCode: pol.TriggerCode,
		RealmID:     pol.ID,
		CreatedAt:   at,
	}
	out.TaskID = task.TaskID
	out.TriggerCode = task.TriggerCode

	if err := o.deps.Publisher.Publish(task); err != nil {
		out.Status = StatusDropped
		out.Error = err.Error()
		return
	}
	out.Status = StatusExecuted
	out.EntityID = task.EntityID

	if o.deps.Dispatcher != nil {
		o.deps.Dispatcher.Go(ctx, task.EntityID)
	}
}

// finish runs the bookkeeping every cycle gets regardless of how it ended.
// ran is the number of stages that completed.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, out *Outcome, ran int, start, end time.Time) {
	out.Timings.Total = end.Sub(start)
	budget := o.cfg.Budget

	var over []Stage
	for _, s := range stages[:ran] {
		d := out.Timings.of(s)
		if o.hooks.OnStage != nil {
			o.hooks.OnStage(s, d)
		}
		if d > budget.limit(s) {
			over = append(over, s)
		}
	}

	if out.Timings.Total > budget.Total {
		out.Violation = &Violation{
			CycleID:    out.CycleID,
			AlertID:    out.AlertID,
			RealmID:    out.RealmID,
			Total:      out.Timings.Total,
			Budget:     budget.Total,
			OverStages: over,
		}
		if o.hooks.OnViolation != nil {
			o.hooks.OnViolation(out.Violation)
		}
	}
	if o.hooks.OnCycle != nil {
		o.hooks.OnCycle(out)
	}

	span.SetAttributes(
		attribute.String("reflex.realm", out.RealmID),
		attribute.String("reflex.cycle.status", string(out.Status)),
		attribute.String("reflex.gate.state", out.Decision.State.String()),
		attribute.Bool("reflex.gate.execute", out.Decision.Execute),
		attribute.Float64("reflex.resonance", out.Resonance),
		attribute.Int64("reflex.cycle.total_ns", int64(out.Timings.Total)),
		attribute.Bool("reflex.cycle.latency_violation", out.Violation != nil),
	)

	L := o.logger.With(
		"cycle_id", out.CycleID,
		"alert_id", out.AlertID,
		"realm", out.RealmID,
	)
	if out.Degraded {
		L.Warn(ctx, "classification degraded", "reason", out.DegradeReason)
	}
	if out.Violation != nil {
		L.Warn(ctx, "latency_violation",
			"total_us", out.Timings.Total.Microseconds(),
			"budget_us", budget.Total.Microseconds(),
			"over_stages", over,
		)
	}

	switch out.Status {
	case StatusRejected:
		span.SetStatus(codes.Error, out.Error)
		L.Warn(ctx, "cycle rejected", "error", out.Error)
	case StatusDropped:
		span.SetStatus(codes.Error, out.Error)
		L.Error(ctx, errors.New(out.Error), "task dropped", "task_id", out.TaskID)
	case StatusExecuted:
		L.Info(ctx, "cycle executed",
			"gate_state", out.Decision.State.String(),
			"resonance", out.Resonance,
			"convergence", out.Decision.Convergence,
			"task_id", out.TaskID,
			"entity_id", out.EntityID,
			"trigger_code", out.TriggerCode,
			"total_us", out.Timings.Total.Microseconds(),
		)
	}
}
