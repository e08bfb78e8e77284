// Package dispatch resolves published task entities to countermeasure handlers
// and runs them off the cycle's hot path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/reflex/internal/entity"
)

// Status is the result class of one dispatch.
type Status string

const (
	StatusOK           Status = "ok"
	StatusHandlerError Status = "handler_error"
	StatusNoHandler    Status = "no_handler"
)

// Outcome describes one dispatch attempt.
type Outcome struct {
	TaskID      string        `json:"task_id"`
	EntityID    string        `json:"entity_id"`
	TriggerCode string        `json:"trigger_code"`
	Status      Status        `json:"status"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

// Handler performs the countermeasure for a task. It may block.
type Handler interface {
	Handle(ctx context.Context, task *entity.TaskEntity) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, task *entity.TaskEntity) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *entity.TaskEntity) error {
	return f(ctx, task)
}

// Multi runs every handler in order and joins their errors.
func Multi(hs ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, task *entity.TaskEntity) error {
		var errs []error
		for _, h := range hs {
			if err := h.Handle(ctx, task); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Registry maps trigger codes to handlers. It is filled by the wiring layer
// and frozen when a Dispatcher is built; after that it is read without locks.
type Registry struct {
	handlers map[string]Handler
	frozen   atomic.Bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under triggerCode. It panics once the registry is frozen.
func (r *Registry) Register(triggerCode string, h Handler) {
	if r.frozen.Load() {
		panic(fmt.Sprintf("dispatch: Register(%q) after registry was frozen", triggerCode))
	}
	r.handlers[triggerCode] = h
}

// Get retrieves the handler for triggerCode.
func (r *Registry) Get(triggerCode string) (Handler, bool) {
	h, ok := r.handlers[triggerCode]
	return h, ok
}

// Codes returns the registered trigger codes in sorted order.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Freeze stops further registration.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// Reader is the dispatcher's view of the entity store. Release hands the
// slot back once the entity has been read.
type Reader interface {
	Get(entityID string) (entity.TaskEntity, bool)
	Release(entityID string) bool
}

// Options configure a Dispatcher.
type Options struct {
	// HandlerTimeout bounds a single handler run. Zero means no bound.
	HandlerTimeout time.Duration
	// OnOutcome observes every outcome; it must not block for long.
	OnOutcome func(Outcome)
}

// Dispatcher invokes handlers and contains their failures.
type Dispatcher struct {
	registry *Registry
	store    Reader
	logger   log.Logger
	opts     Options
	wg       sync.WaitGroup
}

// New creates a dispatcher and freezes registry.
func New(registry *Registry, store Reader, logger log.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	registry.Freeze()
	return &Dispatcher{
		registry: registry,
		store:    store,
		logger:   logger,
		opts:     opts,
	}
}

// Dispatch runs the handler for task synchronously. Handler errors and panics
// become StatusHandlerError; they never propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, task *entity.TaskEntity) (out Outcome) {
	out = Outcome{TaskID: task.TaskID, EntityID: task.EntityID, TriggerCode: task.TriggerCode}
	defer func() {
		if d.opts.OnOutcome != nil {
			d.opts.OnOutcome(out)
		}
	}()

	h, ok := d.registry.Get(task.TriggerCode)
	if !ok {
		out.Status = StatusNoHandler
		return out
	}

	if d.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	err := invoke(ctx, h, task)
	out.Duration = time.Since(start)
	if err != nil {
		out.Status = StatusHandlerError
		out.Err = err
		return out
	}
	out.Status = StatusOK
	return out
}

func invoke(ctx context.Context, h Handler, task *entity.TaskEntity) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, task)
}

// Go reads entityID from the store, releases its slot and dispatches it on a
// tracked goroutine.
// The caller's cancellation does not reach the handler.
func (d *Dispatcher) Go(ctx context.Context, entityID string) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		task, ok := d.store.Get(entityID)
		if !ok {
			d.logger.Error(ctx, errors.New("entity not found"), "dispatch skipped", "entity_id", entityID)
			return
		}
		d.store.Release(entityID)

		out := d.Dispatch(ctx, &task)
		L := d.logger.With(
			"task_id", out.TaskID,
			"entity_id", out.EntityID,
			"trigger_code", out.TriggerCode,
		)
		switch out.Status {
		case StatusOK:
			L.Info(ctx, "countermeasure dispatched", "duration", out.Duration.Seconds())
		case StatusNoHandler:
			L.Warn(ctx, "no handler for trigger code")
		case StatusHandlerError:
			L.Error(ctx, out.Err, "countermeasure handler failed", "duration", out.Duration.Seconds())
		}
	}()
}

// Wait blocks until every dispatch started with Go has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown waits for in-flight dispatches or returns ctx.Err().
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogHandler records the task in the structured log and always succeeds.
func LogHandler(logger log.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, task *entity.TaskEntity) error {
		logger.Info(ctx, "countermeasure triggered",
			"task_id", task.TaskID,
			"entity_id", task.EntityID,
			"trigger_code", task.TriggerCode,
			"realm", task.RealmID,
			"phase", task.Phase,
		)
		return nil
	})
}
