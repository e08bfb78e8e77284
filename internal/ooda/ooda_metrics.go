package ooda

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/reflex/internal/classify"
	"github.com/linnemanlabs/reflex/internal/dispatch"
	"github.com/linnemanlabs/reflex/internal/entity"
	"github.com/linnemanlabs/reflex/internal/gate"
)

// Metrics holds Prometheus metrics for the decision pipeline.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	ViolationsTotal  prometheus.Counter
	DegradedTotal    *prometheus.CounterVec
	GateTransitions  *prometheus.CounterVec
	PublishedTotal   prometheus.Counter
	StoreFullTotal   prometheus.Counter
	EventDropsTotal  prometheus.Counter
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reflex_cycles_total",
			Help: "Total decision cycles by final status.",
		}, []string{"status"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reflex_cycle_duration_seconds",
			Help:    "Wall time of decision cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 10), // 50us .. ~25ms
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reflex_stage_duration_seconds",
			Help:    "Wall time of each cycle stage in seconds.",
			Buckets: prometheus.ExponentialBuckets(10e-6, 2, 10), // 10us .. ~5ms
		}, []string{"stage"}),
		ViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reflex_latency_violations_total",
			Help: "Cycles that exceeded the total latency budget.",
		}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reflex_classify_degraded_total",
			Help: "Classifications replaced by the degraded result, by reason.",
		}, []string{"reason"}),
		GateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reflex_gate_transitions_total",
			Help: "Gate state changes by realm.",
		}, []string{"realm", "from", "to"}),
		PublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reflex_entities_published_total",
			Help: "Task entities written to the store.",
		}),
		StoreFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reflex_store_full_total",
			Help: "Publishes rejected because the entity store was full.",
		}),
		EventDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reflex_event_drops_total",
			Help: "Publish notifications dropped because the event channel was full.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reflex_dispatch_outcomes_total",
			Help: "Countermeasure dispatches by trigger code and status.",
		}, []string{"trigger_code", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reflex_dispatch_duration_seconds",
			Help:    "Duration of countermeasure handlers in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"trigger_code"}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.StageDuration,
		m.ViolationsTotal,
		m.DegradedTotal,
		m.GateTransitions,
		m.PublishedTotal,
		m.StoreFullTotal,
		m.EventDropsTotal,
		m.DispatchTotal,
		m.DispatchDuration,
	)

	return m
}

// RegisterStore exports the fill level of s as gauges.
func (m *Metrics) RegisterStore(reg prometheus.Registerer, s *entity.Store) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reflex_store_entities",
			Help: "Task entities currently held in the store.",
		}, func() float64 { return float64(s.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reflex_store_capacity",
			Help: "Fixed capacity of the entity store.",
		}, func() float64 { return float64(s.Cap()) }),
	)
}

// Hooks returns cycle hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStage: func(s Stage, d time.Duration) {
			m.StageDuration.WithLabelValues(string(s)).Observe(d.Seconds())
		},
		OnCycle: func(out *Outcome) {
			m.CyclesTotal.WithLabelValues(string(out.Status)).Inc()
			m.CycleDuration.Observe(out.Timings.Total.Seconds())
		},
		OnViolation: func(*Violation) {
			m.ViolationsTotal.Inc()
		},
		OnDegraded: func(reason classify.Kind) {
			m.DegradedTotal.WithLabelValues(string(reason)).Inc()
		},
	}
}

// GateHook counts gate state changes.
func (m *Metrics) GateHook() gate.TransitionHook {
	return func(realmID string, from, to gate.State) {
		m.GateTransitions.WithLabelValues(realmID, from.String(), to.String()).Inc()
	}
}

// PublisherHooks counts store writes and dropped notifications.
func (m *Metrics) PublisherHooks() entity.PublisherHooks {
	return entity.PublisherHooks{
		OnPublish:   func(*entity.TaskEntity) { m.PublishedTotal.Inc() },
		OnStoreFull: func(*entity.TaskEntity) { m.StoreFullTotal.Inc() },
		OnEventDrop: func(*entity.TaskEntity) { m.EventDropsTotal.Inc() },
	}
}

// DispatchHook records dispatch outcomes.
func (m *Metrics) DispatchHook() func(dispatch.Outcome) {
	return func(o dispatch.Outcome) {
		m.DispatchTotal.WithLabelValues(o.TriggerCode, string(o.Status)).Inc()
		m.DispatchDuration.WithLabelValues(o.TriggerCode).Observe(o.Duration.Seconds())
	}
}
