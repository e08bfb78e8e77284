// Package escalate watches the latency-violation rate of decision cycles and
// raises an operator alert when it stays above a threshold.
package escalate

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
)

const (
	DefaultWindow     = time.Minute
	DefaultBuckets    = 12
	DefaultThreshold  = 0.05
	DefaultMinSamples = 100
	DefaultCooldown   = 10 * time.Minute
)

// Report is what an Escalator receives.
type Report struct {
	Window     time.Duration `json:"window"`
	Cycles     int           `json:"cycles"`
	Violations int           `json:"violations"`
	Rate       float64       `json:"rate"`
	Threshold  float64       `json:"threshold"`
	At         time.Time     `json:"at"`
}

// Escalator is the operator-alert path.
type Escalator interface {
	Escalate(ctx context.Context, r Report) error
}

// EscalatorFunc adapts a plain function to Escalator.
type EscalatorFunc func(ctx context.Context, r Report) error

// Escalate implements Escalator.
func (f EscalatorFunc) Escalate(ctx context.Context, r Report) error { return f(ctx, r) }

// Config tunes a Monitor. Zero fields take the package defaults.
type Config struct {
	Window     time.Duration
	Buckets    int
	Threshold  float64
	MinSamples int
	// Cooldown is the minimum spacing between escalations.
	Cooldown time.Duration
	Now      func() time.Time
}

// bucket counts one epoch. A bucket is replaced, never reset, when its ring
// slot rolls over to a newer epoch.
type bucket struct {
	epoch      int64
	cycles     atomic.Int64
	violations atomic.Int64
}

// Monitor keeps a sliding window of cycle and violation counts. Observe is
// lock free and safe to call from the cycle hot path.
type Monitor struct {
	cfg     Config
	width   time.Duration
	esc     Escalator
	logger  log.Logger
	limiter *rate.Limiter

	buckets []atomic.Pointer[bucket]
}

// NewMonitor creates a Monitor that escalates through esc.
func NewMonitor(cfg Config, esc Escalator, logger log.Logger) (*Monitor, error) {
	if esc == nil {
		return nil, errors.New("escalate: escalator is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = DefaultBuckets
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold > 1 {
		return nil, errors.New("escalate: threshold must be in (0,1]")
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	width := cfg.Window / time.Duration(cfg.Buckets)
	if width <= 0 {
		return nil, errors.New("escalate: window too small for bucket count")
	}
	return &Monitor{
		cfg:     cfg,
		width:   width,
		esc:     esc,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		buckets: make([]atomic.Pointer[bucket], cfg.Buckets),
	}, nil
}

// Observe records one finished cycle. Counts racing a rollover may land in
// the retired bucket; that epoch has already left the window.
func (m *Monitor) Observe(violated bool) {
	epoch := m.epoch(m.cfg.Now())
	slot := &m.buckets[epoch%int64(len(m.buckets))]

	b := slot.Load()
	for b == nil || b.epoch < epoch {
		fresh := &bucket{epoch: epoch}
		if slot.CompareAndSwap(b, fresh) {
			b = fresh
			break
		}
		b = slot.Load()
	}
	if b.epoch != epoch {
		return // observed with a clock reading older than the slot
	}

	b.cycles.Add(1)
	if violated {
		b.violations.Add(1)
	}
}

// Rate returns the violation rate over the window and the cycle and
// violation counts it was computed from.
func (m *Monitor) Rate() (ratio float64, cycles, violations int) {
	now := m.epoch(m.cfg.Now())
	oldest := now - int64(len(m.buckets)) + 1

	for i := range m.buckets {
		b := m.buckets[i].Load()
		if b != nil && b.epoch >= oldest && b.epoch <= now {
			cycles += int(b.cycles.Load())
			violations += int(b.violations.Load())
		}
	}

	if cycles == 0 {
		return 0, 0, 0
	}
	return float64(violations) / float64(cycles), cycles, violations
}

// Check escalates when the window holds at least MinSamples cycles and the
// violation rate exceeds the threshold. Escalations are spaced by Cooldown;
// a throttled breach reports false.
func (m *Monitor) Check(ctx context.Context) (bool, error) {
	ratio, cycles, violations := m.Rate()
	if cycles < m.cfg.MinSamples || ratio <= m.cfg.Threshold {
		return false, nil
	}

	now := m.cfg.Now()
	if !m.limiter.AllowN(now, 1) {
		return false, nil
	}

	r := Report{
		Window:     m.cfg.Window,
		Cycles:     cycles,
		Violations: violations,
		Rate:       ratio,
		Threshold:  m.cfg.Threshold,
		At:         now,
	}
	m.logger.Warn(ctx, "latency violation rate over threshold",
		"rate", ratio,
		"threshold", m.cfg.Threshold,
		"cycles", cycles,
		"violations", violations,
	)
	if err := m.esc.Escalate(ctx, r); err != nil {
		return true, err
	}
	return true, nil
}

// Run calls Check every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error(ctx, err, "escalation failed")
			}
		}
	}
}

func (m *Monitor) epoch(t time.Time) int64 {
	return t.UnixNano() / int64(m.width)
}
