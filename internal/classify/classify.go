package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/linnemanlabs/reflex/internal/alert"
)

// UnknownTactic is reported by degraded classifications.
const UnknownTactic = "unknown"

var (
	ErrTimeout      = errors.New("classifier timed out")
	ErrModelFailure = errors.New("classifier model failure")
)

// Kind distinguishes the two recoverable classifier failures.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindModelFailure Kind = "model_failure"
)

// Error is returned by Run. errors.Is matches ErrTimeout or ErrModelFailure
// depending on Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrModelFailure:
		return e.Kind == KindModelFailure
	}
	return false
}

// Result is the classification of one alert. Semantic is the semantic score
// reported alongside the classification and feeds the gate's convergence.
type Result struct {
	Techniques      []string `json:"techniques"`
	Confidence      float64  `json:"confidence"`
	Tactic          string   `json:"tactic"`
	LikelihoodRatio float64  `json:"likelihood_ratio"`
	Semantic        float64  `json:"semantic"`
}

// Classifier is implemented by any model backend, local or remote.
// Implementations must not mutate shared state.
type Classifier interface {
	Classify(ctx context.Context, al *alert.Alert) (*Result, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, al *alert.Alert) (*Result, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, al *alert.Alert) (*Result, error) {
	return f(ctx, al)
}

// Degraded returns the zero-confidence classification used after a failure.
func Degraded() *Result {
	return &Result{
		Techniques: []string{},
		Confidence: 0,
		Tactic:     UnknownTactic,
	}
}

// Run calls c with a deadline of timeout. The deadline holds even if the backend
// ignores ctx; a late backend result is discarded. The returned Result has a
// normalized technique set and has been checked against its declared bounds.
func Run(ctx context.Context, c Classifier, al *alert.Alert, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("classifier panic: %v", p)}
			}
		}()
		res, err := c.Classify(ctx, al)
		ch <- reply{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, &Error{Kind: KindTimeout, Err: r.err}
			}
			return nil, &Error{Kind: KindModelFailure, Err: r.err}
		}
		if r.res == nil {
			return nil, &Error{Kind: KindModelFailure, Err: errors.New("nil result")}
		}
		res := normalize(r.res)
		if err := res.Validate(); err != nil {
			return nil, &Error{Kind: KindModelFailure, Err: err}
		}
		return res, nil
	}
}

// Validate checks every score field against its declared bound.
func (r *Result) Validate() error {
	if !unit(r.Confidence) {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	if !unit(r.Semantic) {
		return fmt.Errorf("semantic score %v outside [0,1]", r.Semantic)
	}
	if math.IsNaN(r.LikelihoodRatio) || r.LikelihoodRatio < 0 {
		return fmt.Errorf("likelihood ratio %v is negative", r.LikelihoodRatio)
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1 // false for NaN
}

// normalize copies r with its techniques sorted and deduplicated.
func normalize(r *Result) *Result {
	cp := *r
	seen := make(map[string]struct{}, len(r.Techniques))
	cp.Techniques = make([]string, 0, len(r.Techniques))
	for _, t := range r.Techniques {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		cp.Techniques = append(cp.Techniques, t)
	}
	sort.Strings(cp.Techniques)
	if cp.Tactic == "" {
		cp.Tactic = UnknownTactic
	}
	return &cp
}
