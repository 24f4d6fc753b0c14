package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/breaker"
)

// Resilient wraps a primary model client with a circuit breaker and an
// optional fallback. While the breaker is open, calls route straight to
// the fallback; the first primary success after recovery switches back.
type Resilient struct {
	primary  Client
	fallback Client
	breaker  *breaker.Breaker
	log      logr.Logger

	onFallback atomic.Bool
	onCall     func(provider, outcome string)
}

// NewResilient composes the wrapper. fallback may be nil.
func NewResilient(primary, fallback Client, br *breaker.Breaker, log logr.Logger) *Resilient {
	return &Resilient{primary: primary, fallback: fallback, breaker: br, log: log}
}

// WithCallHook registers a callback fired once per provider call, used
// for the model-call metrics.
func (r *Resilient) WithCallHook(fn func(provider, outcome string)) *Resilient {
	r.onCall = fn
	return r
}

func (r *Resilient) Name() string {
	if r.onFallback.Load() && r.fallback != nil {
		return r.fallback.Name()
	}
	return r.primary.Name()
}

// UsingFallback reports whether the last completed call went to the
// fallback client.
func (r *Resilient) UsingFallback() bool { return r.onFallback.Load() }

// Complete routes one request through the breaker.
func (r *Resilient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if !r.breaker.CanExecute() {
		if r.fallback == nil {
			return nil, fmt.Errorf("model %s unavailable: %w", r.primary.Name(), breaker.ErrOpen)
		}
		r.onFallback.Store(true)
		return r.completeFallback(ctx, req)
	}

	resp, err := r.primary.Complete(ctx, req)
	if err == nil {
		r.breaker.RecordSuccess()
		if r.onFallback.CompareAndSwap(true, false) {
			r.log.Info("primary model recovered", "model", r.primary.Name())
		}
		r.record(r.primary.Name(), "success")
		return resp, nil
	}

	r.breaker.RecordFailure()
	r.record(r.primary.Name(), "error")
	if !r.breaker.CanExecute() && r.fallback != nil {
		r.log.Error(err, "primary model failed, switching to fallback",
			"primary", r.primary.Name(), "fallback", r.fallback.Name())
		r.onFallback.Store(true)
		return r.completeFallback(ctx, req)
	}
	return nil, err
}

func (r *Resilient) completeFallback(ctx context.Context, req *Request) (*Response, error) {
	resp, err := r.fallback.Complete(ctx, req)
	if err != nil {
		r.record(r.fallback.Name(), "error")
		return nil, fmt.Errorf("fallback model %s: %w", r.fallback.Name(), err)
	}
	r.record(r.fallback.Name(), "success")
	return resp, nil
}

func (r *Resilient) record(provider, outcome string) {
	if r.onCall != nil {
		r.onCall(provider, outcome)
	}
}
