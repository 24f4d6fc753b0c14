package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/breaker"
)

// scriptedClient answers from a queue of canned outcomes.
type scriptedClient struct {
	mu    sync.Mutex
	name  string
	errs  []error
	calls int
}

func (s *scriptedClient) Name() string { return s.name }

func (s *scriptedClient) Complete(context.Context, *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	if err != nil {
		return nil, err
	}
	return &Response{Text: "from " + s.name}, nil
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestResilientSwitchesToFallbackWhenBreakerOpens(t *testing.T) {
	boom := errors.New("provider down")
	primary := &scriptedClient{name: "primary", errs: []error{boom, boom}}
	fallback := &scriptedClient{name: "fallback"}
	br := breaker.New("llm", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	r := NewResilient(primary, fallback, br, logr.Discard())
	ctx := context.Background()

	// First failure: breaker still closed, error surfaces.
	if _, err := r.Complete(ctx, &Request{}); err == nil {
		t.Fatal("first failure swallowed")
	}
	// Second failure opens the breaker; the call transparently lands on
	// the fallback.
	resp, err := r.Complete(ctx, &Request{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp.Text != "from fallback" {
		t.Errorf("response from %q", resp.Text)
	}
	if !r.UsingFallback() {
		t.Error("not marked as using fallback")
	}

	// While open, calls skip the primary entirely.
	r.Complete(ctx, &Request{})
	if primary.callCount() != 2 {
		t.Errorf("primary called %d times, want 2", primary.callCount())
	}
	if fallback.callCount() != 2 {
		t.Errorf("fallback called %d times, want 2", fallback.callCount())
	}
}

func TestResilientSwitchesBackAfterRecovery(t *testing.T) {
	boom := errors.New("provider down")
	primary := &scriptedClient{name: "primary", errs: []error{boom}}
	fallback := &scriptedClient{name: "fallback"}
	br := breaker.New("llm", breaker.Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	r := NewResilient(primary, fallback, br, logr.Discard())
	ctx := context.Background()

	// Opens the breaker and lands on the fallback.
	if resp, err := r.Complete(ctx, &Request{}); err != nil || resp.Text != "from fallback" {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}

	time.Sleep(20 * time.Millisecond)

	// Recovery window elapsed: the half-open probe goes to the primary,
	// which now succeeds, and the wrapper switches back.
	resp, err := r.Complete(ctx, &Request{})
	if err != nil {
		t.Fatalf("post-recovery call: %v", err)
	}
	if resp.Text != "from primary" {
		t.Errorf("response from %q", resp.Text)
	}
	if r.UsingFallback() {
		t.Error("still marked as using fallback after recovery")
	}
}

func TestResilientWithoutFallbackSurfacesBreakerOpen(t *testing.T) {
	boom := errors.New("provider down")
	primary := &scriptedClient{name: "primary", errs: []error{boom, boom, boom}}
	br := breaker.New("llm", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	r := NewResilient(primary, nil, br, logr.Discard())
	ctx := context.Background()

	if _, err := r.Complete(ctx, &Request{}); err == nil {
		t.Fatal("failure swallowed")
	}
	_, err := r.Complete(ctx, &Request{})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("want breaker open error, got %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("primary called %d times, want 1", primary.callCount())
	}
}

func TestResilientRecordsCallOutcomes(t *testing.T) {
	primary := &scriptedClient{name: "primary"}
	br := breaker.New("llm", breaker.DefaultConfig())
	var mu sync.Mutex
	var seen []string
	r := NewResilient(primary, nil, br, logr.Discard()).
		WithCallHook(func(provider, outcome string) {
			mu.Lock()
			seen = append(seen, provider+":"+outcome)
			mu.Unlock()
		})

	r.Complete(context.Background(), &Request{})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "primary:success" {
		t.Errorf("hook calls = %v", seen)
	}
}
