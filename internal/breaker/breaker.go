/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package breaker implements a three-state circuit breaker used to gate
// outbound calls to the twin repositories and the language-model backends.
//
// State machine:
//   - Closed: calls pass; consecutive failures count toward the threshold.
//   - Open: calls are refused until the recovery timeout elapses, at which
//     point the first state read promotes to HalfOpen.
//   - HalfOpen: a bounded number of probe calls pass; enough successes
//     close the breaker, any failure re-opens it.
//
// The breaker never retries on its own. Callers check CanExecute and feed
// results back with RecordSuccess / RecordFailure. HTTP 4xx responses are
// client errors and count as success; only 5xx and transport errors count
// as failures.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by callers when the breaker refuses a call.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position in its lifecycle.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config sets the breaker thresholds.
type Config struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is how many successful probes close the breaker.
	HalfOpenMaxCalls int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a three-state failure gate. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time

	onStateChange func(name string, state State)
	now           func() time.Time
}

// New creates a breaker. Zero or negative config fields fall back to
// defaults.
func New(name string, cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = d.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: Closed,
		now:   time.Now,
	}
}

// WithStateChangeHook registers a callback fired on every transition,
// used to keep the breaker-state metric current.
func (b *Breaker) WithStateChangeHook(fn func(name string, state State)) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
	return b
}

// Name identifies the breaker in logs and metrics.
func (b *Breaker) Name() string { return b.name }

// CanExecute reports whether a call may proceed. Reading the state in Open
// performs the elapsed-time check and promotes to HalfOpen when due.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailureTime) > b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			b.halfOpenCalls = 1
			b.successCount = 0
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess feeds a successful call outcome back into the breaker.
// During Open this is a no-op: the probe path goes through HalfOpen.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			b.transition(Closed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
		}
	}
}

// RecordFailure feeds a failed call outcome back into the breaker. A
// failure while Open refreshes the failure timestamp, extending the
// cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
		b.successCount = 0
		b.halfOpenCalls = 0
	}
}

// State returns the current state, applying the time-based promotion from
// Open to HalfOpen if it is due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.lastFailureTime) > b.cfg.RecoveryTimeout {
		b.transition(HalfOpen)
		b.halfOpenCalls = 0
		b.successCount = 0
	}
	return b.state
}

// OpenError returns the typed error surfaced when a call is refused.
func (b *Breaker) OpenError() error {
	return fmt.Errorf("%s: %w", b.name, ErrOpen)
}

func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(b.name, s)
	}
}
