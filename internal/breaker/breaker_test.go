/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package breaker

import (
	"errors"
	"testing"
	"time"
)

func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 2})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if got := b.State(); got != Closed {
			t.Fatalf("after %d failures: state %s, want closed", i+1, got)
		}
	}
	b.RecordFailure()
	if got := b.State(); got != Open {
		t.Fatalf("after threshold failures: state %s, want open", got)
	}
	if b.CanExecute() {
		t.Error("CanExecute should be false while open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 2})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != Closed {
		t.Errorf("non-consecutive failures opened the breaker: %s", got)
	}
	b.RecordFailure()
	if got := b.State(); got != Open {
		t.Errorf("state %s, want open", got)
	}
}

func TestHalfOpenPromotionAndClose(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 2})

	b.RecordFailure()
	if b.CanExecute() {
		t.Fatal("open breaker admitted a call before the timeout")
	}

	*now = now.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("breaker did not promote to half-open after recovery timeout")
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state %s, want half_open", got)
	}

	b.RecordSuccess()
	if got := b.State(); got != HalfOpen {
		t.Fatalf("closed after one probe success, want half_open")
	}
	if !b.CanExecute() {
		t.Fatal("second probe refused")
	}
	b.RecordSuccess()
	if got := b.State(); got != Closed {
		t.Fatalf("state %s, want closed after %d probe successes", got, 2)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 3})

	b.RecordFailure()
	*now = now.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("promotion failed")
	}
	b.RecordFailure()
	if got := b.State(); got != Open {
		t.Fatalf("state %s, want open after half-open failure", got)
	}
	if b.CanExecute() {
		t.Error("re-opened breaker admitted a call")
	}
}

func TestFailureWhileOpenExtendsCooldown(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 1})

	b.RecordFailure()
	*now = now.Add(8 * time.Second)
	b.RecordFailure() // refreshes last_failure_time
	*now = now.Add(5 * time.Second)
	// 13s since first failure, only 5s since second: still open.
	if b.CanExecute() {
		t.Error("cooldown was not extended by the failure while open")
	}
	*now = now.Add(6 * time.Second)
	if !b.CanExecute() {
		t.Error("breaker did not recover after the extended cooldown")
	}
}

func TestSuccessWhileOpenIsNoOp(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 1})

	b.RecordFailure()
	b.RecordSuccess()
	if got := b.State(); got != Open {
		t.Errorf("RecordSuccess while open changed state to %s", got)
	}
}

func TestHalfOpenProbeBound(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 2})

	b.RecordFailure()
	*now = now.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("first probe refused")
	}
	if !b.CanExecute() {
		t.Fatal("second probe refused")
	}
	if b.CanExecute() {
		t.Error("probe admitted beyond half-open call bound")
	}
}

func TestOpenError(t *testing.T) {
	b := New("twin", Config{})
	if !errors.Is(b.OpenError(), ErrOpen) {
		t.Error("OpenError should wrap ErrOpen")
	}
}

func TestStateChangeHook(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 1})

	var seen []State
	b.WithStateChangeHook(func(_ string, s State) { seen = append(seen, s) })

	b.RecordFailure()
	*now = now.Add(11 * time.Second)
	b.CanExecute()
	b.RecordSuccess()

	want := []State{Open, HalfOpen, Closed}
	if len(seen) != len(want) {
		t.Fatalf("transitions %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions %v, want %v", seen, want)
		}
	}
}
