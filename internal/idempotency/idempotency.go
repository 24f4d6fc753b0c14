/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package idempotency records executed actions by their action_id so an
// approved task replay or a retried request never runs the same
// invocation twice. The default backend is in-memory; a Postgres backend
// survives restarts.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is the stored outcome of one action.
type Record struct {
	ActionID  string          `json:"action_id"`
	Tool      string          `json:"tool"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists action outcomes keyed by action_id.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, actionID string) (*Record, bool, error)
	Close()
}

// MemoryStore keeps records in memory and evicts them after a TTL.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a memory store. A non-positive TTL defaults to
// one hour.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{records: map[string]Record{}, ttl: ttl, now: time.Now}
}

// Put stores one record, evicting anything past the TTL on the way.
func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	cutoff := m.now().Add(-m.ttl)
	for id, r := range m.records {
		if r.CreatedAt.Before(cutoff) {
			delete(m.records, id)
		}
	}
	m.records[rec.ActionID] = rec
	return nil
}

// Get returns the record for an action id, if still within the TTL.
func (m *MemoryStore) Get(_ context.Context, actionID string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[actionID]
	if !ok || rec.CreatedAt.Before(m.now().Add(-m.ttl)) {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() {}
