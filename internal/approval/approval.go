/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package approval persists human-approval tasks inside a designated
// twin property. The twin holds the canonical copy; every mutation is a
// whole-list read-modify-write so the stored document is never partially
// updated. Concurrent writers are last-writer-wins, which is acceptable
// because approvals flow through a single operator surface.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkessel/twinward/internal/aas"
)

// Task lifecycle states.
const (
	StatusPending  = "PendingApproval"
	StatusApproved = "Approved"
	StatusRejected = "Rejected"
	StatusExpired  = "Expired"
)

// Task is one pending or resolved approval request.
type Task struct {
	TaskID           string         `json:"task_id"`
	Tool             string         `json:"tool"`
	Risk             aas.RiskLevel  `json:"risk"`
	RequestedByRoles []string       `json:"requested_by_roles"`
	Args             map[string]any `json:"args"`
	SafetyReasoning  string         `json:"safety_reasoning"`
	Status           string         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	ActionID         string         `json:"action_id,omitempty"`
	SimulateResult   map[string]any `json:"simulate_result,omitempty"`

	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// Terminal reports whether the task left the pending state.
func (t *Task) Terminal() bool { return t.Status != StatusPending }

// TwinStore is the slice of the twin client the store needs.
type TwinStore interface {
	GetTaskList(ctx context.Context, submodelID, propertyPath string) ([]json.RawMessage, error)
	PutTaskList(ctx context.Context, submodelID, propertyPath string, tasks []json.RawMessage) error
}

// Locator resolves the twin location of the task list at call time.
// Empty return values fall back to the store's construction defaults.
type Locator func(ctx context.Context) (submodelID, propertyPath string)

// Store reads and mutates the twin-backed task list.
type Store struct {
	twin         TwinStore
	submodelID   string
	propertyPath string
	locate       Locator
	now          func() time.Time
}

// NewStore creates a store over the given twin property.
func NewStore(twin TwinStore, submodelID, propertyPath string) *Store {
	return &Store{twin: twin, submodelID: submodelID, propertyPath: propertyPath, now: time.Now}
}

// WithLocator registers a per-call location resolver, so a policy that
// redirects the task list takes effect without rebuilding the store.
func (s *Store) WithLocator(fn Locator) *Store {
	s.locate = fn
	return s
}

func (s *Store) location(ctx context.Context) (string, string) {
	submodelID, propertyPath := s.submodelID, s.propertyPath
	if s.locate != nil {
		sm, path := s.locate(ctx)
		if sm != "" {
			submodelID = sm
		}
		if path != "" {
			propertyPath = path
		}
	}
	return submodelID, propertyPath
}

func (s *Store) load(ctx context.Context) ([]*Task, error) {
	submodelID, propertyPath := s.location(ctx)
	raws, err := s.twin.GetTaskList(ctx, submodelID, propertyPath)
	if err != nil {
		return nil, fmt.Errorf("load task list: %w", err)
	}
	tasks := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (s *Store) save(ctx context.Context, tasks []*Task) error {
	raws := make([]json.RawMessage, len(tasks))
	for i, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.TaskID, err)
		}
		raws[i] = b
	}
	submodelID, propertyPath := s.location(ctx)
	return s.twin.PutTaskList(ctx, submodelID, propertyPath, raws)
}

// Create persists a new PendingApproval task and returns its id.
func (s *Store) Create(ctx context.Context, t *Task) (string, error) {
	if t.TaskID == "" {
		t.TaskID = "task-" + uuid.NewString()
	}
	t.Status = StatusPending
	t.CreatedAt = s.now().UTC()

	tasks, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	tasks = append(tasks, t)
	if err := s.save(ctx, tasks); err != nil {
		return "", err
	}
	return t.TaskID, nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	tasks, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return nil, nil
}

// List returns every stored task, oldest first.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	return s.load(ctx)
}

// Approve flips a pending task to Approved. Returns false without
// touching the store when the task is missing or not pending.
func (s *Store) Approve(ctx context.Context, taskID, approver string) (bool, error) {
	return s.transition(ctx, taskID, func(t *Task) {
		now := s.now().UTC()
		t.Status = StatusApproved
		t.ApprovedBy = approver
		t.ApprovedAt = &now
	})
}

// Reject flips a pending task to Rejected. Returns false without
// touching the store when the task is missing or not pending.
func (s *Store) Reject(ctx context.Context, taskID, rejector, reason string) (bool, error) {
	return s.transition(ctx, taskID, func(t *Task) {
		now := s.now().UTC()
		t.Status = StatusRejected
		t.RejectedBy = rejector
		t.RejectedAt = &now
		t.RejectionReason = reason
	})
}

func (s *Store) transition(ctx context.Context, taskID string, mutate func(*Task)) (bool, error) {
	tasks, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.TaskID != taskID {
			continue
		}
		if t.Status != StatusPending {
			return false, nil
		}
		mutate(t)
		if err := s.save(ctx, tasks); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ExpireStale flips every pending task older than timeout to Expired and
// returns the tasks it expired.
func (s *Store) ExpireStale(ctx context.Context, timeout time.Duration) ([]*Task, error) {
	tasks, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-timeout)
	var expired []*Task
	for _, t := range tasks {
		if t.Status == StatusPending && t.CreatedAt.Before(cutoff) {
			t.Status = StatusExpired
			expired = append(expired, t)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if err := s.save(ctx, tasks); err != nil {
		return nil, err
	}
	return expired, nil
}
