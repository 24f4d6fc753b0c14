/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package shadow maintains the agent's eventually-consistent replica of
// twin state: a synchronous snapshot at startup, then event patching from
// the bus, with a full resync whenever a patch fails or the bus
// reconnects. Every query hands out deep copies so callers can never
// mutate the replica.
package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/aas"
	"github.com/mkessel/twinward/internal/twin"
)

// SnapshotSource supplies the full-twin snapshot, normally the twin
// HTTP client.
type SnapshotSource interface {
	GetFullTwin(ctx context.Context, shellID string) (*twin.Twin, error)
}

// Bus is the slice of the event-bus client the shadow needs.
type Bus interface {
	AddSubscription(topic string)
	AddMessageHandler(h func(topic string, payload []byte))
	AddReconnectHandler(fn func())
}

// Config identifies the twin this shadow tracks.
type Config struct {
	ShellID        string
	AASRepoID      string
	SubmodelRepoID string
}

// Manager is the thread-safe shadow replica.
type Manager struct {
	cfg    Config
	source SnapshotSource
	log    logr.Logger

	mu          sync.RWMutex
	shell       *aas.Shell
	submodels   map[string]*aas.Submodel
	lastSync    time.Time
	updatedAt   map[string]time.Time
	eventCount  int64
	initialized bool

	runCtx context.Context
	now    func() time.Time

	onEvent  func()
	onResync func(trigger string)
}

// NewManager creates a shadow manager over the given snapshot source.
func NewManager(cfg Config, source SnapshotSource, log logr.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		source:    source,
		log:       log,
		submodels: map[string]*aas.Submodel{},
		updatedAt: map[string]time.Time{},
		now:       time.Now,
	}
}

// WithHooks registers metric callbacks for applied events and resyncs.
func (m *Manager) WithHooks(onEvent func(), onResync func(trigger string)) *Manager {
	m.onEvent = onEvent
	m.onResync = onResync
	return m
}

// Register installs the shadow's subscriptions and handlers on the bus.
// Must run before the bus connects, so that no event published after the
// initial snapshot can be missed.
func (m *Manager) Register(b Bus) {
	b.AddSubscription(aas.ShellSubscription(m.cfg.AASRepoID))
	b.AddSubscription(aas.SubmodelSubscription(m.cfg.SubmodelRepoID))
	b.AddMessageHandler(m.HandleMessage)
	b.AddReconnectHandler(func() {
		// Events during the disconnection are gone; replace the replica.
		if err := m.Resync(m.resyncContext(), "reconnect"); err != nil {
			m.log.Error(err, "resync after reconnect failed")
		}
	})
}

// Initialize takes the first snapshot and marks the shadow ready. Call
// after Register and after the bus is up.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if err := m.Resync(ctx, "initial"); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) resyncContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// Resync replaces the whole replica with a fresh snapshot. All tracked
// submodels share the snapshot timestamp afterwards.
func (m *Manager) Resync(ctx context.Context, trigger string) error {
	t, err := m.source.GetFullTwin(ctx, m.cfg.ShellID)
	if err != nil {
		return fmt.Errorf("full twin snapshot: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	m.shell = t.Shell
	m.submodels = t.Submodels
	m.lastSync = now
	m.updatedAt = make(map[string]time.Time, len(t.Submodels))
	for id := range t.Submodels {
		m.updatedAt[id] = now
	}
	m.mu.Unlock()

	if m.onResync != nil {
		m.onResync(trigger)
	}
	m.log.Info("shadow resynced", "trigger", trigger, "submodels", len(t.Submodels))
	return nil
}

// HandleMessage applies one bus event to the replica. Any failure during
// application triggers a full resync: correctness over availability.
func (m *Manager) HandleMessage(topic string, payload []byte) {
	ev, err := aas.ParseTopic(topic)
	if err != nil {
		m.log.V(1).Info("ignoring unparseable topic", "topic", topic, "reason", err.Error())
		return
	}

	switch ev.RepoKind {
	case aas.RepoKindShell:
		if ev.RepoID != m.cfg.AASRepoID {
			return
		}
	case aas.RepoKindSubmodel:
		if ev.RepoID != m.cfg.SubmodelRepoID {
			return
		}
	}

	if err := m.apply(ev, payload); err != nil {
		m.log.Error(err, "event application failed, forcing resync", "topic", topic)
		if rerr := m.Resync(m.resyncContext(), "patch_error"); rerr != nil {
			m.log.Error(rerr, "resync after patch failure failed")
		}
	}
}

func (m *Manager) apply(ev aas.TopicEvent, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventCount++
	if m.onEvent != nil {
		m.onEvent()
	}
	now := m.now()

	switch ev.RepoKind {
	case aas.RepoKindShell:
		if ev.EntityID != m.cfg.ShellID {
			return nil
		}
		switch ev.Action {
		case aas.ActionCreated, aas.ActionUpdated:
			var shell aas.Shell
			if err := shell.UnmarshalJSON(payload); err != nil {
				return fmt.Errorf("decode shell: %w", err)
			}
			m.shell = &shell
			m.lastSync = now
		case aas.ActionDeleted:
			m.shell = nil
		}

	case aas.RepoKindSubmodel:
		sm, tracked := m.submodels[ev.EntityID]
		if !tracked {
			return nil
		}
		switch ev.Action {
		case aas.ActionCreated, aas.ActionUpdated:
			if ev.ElementPath != "" {
				var el aas.Element
				if err := el.UnmarshalJSON(payload); err != nil {
					return fmt.Errorf("decode element: %w", err)
				}
				patched := sm.Clone()
				if patched == nil {
					return fmt.Errorf("clone submodel %s", ev.EntityID)
				}
				if !patched.ReplaceElement(ev.ElementPath, &el) {
					return fmt.Errorf("element path %s not found in submodel %s", ev.ElementPath, ev.EntityID)
				}
				m.submodels[ev.EntityID] = patched
			} else {
				var body aas.Submodel
				if err := body.UnmarshalJSON(payload); err != nil {
					return fmt.Errorf("decode submodel: %w", err)
				}
				m.submodels[ev.EntityID] = &body
			}
			m.updatedAt[ev.EntityID] = now
			m.lastSync = now
		case aas.ActionDeleted:
			delete(m.submodels, ev.EntityID)
			delete(m.updatedAt, ev.EntityID)
			m.lastSync = now
		}
	}
	return nil
}

// Initialized reports whether the first snapshot completed.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// EventCount returns how many bus events have been applied.
func (m *Manager) EventCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventCount
}

// GetShell returns a deep copy of the shell, or nil if absent.
func (m *Manager) GetShell() *aas.Shell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shell == nil {
		return nil
	}
	return m.shell.Clone()
}

// GetSubmodel returns a deep copy of one tracked submodel.
func (m *Manager) GetSubmodel(id string) (*aas.Submodel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.submodels[id]
	if !ok {
		return nil, false
	}
	return sm.Clone(), true
}

// GetAllSubmodels returns deep copies of every tracked submodel.
func (m *Manager) GetAllSubmodels() map[string]*aas.Submodel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*aas.Submodel, len(m.submodels))
	for id, sm := range m.submodels {
		out[id] = sm.Clone()
	}
	return out
}

// GetPropertyValue walks a /-separated idShort path inside a submodel.
// The second return is false if the submodel or any path segment is
// missing.
func (m *Manager) GetPropertyValue(submodelID, path string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.submodels[submodelID]
	if !ok {
		return nil, false
	}
	return sm.PropertyValue(path)
}

// GetElementByPath returns a deep copy of the element at the path.
func (m *Manager) GetElementByPath(submodelID, path string) (*aas.Element, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.submodels[submodelID]
	if !ok {
		return nil, false
	}
	el, ok := sm.ElementAt(path)
	if !ok {
		return nil, false
	}
	return el.Clone(), true
}

// GetOperations collects every Operation element across all tracked
// submodels, annotated with submodel id and full idShort path.
func (m *Manager) GetOperations() []aas.OperationRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []aas.OperationRef
	for _, sm := range m.submodels {
		for _, ref := range sm.Operations() {
			ref.Element = ref.Element.Clone()
			out = append(out, ref)
		}
	}
	return out
}

// Freshness returns the age of the replica as a whole.
func (m *Manager) Freshness() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSync.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return m.now().Sub(m.lastSync)
}

// SubmodelFreshness returns the age of one submodel's last update. The
// second return is false when the submodel is not tracked.
func (m *Manager) SubmodelFreshness(id string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.updatedAt[id]
	if !ok {
		return 0, false
	}
	return m.now().Sub(ts), true
}
