/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package safety is the single choke point for every operation call.
// The kernel loads the signed policy through the shadow, evaluates RBAC,
// interlocks, simulation forcing, and approval gating, and writes one
// audit entry per decision stage.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/aas"
	"github.com/mkessel/twinward/internal/approval"
	"github.com/mkessel/twinward/internal/audit"
	"github.com/mkessel/twinward/internal/policy"
)

// Denial reasons surfaced in decisions and audit entries.
const (
	ReasonPolicy    = "policy"
	ReasonRBAC      = "rbac"
	ReasonInterlock = "interlock"
)

// StateReader is the slice of the shadow the kernel reads.
type StateReader interface {
	GetSubmodel(id string) (*aas.Submodel, bool)
	GetPropertyValue(submodelID, path string) (any, bool)
}

// Config controls policy loading and interlock semantics.
type Config struct {
	PolicySubmodelID     string
	VerificationRequired bool
	InterlockFailSafe    bool
	CacheTTL             time.Duration
	MaxAge               time.Duration
}

// EvalRequest carries everything the kernel needs to judge one call.
type EvalRequest struct {
	ToolName        string
	Risk            aas.RiskLevel
	Roles           []string
	Params          map[string]any
	ActionID        string
	ShadowFreshness time.Duration
}

// Decision is the kernel's verdict on one call.
type Decision struct {
	Allowed         bool
	Reason          string
	ForceSimulation bool
	RequireApproval bool
}

// Kernel evaluates calls against the loaded policy and shadow state.
type Kernel struct {
	cfg    Config
	shadow StateReader
	audit  *audit.Logger
	tasks  *approval.Store
	log    logr.Logger

	mu       sync.Mutex
	cached   *policy.Policy
	loadedAt time.Time

	now    func() time.Time
	onDeny func(reason string)
}

// NewKernel creates a kernel. The task store may be nil when approval
// flows are not wired (tests).
func NewKernel(cfg Config, shadow StateReader, auditLog *audit.Logger, tasks *approval.Store, log logr.Logger) *Kernel {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Kernel{
		cfg:    cfg,
		shadow: shadow,
		audit:  auditLog,
		tasks:  tasks,
		log:    log,
		now:    time.Now,
	}
}

// WithDenyHook registers a callback fired once per denial, used for the
// denial metrics.
func (k *Kernel) WithDenyHook(fn func(reason string)) *Kernel {
	k.onDeny = fn
	return k
}

// Tasks exposes the approval store for the orchestrator and API.
func (k *Kernel) Tasks() *approval.Store { return k.tasks }

// Policy returns the currently effective policy, loading if needed.
func (k *Kernel) Policy(ctx context.Context) (*policy.Policy, error) {
	return k.loadPolicy(ctx)
}

// loadPolicy returns the cached policy while it is inside both the TTL
// and the configured max age, and reloads from the shadow otherwise.
func (k *Kernel) loadPolicy(ctx context.Context) (*policy.Policy, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cached != nil {
		age := k.now().Sub(k.loadedAt)
		if age < k.cfg.CacheTTL && (k.cfg.MaxAge <= 0 || age < k.cfg.MaxAge) {
			return k.cached, nil
		}
	}

	p, raw, verified, source, err := k.fetchPolicy()
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	if aerr := k.audit.Append(ctx, audit.EventPolicyLoaded, map[string]any{
		"policy_hash": hex.EncodeToString(sum[:]),
		"verified":    verified,
		"source":      source,
	}); aerr != nil {
		k.log.Error(aerr, "audit policy_loaded failed")
	}

	k.cached = p
	k.loadedAt = k.now()
	return p, nil
}

// fetchPolicy reads the PolicyTwin submodel and returns the effective
// policy, the raw bytes it hashed, the verification flag, and a source
// tag of signed, unsigned, or default.
func (k *Kernel) fetchPolicy() (*policy.Policy, []byte, bool, string, error) {
	sm, _ := k.shadow.GetSubmodel(k.cfg.PolicySubmodelID)
	sp, err := policy.ExtractFromSubmodel(sm)
	if errors.Is(err, policy.ErrNoPolicy) {
		if k.cfg.VerificationRequired {
			return nil, nil, false, "", policy.ErrUnsignedRejected
		}
		return policy.Default(), nil, false, "default", nil
	}
	if err != nil {
		return nil, nil, false, "", err
	}

	if sp.Signed() {
		if err := sp.Verify(); err != nil {
			return nil, nil, false, "", err
		}
		p, err := policy.Parse([]byte(sp.PolicyJSON))
		if err != nil {
			return nil, nil, false, "", err
		}
		return p, []byte(sp.PolicyJSON), true, "signed", nil
	}

	if k.cfg.VerificationRequired {
		return nil, nil, false, "", policy.ErrUnsignedRejected
	}
	p, err := policy.Parse([]byte(sp.PolicyJSON))
	if err != nil {
		return nil, nil, false, "", err
	}
	return p, []byte(sp.PolicyJSON), false, "unsigned", nil
}

// InvalidateCache forces the next load to hit the shadow.
func (k *Kernel) InvalidateCache() {
	k.mu.Lock()
	k.cached = nil
	k.mu.Unlock()
}

// Evaluate runs the full decision pipeline for one call.
func (k *Kernel) Evaluate(ctx context.Context, req EvalRequest) Decision {
	// 1. Policy.
	p, err := k.loadPolicy(ctx)
	if err != nil {
		k.log.Error(err, "policy load failed", "tool", req.ToolName)
		return k.deny(ctx, req, ReasonPolicy, fmt.Sprintf("policy unavailable: %v", err))
	}

	// 2. Intent.
	if aerr := k.audit.Append(ctx, audit.EventIntent, map[string]any{
		"tool":      req.ToolName,
		"risk":      string(req.Risk),
		"roles":     req.Roles,
		"params":    req.Params,
		"action_id": req.ActionID,
	}); aerr != nil {
		k.log.Error(aerr, "audit intent failed")
	}

	// 3. RBAC.
	if !p.RoleAllows(req.Roles, req.ToolName) {
		return k.deny(ctx, req, ReasonRBAC,
			fmt.Sprintf("roles %v are not permitted to call %s", req.Roles, req.ToolName))
	}

	// 4. Interlocks, in policy order; the first violation wins.
	for _, il := range p.Interlocks {
		violated, reason, err := k.checkInterlock(il)
		if err != nil {
			if k.cfg.InterlockFailSafe {
				return k.deny(ctx, req, ReasonInterlock,
					fmt.Sprintf("interlock %s cannot be evaluated: %v", il.ID, err))
			}
			k.log.Info("skipping unevaluable interlock", "interlock", il.ID, "reason", err.Error())
			continue
		}
		if violated {
			return k.deny(ctx, req, ReasonInterlock, reason)
		}
	}

	d := Decision{Allowed: true}

	// 5. Simulation forcing.
	if req.Risk.AtLeast(p.RequireSimulationForRisk) {
		if sim, _ := req.Params["simulate"].(bool); !sim {
			d.ForceSimulation = true
		}
	}

	// 6. Approval gating.
	if req.Risk.AtLeast(p.RequireApprovalForRisk) {
		d.RequireApproval = true
	}
	return d
}

func (k *Kernel) deny(ctx context.Context, req EvalRequest, reason, message string) Decision {
	if aerr := k.audit.Append(ctx, audit.EventDenied, map[string]any{
		"tool":      req.ToolName,
		"risk":      string(req.Risk),
		"roles":     req.Roles,
		"action_id": req.ActionID,
		"reason":    reason,
		"error":     message,
	}); aerr != nil {
		k.log.Error(aerr, "audit denied failed")
	}
	if k.onDeny != nil {
		k.onDeny(reason)
	}
	return Decision{Allowed: false, Reason: message}
}

// checkInterlock evaluates one rule against the shadow. The error return
// means the referenced property could not be read.
func (k *Kernel) checkInterlock(il policy.Interlock) (bool, string, error) {
	v, ok := k.shadow.GetPropertyValue(il.DenyWhen.Submodel, il.DenyWhen.Path)
	if !ok {
		return false, "", fmt.Errorf("property %s/%s not in shadow", il.DenyWhen.Submodel, il.DenyWhen.Path)
	}

	var violated bool
	switch il.DenyWhen.Op {
	case policy.OpEqual:
		violated = fmt.Sprint(v) == fmt.Sprint(il.DenyWhen.Value)
	case policy.OpNotEqual:
		violated = fmt.Sprint(v) != fmt.Sprint(il.DenyWhen.Value)
	default:
		actual, err := toFloat(v)
		if err != nil {
			return false, "", fmt.Errorf("property value %v: %w", v, err)
		}
		threshold, err := toFloat(il.DenyWhen.Value)
		if err != nil {
			return false, "", fmt.Errorf("threshold %v: %w", il.DenyWhen.Value, err)
		}
		switch il.DenyWhen.Op {
		case policy.OpGreater:
			violated = actual > threshold
		case policy.OpLess:
			violated = actual < threshold
		case policy.OpGreaterEqual:
			violated = actual >= threshold
		case policy.OpLessEqual:
			violated = actual <= threshold
		}
	}

	if !violated {
		return false, "", nil
	}
	msg := il.Message
	if msg == "" {
		msg = fmt.Sprintf("interlock %s: %s/%s %s %v", il.ID,
			il.DenyWhen.Submodel, il.DenyWhen.Path, il.DenyWhen.Op, il.DenyWhen.Value)
	}
	return true, msg, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not numeric (%T)", v)
	}
}
