/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package policy defines the safety policy document and its Ed25519
// signature envelope. The policy is distributed through the twin itself:
// a PolicyTwin submodel carries the JSON, the public key, and the
// signature as three properties.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/mkessel/twinward/internal/aas"
)

// Comparison operators allowed in interlock rules.
const (
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpEqual        = "=="
	OpNotEqual     = "!="
)

// DenyWhen is the predicate of one interlock rule: deny the call when
// the referenced shadow property compares true against the value.
type DenyWhen struct {
	Submodel string `json:"submodel"`
	Path     string `json:"path"`
	Op       string `json:"op"`
	Value    any    `json:"value"`
}

// Interlock is one ordered safety rule. The first violated rule wins and
// its message becomes the denial reason.
type Interlock struct {
	ID       string   `json:"id"`
	DenyWhen DenyWhen `json:"deny_when"`
	Message  string   `json:"message"`
}

// RoleBinding is the allow list for one role. The literal "*" allows
// every operation.
type RoleBinding struct {
	Allow []string `json:"allow"`
}

// Policy is the safety policy document.
type Policy struct {
	RequireSimulationForRisk aas.RiskLevel          `json:"require_simulation_for_risk"`
	RequireApprovalForRisk   aas.RiskLevel          `json:"require_approval_for_risk"`
	RoleBindings             map[string]RoleBinding `json:"role_bindings"`
	Interlocks               []Interlock            `json:"interlocks"`

	TaskSubmodelID        string `json:"task_submodel_id"`
	TasksPropertyPath     string `json:"tasks_property_path"`
	JobStatusSubmodelID   string `json:"job_status_submodel_id"`
	JobStatusPropertyPath string `json:"job_status_property_path"`
}

// Default returns the policy in effect when the twin carries none:
// simulate HIGH and above, approve CRITICAL, no bindings (permit all),
// no interlocks.
func Default() *Policy {
	return &Policy{
		RequireSimulationForRisk: aas.RiskHigh,
		RequireApprovalForRisk:   aas.RiskCritical,
		TasksPropertyPath:        "TasksJson",
		JobStatusPropertyPath:    "JobStatusJson",
	}
}

// Parse decodes a policy document and fills defaulted fields.
func Parse(raw []byte) (*Policy, error) {
	p := Default()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if p.RequireSimulationForRisk != "" {
		p.RequireSimulationForRisk = aas.ParseRiskLevel(string(p.RequireSimulationForRisk))
	} else {
		p.RequireSimulationForRisk = aas.RiskHigh
	}
	if p.RequireApprovalForRisk != "" {
		p.RequireApprovalForRisk = aas.ParseRiskLevel(string(p.RequireApprovalForRisk))
	} else {
		p.RequireApprovalForRisk = aas.RiskCritical
	}
	if p.TasksPropertyPath == "" {
		p.TasksPropertyPath = "TasksJson"
	}
	if p.JobStatusPropertyPath == "" {
		p.JobStatusPropertyPath = "JobStatusJson"
	}
	for i, il := range p.Interlocks {
		switch il.DenyWhen.Op {
		case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		default:
			return nil, fmt.Errorf("interlock %q: unknown operator %q", il.ID, il.DenyWhen.Op)
		}
		if il.DenyWhen.Submodel == "" || il.DenyWhen.Path == "" {
			return nil, fmt.Errorf("interlock %d: submodel and path are required", i)
		}
	}
	return p, nil
}

// RoleAllows reports whether any of the roles may call the tool. An
// empty binding table permits everything.
func (p *Policy) RoleAllows(roles []string, toolName string) bool {
	if len(p.RoleBindings) == 0 {
		return true
	}
	for _, role := range roles {
		binding, ok := p.RoleBindings[role]
		if !ok {
			continue
		}
		for _, allowed := range binding.Allow {
			if allowed == "*" || allowed == toolName {
				return true
			}
		}
	}
	return false
}
