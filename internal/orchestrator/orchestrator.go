/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package orchestrator drives the request/response loop: capability
// retrieval over the shadow, planning through the model client, and the
// per-call tool pipeline through the safety kernel, the twin transport,
// and the asynchronous job monitor.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mkessel/twinward/internal/aas"
	"github.com/mkessel/twinward/internal/audit"
	"github.com/mkessel/twinward/internal/capability"
	"github.com/mkessel/twinward/internal/idempotency"
	"github.com/mkessel/twinward/internal/llm"
	"github.com/mkessel/twinward/internal/safety"
	"github.com/mkessel/twinward/internal/telemetry"
	"github.com/mkessel/twinward/internal/twin"
)

// Tool result statuses.
const (
	StatusCompleted       = "completed"
	StatusSimulatedOnly   = "simulated_only"
	StatusPendingApproval = "pending_approval"
	StatusDenied          = "denied"
	StatusError           = "error"
	StatusTimeout         = "TIMEOUT"
)

// Roles that may execute approved tasks requested by someone else.
var privilegedRoles = map[string]bool{
	"admin":       true,
	"maintenance": true,
	"supervisor":  true,
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Simulated bool   `json:"simulated"`
	Status    string `json:"status"`
	ActionID  string `json:"action_id"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Reply is the orchestrator's answer to one chat message.
type Reply struct {
	Reply           string       `json:"reply"`
	ToolResults     []ToolResult `json:"tool_results"`
	PendingApproval bool         `json:"pending_approval"`
	TaskID          string       `json:"task_id,omitempty"`
}

// Shadow is the slice of the shadow manager the orchestrator reads.
type Shadow interface {
	GetAllSubmodels() map[string]*aas.Submodel
	GetPropertyValue(submodelID, path string) (any, bool)
	Freshness() time.Duration
}

// Twin is the slice of the twin client the orchestrator invokes through.
type Twin interface {
	InvokeOperation(ctx context.Context, submodelID, path string, args, clientContext map[string]any, async bool) (*twin.InvokeResult, error)
	InvokeDelegated(ctx context.Context, url string, args map[string]any, simulate bool) (*twin.InvokeResult, error)
	GetJobStatus(ctx context.Context, submodelID, path, jobID string) (*twin.JobStatus, error)
}

// Config tunes the request loop.
type Config struct {
	TopK              int
	AlwaysInclude     []string
	HistoryLimit      int
	MaxTokens         int
	JobPollInterval   time.Duration
	JobTimeout        time.Duration
	HTTPFallbackPolls int
	LLMConcurrency    int64
	ToolConcurrency   int64
}

const systemPrompt = `You are an operations assistant for an industrial digital twin.
You may only act through the provided tools. Every tool call must carry a
simulate flag and a safety_reasoning explaining why the action is safe.
Prefer simulation when the operator's intent is ambiguous.`

// Orchestrator is the per-process request state machine.
type Orchestrator struct {
	cfg       Config
	shadow    Shadow
	twin      Twin
	kernel    *safety.Kernel
	index     *capability.Index
	validator *capability.Validator
	model     llm.Client
	actions   idempotency.Store
	log       logr.Logger

	llmSem  *semaphore.Weighted
	toolSem *semaphore.Weighted

	mu      sync.Mutex
	history []llm.Message

	newActionID func() string
	onTool      func(tool, status string, simulated bool)
	onJob       func(status, source string)
}

// New wires the orchestrator. actions may be nil to disable idempotency
// records.
func New(cfg Config, shadow Shadow, tw Twin, kernel *safety.Kernel, model llm.Client, actions idempotency.Store, log logr.Logger) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 12
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if cfg.JobPollInterval <= 0 {
		cfg.JobPollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.HTTPFallbackPolls <= 0 {
		cfg.HTTPFallbackPolls = 5
	}
	if cfg.LLMConcurrency <= 0 {
		cfg.LLMConcurrency = 4
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 8
	}
	return &Orchestrator{
		cfg:         cfg,
		shadow:      shadow,
		twin:        tw,
		kernel:      kernel,
		index:       capability.NewIndex(),
		validator:   capability.NewValidator(),
		model:       model,
		actions:     actions,
		log:         log,
		llmSem:      semaphore.NewWeighted(cfg.LLMConcurrency),
		toolSem:     semaphore.NewWeighted(cfg.ToolConcurrency),
		newActionID: func() string { return "act-" + uuid.NewString() },
	}
}

// WithToolHook registers a callback fired once per finished tool call,
// used for the execution metrics.
func (o *Orchestrator) WithToolHook(fn func(tool, status string, simulated bool)) *Orchestrator {
	o.onTool = fn
	return o
}

// WithJobHook registers a callback fired once per monitored job that
// reached a terminal verdict, used for the job metrics.
func (o *Orchestrator) WithJobHook(fn func(status, source string)) *Orchestrator {
	o.onJob = fn
	return o
}

// Index exposes the capability index, mainly for readiness reporting.
func (o *Orchestrator) Index() *capability.Index { return o.index }

// RefreshIndex rebuilds the tool set from the current shadow contents.
func (o *Orchestrator) RefreshIndex() {
	o.index.Replace(capability.SpecsFromSubmodels(o.shadow.GetAllSubmodels()))
}

// Reset drops the conversation history.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.history = nil
	o.mu.Unlock()
}

func (o *Orchestrator) appendHistory(m llm.Message) []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, m)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
	return append([]llm.Message{}, o.history...)
}

// ProcessMessage runs one chat turn end to end.
func (o *Orchestrator) ProcessMessage(ctx context.Context, message string, roles []string) (*Reply, error) {
	ctx, span := telemetry.StartChatSpan(ctx, audit.RequestIDFrom(ctx), len(roles))
	defer span.End()

	history := o.appendHistory(llm.Message{Role: "user", Content: message})

	o.RefreshIndex()
	specs := o.index.SearchWithPriority(message, o.cfg.TopK, o.cfg.AlwaysInclude)
	tools := make([]llm.ToolDefinition, len(specs))
	for i, s := range specs {
		tools[i] = llm.ToolDefinition{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
	}

	if err := o.llmSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	lctx, lspan := telemetry.StartLLMSpan(ctx, o.model.Name(), "")
	resp, err := o.model.Complete(lctx, &llm.Request{
		System:    systemPrompt,
		Messages:  history,
		Tools:     tools,
		MaxTokens: o.cfg.MaxTokens,
	})
	o.llmSem.Release(1)
	if err != nil {
		lspan.End()
		return nil, fmt.Errorf("plan request: %w", err)
	}
	telemetry.EndLLMSpan(lspan, int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens), len(resp.ToolCalls))

	if len(resp.ToolCalls) == 0 {
		o.appendHistory(llm.Message{Role: "assistant", Content: resp.Text})
		return &Reply{Reply: resp.Text, ToolResults: []ToolResult{}}, nil
	}

	reply := &Reply{ToolResults: make([]ToolResult, 0, len(resp.ToolCalls))}
	for _, call := range resp.ToolCalls {
		res := o.executeTool(ctx, call, roles)
		reply.ToolResults = append(reply.ToolResults, res)
		if res.Status == StatusPendingApproval && !reply.PendingApproval {
			reply.PendingApproval = true
			reply.TaskID, _ = res.Data.(string)
		}
	}

	reply.Reply = composeReply(resp.Text, reply.ToolResults)
	o.appendHistory(llm.Message{Role: "assistant", Content: reply.Reply})
	return reply, nil
}

func composeReply(modelText string, results []ToolResult) string {
	var parts []string
	if strings.TrimSpace(modelText) != "" {
		parts = append(parts, strings.TrimSpace(modelText))
	}
	for _, r := range results {
		switch r.Status {
		case StatusSimulatedOnly:
			parts = append(parts, fmt.Sprintf(
				"Simulation completed for '%s'. To execute for real, re-issue the command with simulate=false.", r.Tool))
		case StatusPendingApproval:
			taskID, _ := r.Data.(string)
			parts = append(parts, fmt.Sprintf(
				"Operation '%s' requires human approval. Task ID: %s", r.Tool, taskID))
		case StatusCompleted, JobCompleted:
			parts = append(parts, fmt.Sprintf("Executed '%s' successfully.", r.Tool))
		case StatusTimeout:
			parts = append(parts, fmt.Sprintf(
				"Operation '%s' is still running; it did not finish within the monitoring window.", r.Tool))
		default:
			parts = append(parts, fmt.Sprintf("Failed to execute '%s': %s", r.Tool, r.Error))
		}
	}
	return strings.Join(parts, " ")
}
