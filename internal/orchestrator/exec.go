package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mkessel/twinward/internal/approval"
	"github.com/mkessel/twinward/internal/capability"
	"github.com/mkessel/twinward/internal/idempotency"
	"github.com/mkessel/twinward/internal/llm"
	"github.com/mkessel/twinward/internal/safety"
	"github.com/mkessel/twinward/internal/telemetry"
	"github.com/mkessel/twinward/internal/twin"
)

// executeTool runs one proposed call through the full pipeline: kernel
// decision, argument validation, twin invocation, job monitoring, and
// audit. Every outcome is reported as a ToolResult, never an error.
func (o *Orchestrator) executeTool(ctx context.Context, call llm.ToolCall, roles []string) ToolResult {
	actionID := o.newActionID()
	ctx, span := telemetry.StartToolSpan(ctx, call.Name, actionID)
	defer span.End()

	res := ToolResult{Tool: call.Name, ActionID: actionID}

	spec, ok := o.index.GetByName(call.Name)
	if !ok {
		res.Status = StatusError
		res.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return o.finish(ctx, res)
	}

	args := map[string]any{}
	for k, v := range call.Args {
		args[k] = v
	}

	decision := o.kernel.Evaluate(ctx, safety.EvalRequest{
		ToolName:        call.Name,
		Risk:            spec.Risk,
		Roles:           roles,
		Params:          args,
		ActionID:        actionID,
		ShadowFreshness: o.shadow.Freshness(),
	})
	if !decision.Allowed {
		res.Status = StatusDenied
		res.Error = decision.Reason
		return o.finish(ctx, res)
	}

	// An explicit simulate flag from the caller is honored either way;
	// forcing applies only when the flag was left unset.
	simulate, explicit := args["simulate"].(bool)
	if decision.ForceSimulation && !explicit {
		simulate = true
	}
	args["simulate"] = simulate
	res.Simulated = simulate

	if err := o.validator.ValidateArgs(spec, args); err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		return o.finish(ctx, res)
	}

	// Approval gating happens before the twin sees anything real. A
	// forced simulation still runs first so the approver can inspect its
	// result on the task.
	if decision.RequireApproval && !simulate {
		return o.finish(ctx, o.requestApproval(ctx, spec, args, roles, actionID, nil))
	}

	out, err := o.invoke(ctx, spec, args, simulate)
	if err != nil {
		o.kernel.LogError(ctx, map[string]any{
			"tool":      call.Name,
			"action_id": actionID,
			"error":     err.Error(),
		})
		res.Status = StatusError
		res.Error = err.Error()
		return o.finish(ctx, res)
	}

	o.kernel.LogExecution(ctx, simulate, map[string]any{
		"tool":      call.Name,
		"risk":      string(spec.Risk),
		"roles":     roles,
		"params":    args,
		"action_id": actionID,
		"result":    out.Output,
	})

	if decision.RequireApproval {
		// Simulation done; the real run still needs a human.
		return o.finish(ctx, o.requestApproval(ctx, spec, args, roles, actionID, out.Output))
	}

	if simulate {
		res.Success = true
		res.Status = StatusSimulatedOnly
		res.Data = out.Output
		return o.finish(ctx, res)
	}

	if out.JobID != "" {
		res.JobID = out.JobID
		status, source, err := o.monitorJob(ctx, spec, out.JobID)
		if err != nil {
			res.Status = StatusError
			res.Error = err.Error()
			return o.finish(ctx, res)
		}
		res.Status = status
		res.Success = status == JobCompleted
		if !res.Success && status != StatusTimeout {
			res.Error = fmt.Sprintf("job %s ended %s (reported via %s)", out.JobID, status, source)
		}
		return o.finish(ctx, res)
	}

	res.Success = true
	res.Status = StatusCompleted
	res.Data = out.Output
	return o.finish(ctx, res)
}

// requestApproval persists the pending task; the task id travels in
// Data so callers can surface it.
func (o *Orchestrator) requestApproval(ctx context.Context, spec *capability.ToolSpec, args map[string]any, roles []string, actionID string, simResult any) ToolResult {
	res := ToolResult{Tool: spec.Name, ActionID: actionID}
	reasoning, _ := args["safety_reasoning"].(string)

	task := &approval.Task{
		Tool:             spec.Name,
		Risk:             spec.Risk,
		RequestedByRoles: roles,
		Args:             args,
		SafetyReasoning:  reasoning,
		ActionID:         actionID,
	}
	if simResult != nil {
		if m, ok := simResult.(map[string]any); ok {
			task.SimulateResult = m
		} else {
			task.SimulateResult = map[string]any{"result": simResult}
		}
	}

	taskID, err := o.kernel.CreateApprovalTask(ctx, task)
	if err != nil {
		res.Status = StatusError
		res.Error = fmt.Sprintf("create approval task: %v", err)
		return res
	}
	res.Status = StatusPendingApproval
	res.Data = taskID
	return res
}

// invoke sends the call to the twin, via the delegation URL when the
// operation declares one.
func (o *Orchestrator) invoke(ctx context.Context, spec *capability.ToolSpec, args map[string]any, simulate bool) (*twin.InvokeResult, error) {
	if err := o.toolSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.toolSem.Release(1)

	domainArgs := map[string]any{}
	for k, v := range args {
		if k == "simulate" || k == "safety_reasoning" {
			continue
		}
		domainArgs[k] = v
	}

	if spec.DelegationURL != "" {
		return o.twin.InvokeDelegated(ctx, spec.DelegationURL, domainArgs, simulate)
	}
	clientContext := map[string]any{"simulate": simulate}
	if reasoning, _ := args["safety_reasoning"].(string); reasoning != "" {
		clientContext["safety_reasoning"] = reasoning
	}
	return o.twin.InvokeOperation(ctx, spec.SubmodelID, spec.Path, domainArgs, clientContext, true)
}

func (o *Orchestrator) finish(ctx context.Context, res ToolResult) ToolResult {
	if o.onTool != nil {
		o.onTool(res.Tool, res.Status, res.Simulated)
	}
	if o.actions != nil && res.ActionID != "" {
		var raw json.RawMessage
		if b, err := json.Marshal(res); err == nil {
			raw = b
		}
		if err := o.actions.Put(ctx, idempotency.Record{
			ActionID: res.ActionID,
			Tool:     res.Tool,
			Status:   res.Status,
			Result:   raw,
		}); err != nil {
			o.log.Error(err, "record action outcome failed", "actionID", res.ActionID)
		}
	}
	return res
}

// Errors from the approved-task execution path, distinguishable so the
// HTTP layer can map them to response codes.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskNotApproved = errors.New("task is not approved")
	ErrRolesForbidden  = errors.New("roles may not execute this task")
)

// ExecuteApprovedTask re-executes a task that a human approved. The
// caller must hold one of the requester's roles or a privileged role.
func (o *Orchestrator) ExecuteApprovedTask(ctx context.Context, taskID string, roles []string) (*ToolResult, error) {
	task, err := o.kernel.Tasks().Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != approval.StatusApproved {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotApproved)
	}
	if !rolesPermitExecution(roles, task.RequestedByRoles) {
		return nil, fmt.Errorf("roles %v, requested by %v: %w", roles, task.RequestedByRoles, ErrRolesForbidden)
	}

	// Replay guard: an already-executed action returns its recorded
	// outcome instead of re-invoking the twin.
	if o.actions != nil && task.ActionID != "" {
		if rec, ok, err := o.actions.Get(ctx, task.ActionID); err == nil && ok && rec.Status != StatusPendingApproval {
			var prev ToolResult
			if json.Unmarshal(rec.Result, &prev) == nil && prev.Status != "" {
				return &prev, nil
			}
		}
	}

	o.RefreshIndex()
	spec, ok := o.index.GetByName(task.Tool)
	if !ok {
		return nil, fmt.Errorf("tool %q no longer exists", task.Tool)
	}

	args := map[string]any{}
	for k, v := range task.Args {
		args[k] = v
	}
	args["simulate"] = false

	res := ToolResult{Tool: task.Tool, ActionID: task.ActionID}
	if res.ActionID == "" {
		res.ActionID = o.newActionID()
	}

	out, err := o.invoke(ctx, spec, args, false)
	if err != nil {
		o.kernel.LogError(ctx, map[string]any{
			"tool":      task.Tool,
			"task_id":   taskID,
			"action_id": res.ActionID,
			"error":     err.Error(),
		})
		res.Status = StatusError
		res.Error = err.Error()
		res = o.finish(ctx, res)
		return &res, nil
	}

	o.kernel.LogExecution(ctx, false, map[string]any{
		"tool":      task.Tool,
		"risk":      string(task.Risk),
		"roles":     roles,
		"params":    args,
		"task_id":   taskID,
		"action_id": res.ActionID,
		"result":    out.Output,
	})

	if out.JobID != "" {
		res.JobID = out.JobID
		status, source, err := o.monitorJob(ctx, spec, out.JobID)
		if err != nil {
			res.Status = StatusError
			res.Error = err.Error()
		} else {
			res.Status = status
			res.Success = status == JobCompleted
			if !res.Success && status != StatusTimeout {
				res.Error = fmt.Sprintf("job %s ended %s (reported via %s)", out.JobID, status, source)
			}
		}
	} else {
		res.Success = true
		res.Status = StatusCompleted
		res.Data = out.Output
	}
	res = o.finish(ctx, res)
	return &res, nil
}

func rolesPermitExecution(current, requested []string) bool {
	req := map[string]bool{}
	for _, r := range requested {
		req[r] = true
	}
	for _, r := range current {
		if privilegedRoles[r] || req[r] {
			return true
		}
	}
	return false
}
