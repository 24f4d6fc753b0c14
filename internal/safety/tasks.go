package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/mkessel/twinward/internal/approval"
	"github.com/mkessel/twinward/internal/audit"
)

// CreateApprovalTask persists a PendingApproval task and audits the
// request. Returns the new task id.
func (k *Kernel) CreateApprovalTask(ctx context.Context, t *approval.Task) (string, error) {
	if k.tasks == nil {
		return "", fmt.Errorf("approval store not configured")
	}
	id, err := k.tasks.Create(ctx, t)
	if err != nil {
		return "", err
	}
	if aerr := k.audit.Append(ctx, audit.EventApprovalRequested, map[string]any{
		"task_id":   id,
		"tool":      t.Tool,
		"risk":      string(t.Risk),
		"roles":     t.RequestedByRoles,
		"action_id": t.ActionID,
	}); aerr != nil {
		k.log.Error(aerr, "audit approval_requested failed")
	}
	return id, nil
}

// ApproveTask flips a pending task to Approved. The approved audit entry
// is written only when the transition actually happened, so re-approving
// never duplicates it.
func (k *Kernel) ApproveTask(ctx context.Context, taskID, approver string) (bool, error) {
	ok, err := k.tasks.Approve(ctx, taskID, approver)
	if err != nil || !ok {
		return ok, err
	}
	if aerr := k.audit.Append(ctx, audit.EventApproved, map[string]any{
		"task_id": taskID,
		"result":  "approved by " + approver,
	}); aerr != nil {
		k.log.Error(aerr, "audit approved failed")
	}
	return true, nil
}

// RejectTask flips a pending task to Rejected, auditing only real
// transitions.
func (k *Kernel) RejectTask(ctx context.Context, taskID, rejector, reason string) (bool, error) {
	ok, err := k.tasks.Reject(ctx, taskID, rejector, reason)
	if err != nil || !ok {
		return ok, err
	}
	if aerr := k.audit.Append(ctx, audit.EventRejected, map[string]any{
		"task_id": taskID,
		"reason":  reason,
		"result":  "rejected by " + rejector,
	}); aerr != nil {
		k.log.Error(aerr, "audit rejected failed")
	}
	return true, nil
}

// LogTaskExpired audits the timeout of one approval task. Used by the
// expiry sweeper.
func (k *Kernel) LogTaskExpired(t *approval.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if aerr := k.audit.Append(ctx, audit.EventTimeout, map[string]any{
		"task_id": t.TaskID,
		"tool":    t.Tool,
		"reason":  "approval window elapsed",
	}); aerr != nil {
		k.log.Error(aerr, "audit timeout failed")
	}
}

// WaitForApproval polls the task until it leaves PendingApproval or the
// timeout elapses. Returns the terminal task, or nil on timeout.
func (k *Kernel) WaitForApproval(ctx context.Context, taskID string, timeout, interval time.Duration) (*approval.Task, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := k.now().Add(timeout)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		t, err := k.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t != nil && t.Terminal() {
			return t, nil
		}
		if k.now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

// LogExecution audits one executed or simulated invocation.
func (k *Kernel) LogExecution(ctx context.Context, simulated bool, fields map[string]any) {
	event := audit.EventExecuted
	if simulated {
		event = audit.EventSimulated
	}
	if aerr := k.audit.Append(ctx, event, fields); aerr != nil {
		k.log.Error(aerr, "audit execution failed")
	}
}

// LogError audits one failed invocation.
func (k *Kernel) LogError(ctx context.Context, fields map[string]any) {
	if aerr := k.audit.Append(ctx, audit.EventError, fields); aerr != nil {
		k.log.Error(aerr, "audit error entry failed")
	}
}
