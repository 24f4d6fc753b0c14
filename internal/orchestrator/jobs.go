package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mkessel/twinward/internal/capability"
	"github.com/mkessel/twinward/internal/telemetry"
)

// Terminal job states. FINISHED is accepted from the HTTP fallback as a
// synonym for COMPLETED.
const (
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

func terminalJobStatus(s string) (string, bool) {
	switch strings.ToUpper(s) {
	case JobCompleted, "FINISHED":
		return JobCompleted, true
	case JobFailed:
		return JobFailed, true
	case JobCancelled:
		return JobCancelled, true
	}
	return "", false
}

type jobEntry struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type jobList struct {
	Jobs []jobEntry `json:"jobs"`
}

// monitorJob polls the shadow's job-status property for the job's
// terminal state. Polls whose materialized payload is byte-identical to
// the previous one count as stale; after HTTPFallbackPolls of those in a
// row, one direct HTTP status query runs and the stale counter resets.
// The second return names the source of the verdict, shadow or
// http_fallback.
func (o *Orchestrator) monitorJob(ctx context.Context, spec *capability.ToolSpec, jobID string) (string, string, error) {
	ctx, span := telemetry.StartJobSpan(ctx, jobID)
	defer span.End()

	status, source, err := o.pollJob(ctx, spec, jobID)
	if err == nil && o.onJob != nil {
		o.onJob(status, source)
	}
	return status, source, err
}

func (o *Orchestrator) pollJob(ctx context.Context, spec *capability.ToolSpec, jobID string) (string, string, error) {
	p, err := o.kernel.Policy(ctx)
	if err != nil {
		return "", "", fmt.Errorf("job monitor: %w", err)
	}
	jobSubmodel := p.JobStatusSubmodelID
	jobPath := p.JobStatusPropertyPath

	deadline := time.Now().Add(o.cfg.JobTimeout)
	tick := time.NewTicker(o.cfg.JobPollInterval)
	defer tick.Stop()

	var prev []byte
	first := true
	stale := 0
	for {
		payload := o.materializeJobs(jobSubmodel, jobPath)
		if !first && bytes.Equal(payload, prev) {
			stale++
		} else {
			stale = 0
			if status, ok := jobStatusFromPayload(payload, jobID); ok {
				if terminal, done := terminalJobStatus(status); done {
					return terminal, "shadow", nil
				}
			}
		}
		prev = payload
		first = false

		if stale >= o.cfg.HTTPFallbackPolls {
			stale = 0
			js, err := o.twin.GetJobStatus(ctx, spec.SubmodelID, spec.Path, jobID)
			if err != nil {
				o.log.V(1).Info("job status fallback query failed", "jobID", jobID, "reason", err.Error())
			} else if terminal, done := terminalJobStatus(js.Status); done {
				return terminal, "http_fallback", nil
			}
		}

		if time.Now().After(deadline) {
			return StatusTimeout, "shadow", nil
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-tick.C:
		}
	}
}

// materializeJobs returns the canonical bytes of the job-list property,
// or nil when it is absent.
func (o *Orchestrator) materializeJobs(submodelID, path string) []byte {
	v, ok := o.shadow.GetPropertyValue(submodelID, path)
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func jobStatusFromPayload(payload []byte, jobID string) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var list jobList
	if err := json.Unmarshal(payload, &list); err != nil {
		return "", false
	}
	for _, j := range list.Jobs {
		if j.JobID == jobID {
			return j.Status, true
		}
	}
	return "", false
}
