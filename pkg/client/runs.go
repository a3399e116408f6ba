package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// Run is the view of a workflow consumed by record-keeping layers. A run ID
// here is the workflow ID: it names the whole continue-as-new chain and Run
// reflects its latest execution.
type Run struct {
	RunID        string                 `json:"runId"`
	WorkflowType string                 `json:"workflowType"`
	Status       schema.ExecutionStatus `json:"status"`
	Parameters   json.RawMessage        `json:"parameters,omitempty"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Error        *schema.Failure        `json:"error,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkflowType string
	Status       schema.ExecutionStatus
	Limit        int
}

// StartRun starts workflowType under runID, returning the existing run if
// one was already started with that ID.
func (c *Client) StartRun(ctx context.Context, workflowType, runID string, params json.RawMessage) (*Run, error) {
	h, err := c.StartWorkflow(ctx, workflowType, params, StartWorkflowOptions{
		ID:            runID,
		IDReusePolicy: schema.ReuseRejectDuplicate,
	})
	if err != nil {
		return nil, err
	}
	return c.GetRun(ctx, h.WorkflowID)
}

// GetRun returns the latest state of runID.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	exec, err := c.store.GetCurrentExecution(ctx, runID)
	if err != nil {
		return nil, err
	}
	return c.toRun(ctx, exec), nil
}

// ListRuns returns runs, newest first, one per workflow ID.
func (c *Client) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	f := store.ExecutionFilter{WorkflowType: filter.WorkflowType, ChainHeads: true, Limit: filter.Limit}
	if filter.Status != "" {
		status := filter.Status
		f.Status = &status
	}
	execs, err := c.store.ListExecutions(ctx, f)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(execs))
	for _, exec := range execs {
		runs = append(runs, c.toRun(ctx, exec))
	}
	return runs, nil
}

// toRun reports the chain's original input and start time alongside the
// latest run's outcome.
func (c *Client) toRun(ctx context.Context, exec *schema.Execution) *Run {
	first := exec
	for first.ContinuedFrom != "" {
		prev, err := c.store.GetExecution(ctx, schema.ExecutionRef{WorkflowID: exec.WorkflowID, RunID: first.ContinuedFrom})
		if err != nil {
			break
		}
		first = prev
	}
	return &Run{
		RunID:        exec.WorkflowID,
		WorkflowType: exec.WorkflowType,
		Status:       exec.Status,
		Parameters:   first.Input,
		Result:       exec.Result,
		Error:        exec.Failure,
		StartedAt:    first.CreatedAt,
		CompletedAt:  exec.ClosedAt,
	}
}
