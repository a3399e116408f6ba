package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// AppendOptions controls workflow-task bookkeeping done atomically with an append.
type AppendOptions struct {
	// ScheduleWorkflowTask marks the run as needing a workflow task. The result
	// reports whether this append flipped the flag, in which case the caller
	// owns enqueueing the task.
	ScheduleWorkflowTask bool `json:"schedule_workflow_task,omitempty"`
	// CompleteWorkflowTask clears the outstanding workflow-task flag.
	CompleteWorkflowTask bool `json:"complete_workflow_task,omitempty"`
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	Version               int64          `json:"version"`
	Events                []schema.Event `json:"events"`
	WorkflowTaskScheduled bool           `json:"workflow_task_scheduled"`
}

// Heartbeat is the last liveness report of a running activity attempt.
type Heartbeat struct {
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	ActivityID string          `json:"activity_id"`
	Attempt    int             `json:"attempt"`
	Details    json.RawMessage `json:"details,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// ScheduledJob is a cron-triggered workflow start.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowType   string          `json:"workflow_type"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID   string                  `json:"workflow_id,omitempty"`
	WorkflowType string                  `json:"workflow_type,omitempty"`
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	// Open restricts the listing to non-terminal runs.
	Open bool `json:"open,omitempty"`
	// ChainHeads skips runs that continued as new, leaving the latest run of
	// each chain.
	ChainHeads bool `json:"chain_heads,omitempty"`
	// After resumes the listing behind the given run. Unlike Offset it is
	// stable while runs close during a scan.
	After  *ExecutionCursor `json:"after,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// ExecutionCursor is a position in a listing ordered by creation time,
// newest first, then run ID.
type ExecutionCursor struct {
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id"`
}

// CursorAt returns the cursor positioned on exec.
func CursorAt(exec *schema.Execution) *ExecutionCursor {
	return &ExecutionCursor{CreatedAt: exec.CreatedAt, RunID: exec.RunID}
}

// follows reports whether exec sorts after c.
func (c *ExecutionCursor) follows(exec *schema.Execution) bool {
	if !exec.CreatedAt.Equal(c.CreatedAt) {
		return exec.CreatedAt.Before(c.CreatedAt)
	}
	return exec.RunID > c.RunID
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	WorkflowType string `json:"workflow_type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
