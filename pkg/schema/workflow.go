package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	StatusPending        ExecutionStatus = "pending"
	StatusRunning        ExecutionStatus = "running"
	StatusCompleted      ExecutionStatus = "completed"
	StatusFailed         ExecutionStatus = "failed"
	StatusTimedOut       ExecutionStatus = "timed_out"
	StatusCancelled      ExecutionStatus = "cancelled"
	StatusTerminated     ExecutionStatus = "terminated"
	StatusContinuedAsNew ExecutionStatus = "continued_as_new"
)

// IsTerminal reports whether no further events may be appended.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled, StatusTerminated, StatusContinuedAsNew:
		return true
	default:
		return false
	}
}

// ExecutionRef identifies one run of a workflow.
type ExecutionRef struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Key returns a stable string form used for locks and cache keys.
func (r ExecutionRef) Key() string {
	return r.WorkflowID + "/" + r.RunID
}

func (r ExecutionRef) String() string { return r.Key() }

// IDReusePolicy decides what happens when a start names a workflow ID that
// already has a run.
type IDReusePolicy string

const (
	// ReuseRejectDuplicate returns the existing run instead of starting a new one.
	ReuseRejectDuplicate IDReusePolicy = "reject_duplicate"
	// ReuseAllowDuplicate starts a new run once the previous run has closed.
	ReuseAllowDuplicate IDReusePolicy = "allow_duplicate"
	// ReuseAllowDuplicateFailedOnly starts a new run only if the previous run
	// closed unsuccessfully.
	ReuseAllowDuplicateFailedOnly IDReusePolicy = "allow_duplicate_failed_only"
)

// AllowsNewRun reports whether a new run may replace current under the policy.
func (p IDReusePolicy) AllowsNewRun(current ExecutionStatus) bool {
	if !current.IsTerminal() {
		return false
	}
	switch p {
	case ReuseAllowDuplicate:
		return true
	case ReuseAllowDuplicateFailedOnly:
		return current != StatusCompleted && current != StatusContinuedAsNew
	default:
		return false
	}
}

// Execution is the status snapshot of a run, derivable by folding its history.
type Execution struct {
	WorkflowID       string          `json:"workflow_id"`
	RunID            string          `json:"run_id"`
	WorkflowType     string          `json:"workflow_type"`
	TaskQueue        string          `json:"task_queue"`
	Status           ExecutionStatus `json:"status"`
	Input            json.RawMessage `json:"input,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Failure          *Failure        `json:"failure,omitempty"`
	Version          int64           `json:"version"`
	ContinuedFrom    string          `json:"continued_from,omitempty"`
	ContinuedTo      string          `json:"continued_to,omitempty"`
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	WorkflowTaskOpen bool            `json:"workflow_task_open,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
}

// Ref returns the execution's identity.
func (e *Execution) Ref() ExecutionRef {
	return ExecutionRef{WorkflowID: e.WorkflowID, RunID: e.RunID}
}

// WorkflowInfo is what workflow code can learn about its own run.
type WorkflowInfo struct {
	WorkflowID       string        `json:"workflow_id"`
	RunID            string        `json:"run_id"`
	WorkflowType     string        `json:"workflow_type"`
	TaskQueue        string        `json:"task_queue"`
	ContinuedFrom    string        `json:"continued_from,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty"`
	StartTime        time.Time     `json:"start_time"`
}
