package store

import (
	"context"

	"github.com/rendis/loom/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// History is append-only and guarded by an optimistic version check: the
// version of a run is the length of its history, and an append succeeds only
// if the caller's expected version equals it.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution, started schema.Event, policy schema.IDReusePolicy) (*schema.Execution, bool, error)
	GetExecution(ctx context.Context, ref schema.ExecutionRef) (*schema.Execution, error)
	GetCurrentExecution(ctx context.Context, workflowID string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	// History
	AppendHistory(ctx context.Context, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, opts AppendOptions) (AppendResult, error)
	ReadHistory(ctx context.Context, ref schema.ExecutionRef, fromSequence int64) ([]schema.Event, error)
	CompleteWorkflowTask(ctx context.Context, ref schema.ExecutionRef, expectedVersion int64) error
	ContinueAsNew(ctx context.Context, ref schema.ExecutionRef, expectedVersion int64, events []schema.Event, next *schema.Execution, nextStarted schema.Event) (AppendResult, error)

	// Activity heartbeats
	RecordHeartbeat(ctx context.Context, hb *Heartbeat) error
	GetHeartbeat(ctx context.Context, ref schema.ExecutionRef, activityID string) (*Heartbeat, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
