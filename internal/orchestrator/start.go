package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/pkg/schema"
)

// StartRequest describes a new run.
type StartRequest struct {
	// WorkflowID defaults to a random ID.
	WorkflowID   string
	WorkflowType string
	Input        json.RawMessage
	// TaskQueue defaults to Config.TaskQueue.
	TaskQueue string
	// IDReusePolicy defaults to schema.ReuseRejectDuplicate.
	IDReusePolicy schema.IDReusePolicy
	// ExecutionTimeout overrides the workflow type's registered timeout.
	ExecutionTimeout time.Duration
}

// StartWorkflow validates the input against the workflow type and creates a
// run whose history is a single WorkflowStarted event. When the reuse policy
// keeps the workflow's current run, that run is returned with created false.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (*schema.Execution, bool, error) {
	def, err := o.registry.ValidateWorkflowInput(req.WorkflowType, req.Input)
	if err != nil {
		return nil, false, err
	}
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	if req.TaskQueue == "" {
		req.TaskQueue = o.cfg.TaskQueue
	}
	if req.IDReusePolicy == "" {
		req.IDReusePolicy = schema.ReuseRejectDuplicate
	}
	timeout := req.ExecutionTimeout
	if timeout <= 0 {
		timeout = def.ExecutionTimeout
	}

	now := o.now()
	started, err := schema.NewEvent(schema.EventWorkflowStarted, now, schema.WorkflowStartedAttributes{
		WorkflowType:     req.WorkflowType,
		TaskQueue:        req.TaskQueue,
		Input:            req.Input,
		ExecutionTimeout: timeout,
	})
	if err != nil {
		return nil, false, err
	}
	exec, created, err := o.store.CreateExecution(ctx, &schema.Execution{
		WorkflowID: req.WorkflowID,
		RunID:      uuid.NewString(),
	}, started, req.IDReusePolicy)
	if err != nil {
		return nil, false, err
	}
	ctx = logging.WithRef(ctx, exec.Ref())
	if !created {
		o.logger.DebugContext(ctx, "workflow id in use, returning current run", "status", exec.Status)
		return exec, false, nil
	}

	o.logger.InfoContext(ctx, "workflow started", "workflow_type", req.WorkflowType, "task_queue", req.TaskQueue)
	o.runStarted(ctx, exec.Ref(), req.TaskQueue, timeout, now)
	return exec, true, nil
}
