package store

import (
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// Fold applies sequenced events to an execution snapshot. It is the single
// definition of how history maps to status, shared by every Store.
func Fold(exec *schema.Execution, events []schema.Event) error {
	for _, e := range events {
		switch e.Type {
		case schema.EventWorkflowStarted:
			var a schema.WorkflowStartedAttributes
			if err := e.Decode(&a); err != nil {
				return err
			}
			exec.Status = schema.StatusPending
			exec.WorkflowType = a.WorkflowType
			exec.TaskQueue = a.TaskQueue
			exec.Input = a.Input
			exec.ContinuedFrom = a.ContinuedFrom
			if exec.CreatedAt.IsZero() {
				exec.CreatedAt = e.Timestamp
			}

		case schema.EventWorkflowTaskCompleted:
			if exec.Status == schema.StatusPending {
				exec.Status = schema.StatusRunning
			}

		case schema.EventCancelRequested:
			exec.CancelRequested = true

		case schema.EventWorkflowCompleted:
			var a schema.WorkflowCompletedAttributes
			if err := e.Decode(&a); err != nil {
				return err
			}
			exec.Status = schema.StatusCompleted
			exec.Result = a.Result

		case schema.EventWorkflowFailed:
			var a schema.WorkflowFailedAttributes
			if err := e.Decode(&a); err != nil {
				return err
			}
			exec.Status = schema.StatusFailed
			exec.Failure = a.Failure

		case schema.EventWorkflowCancelled:
			exec.Status = schema.StatusCancelled
			exec.Failure = &schema.Failure{Kind: schema.FailureCancelled, Message: "workflow cancelled", NonRetryable: true}

		case schema.EventWorkflowTerminated:
			var a schema.WorkflowTerminatedAttributes
			if err := e.Decode(&a); err != nil {
				return err
			}
			exec.Status = schema.StatusTerminated
			exec.Failure = &schema.Failure{Kind: schema.FailureTerminated, Message: a.Reason, NonRetryable: true}

		case schema.EventWorkflowTimedOut:
			exec.Status = schema.StatusTimedOut
			exec.Failure = &schema.Failure{Kind: schema.FailureTimeout, TimeoutType: schema.TimeoutWorkflowExecution, NonRetryable: true}

		case schema.EventWorkflowContinuedAsNew:
			var a schema.WorkflowContinuedAsNewAttributes
			if err := e.Decode(&a); err != nil {
				return err
			}
			exec.Status = schema.StatusContinuedAsNew
			exec.ContinuedTo = a.NewRunID
		}

		exec.Version = e.Sequence
		exec.UpdatedAt = e.Timestamp
		if e.Type.IsClosing() {
			ts := e.Timestamp
			exec.ClosedAt = &ts
			exec.WorkflowTaskOpen = false
		}
	}
	return nil
}

// FoldHistory rebuilds a snapshot from a complete history. Returns an error
// if sequence gaps are detected.
func FoldHistory(ref schema.ExecutionRef, events []schema.Event) (*schema.Execution, error) {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", ref, expected, e.Sequence)
		}
	}
	exec := &schema.Execution{WorkflowID: ref.WorkflowID, RunID: ref.RunID}
	if err := Fold(exec, events); err != nil {
		return nil, err
	}
	return exec, nil
}

// prepareAppend checks the append preconditions against the current snapshot,
// assigns sequence numbers and folds the events into exec in place.
func prepareAppend(exec *schema.Execution, expectedVersion int64, events []schema.Event, opts AppendOptions) ([]schema.Event, AppendResult, error) {
	if len(events) == 0 {
		return nil, AppendResult{}, schema.NewError(schema.ErrCodeValidation, "append requires at least one event")
	}
	if exec.Status.IsTerminal() {
		return nil, AppendResult{}, schema.NewErrorf(schema.ErrCodeExecutionClosed,
			"run %s is %s", exec.Ref(), exec.Status)
	}
	if exec.Version != expectedVersion {
		return nil, AppendResult{}, schema.NewErrorf(schema.ErrCodeVersionConflict,
			"run %s: expected version %d, current %d", exec.Ref(), expectedVersion, exec.Version).
			WithDetails(map[string]any{"expected": expectedVersion, "current": exec.Version})
	}

	now := time.Now().UTC()
	seqd := make([]schema.Event, len(events))
	for i, e := range events {
		e.Sequence = expectedVersion + int64(i) + 1
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		seqd[i] = e
	}

	if err := Fold(exec, seqd); err != nil {
		return nil, AppendResult{}, err
	}

	res := AppendResult{Version: exec.Version, Events: seqd}
	if opts.CompleteWorkflowTask {
		exec.WorkflowTaskOpen = false
	}
	if opts.ScheduleWorkflowTask && !exec.Status.IsTerminal() && !exec.WorkflowTaskOpen {
		exec.WorkflowTaskOpen = true
		res.WorkflowTaskScheduled = true
	}
	return seqd, res, nil
}

// newRunSnapshot initialises the snapshot of a run whose only event is started.
func newRunSnapshot(exec *schema.Execution, started schema.Event) (*schema.Execution, schema.Event, error) {
	if started.Type != schema.EventWorkflowStarted {
		return nil, schema.Event{}, schema.NewErrorf(schema.ErrCodeValidation,
			"first event must be %s, got %s", schema.EventWorkflowStarted, started.Type)
	}
	started.Sequence = 1
	if started.Timestamp.IsZero() {
		started.Timestamp = time.Now().UTC()
	}
	snap := &schema.Execution{
		WorkflowID: exec.WorkflowID,
		RunID:      exec.RunID,
		CreatedAt:  started.Timestamp,
	}
	if err := Fold(snap, []schema.Event{started}); err != nil {
		return nil, schema.Event{}, err
	}
	snap.WorkflowTaskOpen = true
	return snap, started, nil
}

func storeNotFound(resource, id string) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
