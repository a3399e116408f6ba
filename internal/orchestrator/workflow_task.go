package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/replay"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// ProcessWorkflowTask advances a run past the events appended since its last
// decision and appends the resulting commands. Losing the append to another
// writer discards the cached state and recomputes from history. A run whose
// code no longer matches its history is failed.
func (o *Orchestrator) ProcessWorkflowTask(ctx context.Context, ref schema.ExecutionRef) error {
	ctx = logging.WithRef(ctx, ref)
	return o.withLock(ctx, ref, func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			err := o.decide(ctx, ref)
			if !errors.Is(err, schema.ErrVersionConflict) && !errors.Is(err, replay.ErrStaleState) {
				return err
			}
			o.cache.Evict(ref)
			o.metrics.VersionConflict("workflow_task")
			if attempt >= o.cfg.ConflictRetries {
				return err
			}
			o.logger.DebugContext(ctx, "workflow task lost an append race, recomputing", "attempt", attempt+1)
		}
	})
}

func (o *Orchestrator) decide(ctx context.Context, ref schema.ExecutionRef) error {
	exec, err := o.store.GetExecution(ctx, ref)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		o.cache.Evict(ref)
		return nil
	}
	if !exec.WorkflowTaskOpen {
		// Redelivered task; its decision is already in history.
		return nil
	}

	state, ok := o.cache.Get(ref)
	if !ok {
		state = o.replay.NewState(ref)
		o.cache.Put(state)
	}
	delta, err := o.store.ReadHistory(ctx, ref, state.LastSequence())
	if err != nil {
		o.cache.Evict(ref)
		return err
	}

	now := o.now()
	res, err := o.replay.Advance(state, delta, now)
	if err != nil {
		o.cache.Evict(ref)
		if errors.Is(err, schema.ErrNonDeterminism) {
			o.metrics.NonDeterminism(exec.WorkflowType)
			o.logger.ErrorContext(ctx, "workflow code diverged from history, failing run", "error", err)
			return o.failRun(ctx, ref, &schema.Failure{
				Kind:         schema.FailureNonDeterminism,
				Message:      err.Error(),
				NonRetryable: true,
			})
		}
		return err
	}

	version := state.LastSequence()
	if !res.Ran {
		if res.Closed {
			o.cache.Evict(ref)
			return nil
		}
		return o.store.CompleteWorkflowTask(ctx, ref, version)
	}

	if err := validateCommands(res.Commands); err != nil {
		o.cache.Evict(ref)
		o.logger.ErrorContext(ctx, "workflow produced invalid commands, failing run", "error", err)
		return o.failRun(ctx, ref, schema.FailureFromError(err))
	}

	events := make([]schema.Event, 0, len(res.Commands)+1)
	events = append(events, schema.MustEvent(schema.EventWorkflowTaskCompleted, now,
		schema.WorkflowTaskCompletedAttributes{Identity: o.cfg.Identity}))
	events = append(events, res.Commands...)

	if events[len(events)-1].Type == schema.EventWorkflowContinuedAsNew {
		return o.continueAsNew(ctx, exec, version, events, state.Info())
	}
	if _, err := o.append(ctx, exec, version, events, store.AppendOptions{CompleteWorkflowTask: true}, nil); err != nil {
		o.cache.Evict(ref)
		return err
	}
	o.logger.DebugContext(ctx, "workflow task completed", "commands", len(res.Commands), "version", version+int64(len(events)))
	return nil
}

// continueAsNew closes the run and starts its successor in one store call.
func (o *Orchestrator) continueAsNew(ctx context.Context, exec *schema.Execution, version int64,
	events []schema.Event, info schema.WorkflowInfo) error {
	ref := exec.Ref()
	last := &events[len(events)-1]
	var attrs schema.WorkflowContinuedAsNewAttributes
	if err := last.Decode(&attrs); err != nil {
		o.cache.Evict(ref)
		return err
	}
	attrs.NewRunID = uuid.NewString()
	closing, err := schema.NewEvent(schema.EventWorkflowContinuedAsNew, last.Timestamp, attrs)
	if err != nil {
		o.cache.Evict(ref)
		return err
	}
	*last = closing

	timeout := info.ExecutionTimeout
	if attrs.WorkflowType != info.WorkflowType {
		timeout = 0
		if def, err := o.registry.Workflow(attrs.WorkflowType); err == nil {
			timeout = def.ExecutionTimeout
		}
	}
	startedAt := last.Timestamp
	nextStarted, err := schema.NewEvent(schema.EventWorkflowStarted, startedAt, schema.WorkflowStartedAttributes{
		WorkflowType:     attrs.WorkflowType,
		TaskQueue:        exec.TaskQueue,
		Input:            attrs.Input,
		ExecutionTimeout: timeout,
		ContinuedFrom:    exec.RunID,
	})
	if err != nil {
		o.cache.Evict(ref)
		return err
	}
	next := &schema.Execution{WorkflowID: exec.WorkflowID, RunID: attrs.NewRunID}

	var res store.AppendResult
	err = o.fsm.Transition(ctx, ref, exec.Status, schema.StatusContinuedAsNew, func() error {
		var err error
		res, err = o.store.ContinueAsNew(ctx, ref, version, events, next, nextStarted)
		return err
	})
	if err != nil {
		o.cache.Evict(ref)
		return err
	}
	o.afterAppend(ctx, exec, res, nil)
	o.logger.InfoContext(ctx, "workflow continued as new", "new_run_id", attrs.NewRunID)
	o.runStarted(ctx, next.Ref(), exec.TaskQueue, timeout, startedAt)
	return nil
}

// failRun closes the run with failure. The caller must hold the run's lock.
func (o *Orchestrator) failRun(ctx context.Context, ref schema.ExecutionRef, failure *schema.Failure) error {
	ev := schema.MustEvent(schema.EventWorkflowFailed, o.now(), schema.WorkflowFailedAttributes{Failure: failure})
	err := o.closeRun(ctx, ref, ev)
	if errors.Is(err, schema.ErrExecutionClosed) {
		return nil
	}
	return err
}

// validateCommands rejects decisions the store must never see: anything
// other than a command event, or a closing command that is not last.
func validateCommands(cmds []schema.Event) error {
	for i, c := range cmds {
		switch c.Type {
		case schema.EventActivityScheduled, schema.EventTimerStarted, schema.EventMarkerRecorded:
		case schema.EventWorkflowCompleted, schema.EventWorkflowFailed,
			schema.EventWorkflowCancelled, schema.EventWorkflowContinuedAsNew:
			if i != len(cmds)-1 {
				return schema.NewNonRetryableApplicationError(
					"closing command "+string(c.Type)+" is followed by more commands", "InvalidCommand", nil)
			}
		default:
			return schema.NewNonRetryableApplicationError(
				"workflow produced unsupported command "+string(c.Type), "InvalidCommand", nil)
		}
	}
	return nil
}
