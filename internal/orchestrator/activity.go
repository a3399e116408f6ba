package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

func staleAttempt(activityID string, attempt int) error {
	return schema.NewErrorf(schema.ErrCodeStaleTask, "activity %s attempt %d is not current", activityID, attempt)
}

// RecordActivityStarted claims an attempt for the calling worker. It returns
// the heartbeat details left by earlier attempts. A task whose attempt is no
// longer waiting to start yields an error matching schema.ErrStaleTask; one
// whose run closed yields schema.ErrExecutionClosed. Either way the task
// must be dropped.
func (o *Orchestrator) RecordActivityStarted(ctx context.Context, task ActivityTask) (json.RawMessage, error) {
	ref := task.Ref()
	ctx = logging.WithActivityID(logging.WithRef(ctx, ref), task.ActivityID)
	err := o.withLock(ctx, ref, func(ctx context.Context) error {
		return o.update(ctx, ref, "activity_started", func(_ *schema.Execution, view *runView) (*mutation, error) {
			a := view.activity(task.ActivityID)
			if a == nil || !a.waiting(task.Attempt) {
				return nil, staleAttempt(task.ActivityID, task.Attempt)
			}
			if err := engine.ValidateActivityTransition(a.ID, a.Status, engine.ActivityStarted); err != nil {
				return nil, err
			}
			return &mutation{events: []schema.Event{
				schema.MustEvent(schema.EventActivityStarted, o.now(), schema.ActivityStartedAttributes{
					ActivityID: a.ID,
					Attempt:    task.Attempt,
					Identity:   o.cfg.Identity,
				}),
			}}, nil
		})
	})
	if err != nil {
		return nil, err
	}

	hb, err := o.store.GetHeartbeat(ctx, ref, task.ActivityID)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return hb.Details, nil
}

// RecordActivityHeartbeat stores the latest progress of a running attempt.
// It fails with schema.ErrStaleTask once the attempt was timed out or
// superseded, and with schema.ErrExecutionClosed once the run closed.
func (o *Orchestrator) RecordActivityHeartbeat(ctx context.Context, ref schema.ExecutionRef, activityID string, attempt int, details json.RawMessage) error {
	exec, err := o.store.GetExecution(ctx, ref)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeExecutionClosed, "run %s is %s", ref, exec.Status)
	}
	history, err := o.store.ReadHistory(ctx, ref, 0)
	if err != nil {
		return err
	}
	view, err := buildView(history)
	if err != nil {
		return err
	}
	if a := view.activity(activityID); a == nil || !a.running(attempt) {
		return staleAttempt(activityID, attempt)
	}
	return o.store.RecordHeartbeat(ctx, &store.Heartbeat{
		WorkflowID: ref.WorkflowID,
		RunID:      ref.RunID,
		ActivityID: activityID,
		Attempt:    attempt,
		Details:    details,
		RecordedAt: o.now(),
	})
}

// CompleteActivity records the result of a running attempt and schedules a
// workflow task.
func (o *Orchestrator) CompleteActivity(ctx context.Context, ref schema.ExecutionRef, activityID string, attempt int, result json.RawMessage) error {
	ctx = logging.WithActivityID(logging.WithRef(ctx, ref), activityID)
	return o.withLock(ctx, ref, func(ctx context.Context) error {
		return o.update(ctx, ref, "activity_completed", func(_ *schema.Execution, view *runView) (*mutation, error) {
			a := view.activity(activityID)
			if a == nil || !a.running(attempt) {
				return nil, staleAttempt(activityID, attempt)
			}
			if err := engine.ValidateActivityTransition(a.ID, a.Status, engine.ActivityCompleted); err != nil {
				return nil, err
			}
			activityType := a.Type
			return &mutation{
				events: []schema.Event{
					schema.MustEvent(schema.EventActivityCompleted, o.now(), schema.ActivityCompletedAttributes{
						ActivityID: a.ID,
						Attempt:    attempt,
						Result:     result,
					}),
				},
				opts: store.AppendOptions{ScheduleWorkflowTask: true},
				after: func(context.Context, *schema.Execution) {
					o.metrics.ActivityAttempt(activityType, nil)
				},
			}, nil
		})
	})
}

// FailActivity records a failed attempt. The retry policy decides whether
// another attempt is dispatched after the backoff delay or the failure is
// final and delivered to the workflow.
func (o *Orchestrator) FailActivity(ctx context.Context, ref schema.ExecutionRef, activityID string, attempt int, failure *schema.Failure) error {
	ctx = logging.WithActivityID(logging.WithRef(ctx, ref), activityID)
	return o.withLock(ctx, ref, func(ctx context.Context) error {
		return o.update(ctx, ref, "activity_failed", func(_ *schema.Execution, view *runView) (*mutation, error) {
			a := view.activity(activityID)
			if a == nil || !a.running(attempt) {
				return nil, staleAttempt(activityID, attempt)
			}
			return o.failAttempt(ctx, a, failure)
		})
	})
}

// failAttempt builds the ActivityFailed event for the current attempt of a.
func (o *Orchestrator) failAttempt(ctx context.Context, a *activityState, failure *schema.Failure) (*mutation, error) {
	if failure == nil {
		failure = &schema.Failure{Kind: schema.FailureApplication, Message: "activity failed"}
	}
	policy := *a.Options.WithDefaults().RetryPolicy
	attrs := schema.ActivityFailedAttributes{
		ActivityID: a.ID,
		Attempt:    a.Attempt,
		Failure:    failure,
	}
	m := &mutation{}
	to := engine.ActivityRetrying
	if engine.ShouldRetryActivity(failure, policy, a.Attempt) {
		attrs.NextRetryDelay = engine.RetryDelay(policy, a.Attempt)
	} else {
		to = engine.ActivityFailed
		attrs.Final = true
		m.opts.ScheduleWorkflowTask = true
	}
	if err := engine.ValidateActivityTransition(a.ID, a.Status, to); err != nil {
		return nil, err
	}

	activityType := a.Type
	m.events = []schema.Event{schema.MustEvent(schema.EventActivityFailed, o.now(), attrs)}
	m.after = func(ctx context.Context, _ *schema.Execution) {
		o.metrics.ActivityAttempt(activityType, failure)
		o.logger.InfoContext(ctx, "activity attempt failed",
			"activity_type", activityType, "attempt", attrs.Attempt, "kind", failure.Kind,
			"final", attrs.Final, "retry_in", attrs.NextRetryDelay)
	}
	return m, nil
}

// heartbeatExpired reports whether a running attempt missed its heartbeat
// deadline, and otherwise when the deadline now falls.
func (o *Orchestrator) heartbeatExpired(ctx context.Context, ref schema.ExecutionRef, a *activityState, timeout time.Duration) (bool, time.Time, error) {
	last := a.StartedAt
	hb, err := o.store.GetHeartbeat(ctx, ref, a.ID)
	switch {
	case errors.Is(err, schema.ErrNotFound):
	case err != nil:
		return false, time.Time{}, err
	case hb.Attempt == a.Attempt && hb.RecordedAt.After(last):
		last = hb.RecordedAt
	}
	deadline := last.Add(timeout)
	return !o.now().Before(deadline), deadline, nil
}
