package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// HandleTimer acts on a due timer. Timers whose purpose already passed, such
// as a deadline of an attempt that finished, are dropped without error.
func (o *Orchestrator) HandleTimer(ctx context.Context, t TimerTask) error {
	ref := t.Ref()
	ctx = logging.WithRef(ctx, ref)
	err := o.withLock(ctx, ref, func(ctx context.Context) error {
		switch t.Kind {
		case TimerUser:
			return o.fireUserTimer(ctx, t)
		case TimerScheduleToStart, TimerStartToClose, TimerHeartbeat:
			return o.expireAttempt(ctx, t)
		case TimerWorkflowTimeout:
			return o.update(ctx, ref, "workflow_timeout", func(_ *schema.Execution, view *runView) (*mutation, error) {
				o.logger.InfoContext(ctx, "workflow execution timed out", "timeout", view.started.ExecutionTimeout)
				return &mutation{events: []schema.Event{
					schema.MustEvent(schema.EventWorkflowTimedOut, o.now(),
						schema.WorkflowTimedOutAttributes{Timeout: view.started.ExecutionTimeout}),
				}}, nil
			})
		case TimerCancelTimeout:
			o.logger.WarnContext(ctx, "workflow did not honour cancellation in time, terminating", "timeout", o.cfg.CancelTimeout)
			return o.closeRun(ctx, ref, schema.MustEvent(schema.EventWorkflowTerminated, o.now(),
				schema.WorkflowTerminatedAttributes{Reason: fmt.Sprintf("cancellation not completed within %s", o.cfg.CancelTimeout)}))
		default:
			o.logger.WarnContext(ctx, "dropping timer of unknown kind", "kind", t.Kind)
			return nil
		}
	})
	if IsDroppable(err) {
		return nil
	}
	return err
}

func (o *Orchestrator) fireUserTimer(ctx context.Context, t TimerTask) error {
	return o.update(ctx, t.Ref(), "timer_fired", func(_ *schema.Execution, view *runView) (*mutation, error) {
		timer := view.timers[t.TimerID]
		if timer == nil || timer.Fired {
			return nil, nil
		}
		return &mutation{
			events: []schema.Event{
				schema.MustEvent(schema.EventTimerFired, o.now(), schema.TimerFiredAttributes{TimerID: t.TimerID}),
			},
			opts: store.AppendOptions{ScheduleWorkflowTask: true},
		}, nil
	})
}

// expireAttempt fails the guarded attempt if it is still in the state the
// deadline applies to.
func (o *Orchestrator) expireAttempt(ctx context.Context, t TimerTask) error {
	ref := t.Ref()
	ctx = logging.WithActivityID(ctx, t.ActivityID)
	return o.update(ctx, ref, string(t.Kind), func(exec *schema.Execution, view *runView) (*mutation, error) {
		a := view.activity(t.ActivityID)
		if a == nil {
			return nil, nil
		}
		opts := a.Options.WithDefaults()
		var timeoutType schema.TimeoutType
		switch t.Kind {
		case TimerScheduleToStart:
			if !a.waiting(t.Attempt) {
				return nil, nil
			}
			timeoutType = schema.TimeoutScheduleToStart
		case TimerStartToClose:
			if !a.running(t.Attempt) {
				return nil, nil
			}
			timeoutType = schema.TimeoutStartToClose
		case TimerHeartbeat:
			if !a.running(t.Attempt) {
				return nil, nil
			}
			expired, deadline, err := o.heartbeatExpired(ctx, ref, a, opts.HeartbeatTimeout)
			if err != nil {
				return nil, err
			}
			if !expired {
				next := t
				next.FireAt = deadline
				o.enqueueTimer(ctx, exec.TaskQueue, next)
				return nil, nil
			}
			timeoutType = schema.TimeoutHeartbeat
		}
		return o.failAttempt(ctx, a, schema.FailureFromError(
			schema.NewTimeoutError(timeoutType, fmt.Sprintf("activity %s attempt %d: %s timeout", a.ID, t.Attempt, timeoutType))))
	})
}

// IsDroppable reports errors that mean the task has nothing left to do.
func IsDroppable(err error) bool {
	return errors.Is(err, schema.ErrExecutionClosed) || errors.Is(err, schema.ErrStaleTask)
}
