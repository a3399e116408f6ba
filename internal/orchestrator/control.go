package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// SignalWorkflow appends a signal to an open run and schedules a workflow
// task. An empty RunID targets the workflow's current run.
func (o *Orchestrator) SignalWorkflow(ctx context.Context, ref schema.ExecutionRef, name string, payload json.RawMessage) error {
	if !schema.ValidSignalName(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid signal name %q", name)
	}
	ref, err := o.resolve(ctx, ref)
	if err != nil {
		return err
	}
	ctx = logging.WithRef(ctx, ref)
	return o.withLock(ctx, ref, func(ctx context.Context) error {
		return o.update(ctx, ref, "signal", func(*schema.Execution, *runView) (*mutation, error) {
			o.logger.DebugContext(ctx, "signal received", "signal", name)
			return &mutation{
				events: []schema.Event{
					schema.MustEvent(schema.EventSignalReceived, o.now(),
						schema.SignalReceivedAttributes{Name: name, Payload: payload}),
				},
				opts: store.AppendOptions{ScheduleWorkflowTask: true},
			}, nil
		})
	})
}

// RequestCancel asks an open run to stop. Workflow code observes the request
// through its blocking calls; a run still open after Config.CancelTimeout is
// terminated. Repeated requests are no-ops.
func (o *Orchestrator) RequestCancel(ctx context.Context, ref schema.ExecutionRef, reason string) error {
	ref, err := o.resolve(ctx, ref)
	if err != nil {
		return err
	}
	ctx = logging.WithRef(ctx, ref)
	return o.withLock(ctx, ref, func(ctx context.Context) error {
		return o.update(ctx, ref, "cancel", func(exec *schema.Execution, _ *runView) (*mutation, error) {
			if exec.CancelRequested {
				return nil, nil
			}
			o.logger.InfoContext(ctx, "cancellation requested", "reason", reason)
			return &mutation{
				events: []schema.Event{
					schema.MustEvent(schema.EventCancelRequested, o.now(), schema.CancelRequestedAttributes{Reason: reason}),
				},
				opts: store.AppendOptions{ScheduleWorkflowTask: true},
			}, nil
		})
	})
}

// Terminate closes an open run immediately. Workflow code is not consulted
// and pending activities are abandoned.
func (o *Orchestrator) Terminate(ctx context.Context, ref schema.ExecutionRef, reason string) error {
	ref, err := o.resolve(ctx, ref)
	if err != nil {
		return err
	}
	ctx = logging.WithRef(ctx, ref)
	return o.withLock(ctx, ref, func(ctx context.Context) error {
		o.logger.InfoContext(ctx, "terminating workflow", "reason", reason)
		return o.closeRun(ctx, ref, schema.MustEvent(schema.EventWorkflowTerminated, o.now(),
			schema.WorkflowTerminatedAttributes{Reason: reason}))
	})
}

// PendingActivity is an activity without a final outcome.
type PendingActivity struct {
	ActivityID   string                `json:"activity_id"`
	ActivityType string                `json:"activity_type"`
	Status       engine.ActivityStatus `json:"status"`
	Attempt      int                   `json:"attempt"`
	ScheduledAt  time.Time             `json:"scheduled_at"`
	LastFailure  *schema.Failure       `json:"last_failure,omitempty"`
}

// PendingTimer is a user timer that has not fired.
type PendingTimer struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

// Description is a run's snapshot plus what it is waiting on.
type Description struct {
	Execution         *schema.Execution `json:"execution"`
	PendingActivities []PendingActivity `json:"pending_activities,omitempty"`
	PendingTimers     []PendingTimer    `json:"pending_timers,omitempty"`
	HistoryLength     int               `json:"history_length"`
}

// Describe reports a run's status and outstanding work. An empty RunID
// targets the workflow's current run.
func (o *Orchestrator) Describe(ctx context.Context, ref schema.ExecutionRef) (*Description, error) {
	ref, err := o.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	exec, err := o.store.GetExecution(ctx, ref)
	if err != nil {
		return nil, err
	}
	history, err := o.store.ReadHistory(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	view, err := buildView(history)
	if err != nil {
		return nil, err
	}

	d := &Description{Execution: exec, HistoryLength: len(history)}
	if exec.Status.IsTerminal() {
		return d, nil
	}
	for _, id := range view.order {
		a := view.activities[id]
		if a.Status.IsTerminal() {
			continue
		}
		d.PendingActivities = append(d.PendingActivities, PendingActivity{
			ActivityID:   a.ID,
			ActivityType: a.Type,
			Status:       a.Status,
			Attempt:      a.Attempt,
			ScheduledAt:  a.ScheduledAt,
			LastFailure:  a.LastFailure,
		})
	}
	for _, id := range view.timerOrder {
		if t := view.timers[id]; !t.Fired {
			d.PendingTimers = append(d.PendingTimers, PendingTimer{TimerID: t.ID, FireAt: t.FireAt})
		}
	}
	return d, nil
}
