package orchestrator

import (
	"context"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

const recoverPageSize = 100

// Recover re-enqueues the tasks every open run is waiting on, as derived
// from its history. Tasks that still exist are duplicated, which handlers
// tolerate. It returns the number of runs visited.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	var (
		n     int
		after *store.ExecutionCursor
	)
	for {
		execs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{
			Open:  true,
			After: after,
			Limit: recoverPageSize,
		})
		if err != nil {
			return n, err
		}
		for _, exec := range execs {
			after = store.CursorAt(exec)
			if err := o.recoverRun(ctx, exec); err != nil {
				o.logger.WarnContext(logging.WithRef(ctx, exec.Ref()), "recover run", "error", err)
				continue
			}
			n++
		}
		if len(execs) < recoverPageSize {
			break
		}
	}
	o.logger.InfoContext(ctx, "recovery sweep finished", "runs", n)
	return n, nil
}

func (o *Orchestrator) recoverRun(ctx context.Context, exec *schema.Execution) error {
	ref := exec.Ref()
	ctx = logging.WithRef(ctx, ref)
	history, err := o.store.ReadHistory(ctx, ref, 0)
	if err != nil {
		return err
	}
	view, err := buildView(history)
	if err != nil {
		return err
	}

	if exec.WorkflowTaskOpen {
		o.enqueueWorkflowTask(ctx, ref, exec.TaskQueue)
	}
	if d := view.started.ExecutionTimeout; d > 0 {
		o.enqueueTimer(ctx, exec.TaskQueue, TimerTask{
			WorkflowID: ref.WorkflowID, RunID: ref.RunID,
			Kind: TimerWorkflowTimeout, FireAt: view.startedAt.Add(d),
		})
	}
	if !view.cancelRequestedAt.IsZero() {
		o.enqueueTimer(ctx, exec.TaskQueue, TimerTask{
			WorkflowID: ref.WorkflowID, RunID: ref.RunID,
			Kind: TimerCancelTimeout, FireAt: view.cancelRequestedAt.Add(o.cfg.CancelTimeout),
		})
	}
	for _, id := range view.order {
		a := view.activities[id]
		switch a.Status {
		case engine.ActivityScheduled:
			o.dispatchActivity(ctx, exec, a, a.Attempt, a.ScheduledAt)
		case engine.ActivityRetrying:
			o.dispatchActivity(ctx, exec, a, a.Attempt, a.RetryAt)
		case engine.ActivityStarted:
			o.startAttemptTimers(ctx, exec, a, a.Attempt, a.StartedAt)
		}
	}
	for _, id := range view.timerOrder {
		if t := view.timers[id]; !t.Fired {
			o.enqueueTimer(ctx, exec.TaskQueue, TimerTask{
				WorkflowID: ref.WorkflowID, RunID: ref.RunID,
				Kind: TimerUser, TimerID: t.ID, FireAt: t.FireAt,
			})
		}
	}
	return nil
}
