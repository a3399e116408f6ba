// Package worker runs the poll loops that feed queued tasks to the
// orchestrator and the activity executor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/executor"
	"github.com/rendis/loom/internal/metrics"
	"github.com/rendis/loom/internal/orchestrator"
	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/pkg/schema"
)

// Config tunes a Worker.
type Config struct {
	TaskQueue string
	// PoolSize bounds the number of tasks handled at once across all kinds.
	PoolSize int
	// Pollers per task kind.
	WorkflowPollers int
	ActivityPollers int
	TimerPollers    int
	// Lease is the initial lease on a polled task. Activity leases are
	// extended on every heartbeat.
	Lease time.Duration
	// RetryPolicy spaces out redeliveries of tasks that failed for
	// infrastructure reasons.
	RetryPolicy schema.RetryPolicy
	// MaxDeliveries drops a task that kept failing after this many
	// deliveries. Zero means no cap.
	MaxDeliveries int
	// RecoverInterval re-runs the recovery sweep periodically when positive.
	// A sweep always runs once at startup.
	RecoverInterval time.Duration
	// ShutdownTimeout bounds how long Run waits for in-flight tasks.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config sized for a single process.
func DefaultConfig() Config {
	return Config{
		TaskQueue:       orchestrator.DefaultTaskQueue,
		PoolSize:        32,
		WorkflowPollers: 2,
		ActivityPollers: 4,
		TimerPollers:    1,
		Lease:           time.Minute,
		RetryPolicy: schema.RetryPolicy{
			InitialInterval:    200 * time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
		},
		MaxDeliveries:   50,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TaskQueue == "" {
		c.TaskQueue = d.TaskQueue
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.WorkflowPollers <= 0 {
		c.WorkflowPollers = d.WorkflowPollers
	}
	if c.ActivityPollers <= 0 {
		c.ActivityPollers = d.ActivityPollers
	}
	if c.TimerPollers <= 0 {
		c.TimerPollers = d.TimerPollers
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.RetryPolicy.InitialInterval <= 0 {
		c.RetryPolicy = d.RetryPolicy
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Options wires a Worker. Orchestrator, Queue and Executor are required.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Queue        queue.TaskQueue
	Executor     *executor.Executor
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Config       Config
}

// Worker polls the workflow, activity and timer queues of one task queue.
type Worker struct {
	orc      *orchestrator.Orchestrator
	queue    queue.TaskQueue
	executor *executor.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	pool     *engine.WorkerPool
}

// New creates a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Orchestrator == nil || opts.Queue == nil || opts.Executor == nil {
		return nil, fmt.Errorf("worker: orchestrator, queue and executor are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()
	w := &Worker{
		orc:      opts.Orchestrator,
		queue:    opts.Queue,
		executor: opts.Executor,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "worker", "task_queue", cfg.TaskQueue),
		cfg:      cfg,
	}
	w.pool = engine.NewWorkerPool(cfg.PoolSize,
		engine.WithPoolLogger(w.logger),
		engine.WithPanicHandler(func(any) { w.metrics.PoolFailure("panic") }),
	)
	return w, nil
}

// Run recovers open executions, then polls until ctx is cancelled. It waits
// for in-flight tasks up to Config.ShutdownTimeout before returning.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.orc.Recover(ctx); err != nil {
		return fmt.Errorf("recover open executions: %w", err)
	} else if n > 0 {
		w.logger.InfoContext(ctx, "recovered open executions", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	pollers := map[string]int{
		queue.KindWorkflow: w.cfg.WorkflowPollers,
		queue.KindActivity: w.cfg.ActivityPollers,
		queue.KindTimer:    w.cfg.TimerPollers,
	}
	for kind, n := range pollers {
		for i := 0; i < n; i++ {
			kind := kind
			g.Go(func() error { return w.poll(gctx, kind) })
		}
	}
	if w.cfg.RecoverInterval > 0 {
		g.Go(func() error { return w.recoverLoop(gctx) })
	}
	w.logger.InfoContext(ctx, "worker started", "pool_size", w.cfg.PoolSize)

	err := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	if serr := w.pool.ShutdownContext(shutdownCtx); serr != nil {
		w.logger.Warn("worker stopped with tasks in flight", "error", serr)
	}
	w.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Pool exposes the worker's bounded pool.
func (w *Worker) Pool() *engine.WorkerPool { return w.pool }

func (w *Worker) poll(ctx context.Context, kind string) error {
	name := orchestrator.QueueName(w.cfg.TaskQueue, kind)
	failures := 0
	for ctx.Err() == nil {
		task, err := w.queue.Poll(ctx, name, w.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			delay := engine.RetryDelay(w.cfg.RetryPolicy, failures)
			w.logger.WarnContext(ctx, "poll failed", "queue", name, "error", err, "retry_in", delay)
			w.metrics.PoolFailure("poll")
			if engine.WaitForBackoff(ctx, delay) != nil {
				break
			}
			continue
		}
		failures = 0
		if task == nil {
			continue
		}
		if err := w.pool.Submit(ctx, func(ctx context.Context) error {
			return w.handle(ctx, task)
		}); err != nil {
			w.release(task, 0)
			break
		}
	}
	return nil
}

func (w *Worker) recoverLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.orc.Recover(ctx); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "recovery sweep failed", "error", err)
			}
		}
	}
}

// handle dispatches one task and settles its lease. Obsolete tasks are
// acknowledged. Transient infrastructure errors redeliver the task after a
// backoff until MaxDeliveries; any other error drops it.
func (w *Worker) handle(ctx context.Context, task *queue.Task) error {
	started := time.Now()
	err := w.dispatch(ctx, task)

	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
		w.ack(task)
	case orchestrator.IsDroppable(err):
		outcome = metrics.OutcomeDropped
		w.logger.DebugContext(ctx, "dropping obsolete task", "kind", task.Kind, "task_id", task.ID, "reason", err)
		w.ack(task)
		err = nil
	case ctx.Err() != nil:
		outcome = metrics.OutcomeRetried
		w.release(task, 0)
	case !engine.IsRetryableError(err):
		outcome = metrics.OutcomeDropped
		w.logger.ErrorContext(ctx, "dropping task that cannot succeed",
			"kind", task.Kind, "task_id", task.ID, "error", err)
		w.ack(task)
	case w.cfg.MaxDeliveries > 0 && task.Deliveries >= w.cfg.MaxDeliveries:
		outcome = metrics.OutcomeDropped
		w.logger.ErrorContext(ctx, "dropping task after too many deliveries",
			"kind", task.Kind, "task_id", task.ID, "deliveries", task.Deliveries, "error", err)
		w.ack(task)
	default:
		outcome = metrics.OutcomeRetried
		delay := engine.RetryDelay(w.cfg.RetryPolicy, task.Deliveries)
		w.logger.WarnContext(ctx, "task failed, redelivering",
			"kind", task.Kind, "task_id", task.ID, "deliveries", task.Deliveries, "retry_in", delay, "error", err)
		w.release(task, delay)
	}
	w.metrics.TaskHandled(task.Kind, outcome, time.Since(started))
	return err
}

func (w *Worker) dispatch(ctx context.Context, task *queue.Task) error {
	switch task.Kind {
	case queue.KindWorkflow:
		wt, err := orchestrator.Decode[orchestrator.WorkflowTask](task)
		if err != nil {
			return err
		}
		return w.orc.ProcessWorkflowTask(ctx, wt.Ref())
	case queue.KindActivity:
		at, err := orchestrator.Decode[orchestrator.ActivityTask](task)
		if err != nil {
			return err
		}
		return w.runActivity(ctx, task, at)
	case queue.KindTimer:
		tt, err := orchestrator.Decode[orchestrator.TimerTask](task)
		if err != nil {
			return err
		}
		return w.orc.HandleTimer(ctx, tt)
	default:
		w.logger.WarnContext(ctx, "dropping task of unknown kind", "kind", task.Kind, "task_id", task.ID)
		return nil
	}
}

func (w *Worker) runActivity(ctx context.Context, task *queue.Task, at orchestrator.ActivityTask) error {
	details, err := w.orc.RecordActivityStarted(ctx, at)
	if err != nil {
		return err
	}
	heartbeat := func(ctx context.Context, d json.RawMessage) error {
		if err := w.orc.RecordActivityHeartbeat(ctx, at.Ref(), at.ActivityID, at.Attempt, d); err != nil {
			return err
		}
		if err := w.queue.ExtendLease(ctx, task, w.cfg.Lease); err != nil && !errors.Is(err, schema.ErrLeaseLost) {
			w.logger.DebugContext(ctx, "could not extend activity lease", "error", err)
		}
		return nil
	}
	out, err := w.executor.Execute(ctx, &executor.Task{
		Ref:              at.Ref(),
		WorkflowType:     at.WorkflowType,
		TaskQueue:        at.TaskQueue,
		ActivityID:       at.ActivityID,
		ActivityType:     at.ActivityType,
		Attempt:          at.Attempt,
		Input:            at.Input,
		Options:          at.Options,
		ScheduledAt:      at.ScheduledAt,
		HeartbeatDetails: details,
	}, heartbeat)
	if err != nil {
		return err
	}
	if out.Failure != nil {
		return w.orc.FailActivity(ctx, at.Ref(), at.ActivityID, at.Attempt, out.Failure)
	}
	return w.orc.CompleteActivity(ctx, at.Ref(), at.ActivityID, at.Attempt, out.Result)
}

// ack and release use a fresh context so leases settle during shutdown.
func (w *Worker) ack(task *queue.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Complete(ctx, task); err != nil && !errors.Is(err, schema.ErrLeaseLost) {
		w.logger.Warn("could not acknowledge task", "task_id", task.ID, "error", err)
	}
}

func (w *Worker) release(task *queue.Task, after time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Fail(ctx, task, after); err != nil && !errors.Is(err, schema.ErrLeaseLost) {
		w.logger.Warn("could not release task", "task_id", task.ID, "error", err)
	}
}
