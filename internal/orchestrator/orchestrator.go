// Package orchestrator turns workflow decisions into history and history into
// dispatched tasks.
//
// Every state change of a run is an optimistic append to its history,
// guarded by the run's version and serialized per run by a Locker. Tasks are
// enqueued only after the append that justifies them succeeded, and every
// task handler first checks history to recognize redelivered or outdated
// tasks. Tasks lost between an append and its enqueue are rebuilt by Recover.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/locks"
	"github.com/rendis/loom/internal/metrics"
	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/internal/replay"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/streaming"
	"github.com/rendis/loom/pkg/schema"
)

// DefaultTaskQueue is used when a start names no task queue.
const DefaultTaskQueue = "default"

// Config tunes the orchestrator.
type Config struct {
	// TaskQueue is the default task queue for new runs.
	TaskQueue string
	// CancelTimeout is how long a run may take to honour a cancel request
	// before it is terminated.
	CancelTimeout time.Duration
	// ConflictRetries bounds how often an operation re-reads history after
	// losing an append race.
	ConflictRetries int
	// CacheSize bounds the number of runs kept in memory between tasks.
	CacheSize int
	// Identity is recorded on the events this process appends.
	Identity string
	Now      func() time.Time
}

// DefaultConfig returns a 30 second cancel timeout.
func DefaultConfig() Config {
	return Config{
		TaskQueue:       DefaultTaskQueue,
		CancelTimeout:   30 * time.Second,
		ConflictRetries: 5,
		CacheSize:       replay.DefaultCacheSize,
		Now:             time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TaskQueue == "" {
		c.TaskQueue = d.TaskQueue
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = d.ConflictRetries
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Options are the orchestrator's collaborators. Store, Queue and Registry
// are required.
type Options struct {
	Store    store.Store
	Queue    queue.TaskQueue
	Registry *registry.Registry
	// Locker defaults to an in-process KeyedMutex.
	Locker locks.Locker
	// Hub receives a notification whenever a run closes. Optional.
	Hub     streaming.Hub
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Config  Config
}

// Orchestrator owns every write to run history.
type Orchestrator struct {
	store    store.Store
	queue    queue.TaskQueue
	registry *registry.Registry
	locker   locks.Locker
	hub      streaming.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config

	replay *replay.Engine
	cache  *replay.Cache
	fsm    *engine.ExecutionFSM
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator needs a store, a queue and a registry")
	}
	if opts.Locker == nil {
		opts.Locker = locks.NewKeyedMutex()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()
	cache, err := replay.NewCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:    opts.Store,
		queue:    opts.Queue,
		registry: opts.Registry,
		locker:   opts.Locker,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		cfg:      cfg,
		replay:   replay.NewEngine(opts.Registry, opts.Logger),
		cache:    cache,
		fsm:      engine.NewExecutionFSM(),
	}, nil
}

// FSM returns the run status machine so callers can hook closing transitions.
func (o *Orchestrator) FSM() *engine.ExecutionFSM { return o.fsm }

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Close drops every cached run.
func (o *Orchestrator) Close() {
	o.cache.Purge()
}

func (o *Orchestrator) now() time.Time { return o.cfg.Now().UTC() }

// resolve fills an empty RunID with the workflow's current run.
func (o *Orchestrator) resolve(ctx context.Context, ref schema.ExecutionRef) (schema.ExecutionRef, error) {
	if ref.RunID != "" {
		return ref, nil
	}
	exec, err := o.store.GetCurrentExecution(ctx, ref.WorkflowID)
	if err != nil {
		return ref, err
	}
	return exec.Ref(), nil
}

func (o *Orchestrator) withLock(ctx context.Context, ref schema.ExecutionRef, fn func(context.Context) error) error {
	unlock, err := o.locker.Lock(ctx, ref.Key())
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// mutation is what an update appends. A nil mutation appends nothing.
type mutation struct {
	events []schema.Event
	opts   store.AppendOptions
	after  func(ctx context.Context, exec *schema.Execution)
}

// update runs a read-check-append cycle on an open run, starting over when
// the append loses a race. The caller must hold the run's lock.
func (o *Orchestrator) update(ctx context.Context, ref schema.ExecutionRef, op string,
	fn func(exec *schema.Execution, view *runView) (*mutation, error)) error {
	for attempt := 0; ; attempt++ {
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
		m, err := fn(exec, view)
		if err != nil || m == nil {
			return err
		}

		_, err = o.append(ctx, exec, lastSequence(history), m.events, m.opts, view)
		if errors.Is(err, schema.ErrVersionConflict) && attempt < o.cfg.ConflictRetries {
			o.metrics.VersionConflict(op)
			continue
		}
		if err != nil {
			return err
		}
		if m.after != nil {
			m.after(ctx, exec)
		}
		return nil
	}
}

// append commits events at expected and dispatches the tasks they call for.
// Closing events go through the status machine.
func (o *Orchestrator) append(ctx context.Context, exec *schema.Execution, expected int64,
	events []schema.Event, opts store.AppendOptions, view *runView) (store.AppendResult, error) {
	var res store.AppendResult
	commit := func() error {
		var err error
		res, err = o.store.AppendHistory(ctx, exec.Ref(), expected, events, opts)
		return err
	}
	var err error
	if to, ok := engine.CloseStatus(events[len(events)-1].Type); ok {
		err = o.fsm.Transition(ctx, exec.Ref(), exec.Status, to, commit)
	} else {
		err = commit()
	}
	if err != nil {
		return res, err
	}
	o.afterAppend(ctx, exec, res, view)
	return res, nil
}

// afterAppend enqueues the tasks implied by freshly appended events. Enqueue
// failures are logged; Recover rebuilds the missing tasks from history.
func (o *Orchestrator) afterAppend(ctx context.Context, exec *schema.Execution, res store.AppendResult, view *runView) {
	snap := *exec
	if err := store.Fold(&snap, res.Events); err != nil {
		o.logger.ErrorContext(ctx, "fold appended events", "error", err)
	}
	if res.WorkflowTaskScheduled {
		o.enqueueWorkflowTask(ctx, snap.Ref(), snap.TaskQueue)
	}

	for _, ev := range res.Events {
		switch ev.Type {
		case schema.EventActivityScheduled:
			var a schema.ActivityScheduledAttributes
			if ev.Decode(&a) == nil {
				o.dispatchActivity(ctx, &snap, scheduledActivity(a, ev.Timestamp), 1, ev.Timestamp)
			}
		case schema.EventActivityStarted:
			var a schema.ActivityStartedAttributes
			if ev.Decode(&a) == nil {
				if st := view.activity(a.ActivityID); st != nil {
					o.startAttemptTimers(ctx, &snap, st, a.Attempt, ev.Timestamp)
				}
			}
		case schema.EventActivityFailed:
			var a schema.ActivityFailedAttributes
			if ev.Decode(&a) == nil && !a.Final {
				if st := view.activity(a.ActivityID); st != nil {
					o.dispatchActivity(ctx, &snap, st, a.Attempt+1, ev.Timestamp.Add(a.NextRetryDelay))
				}
			}
		case schema.EventTimerStarted:
			var a schema.TimerStartedAttributes
			if ev.Decode(&a) == nil {
				o.enqueueTimer(ctx, snap.TaskQueue, TimerTask{
					WorkflowID: snap.WorkflowID, RunID: snap.RunID,
					Kind: TimerUser, TimerID: a.TimerID, FireAt: a.FireAt,
				})
			}
		case schema.EventCancelRequested:
			o.enqueueTimer(ctx, snap.TaskQueue, TimerTask{
				WorkflowID: snap.WorkflowID, RunID: snap.RunID,
				Kind: TimerCancelTimeout, FireAt: ev.Timestamp.Add(o.cfg.CancelTimeout),
			})
		}
	}

	if snap.Status.IsTerminal() {
		o.cache.Evict(snap.Ref())
		o.notifyClosed(ctx, &snap, res.Events[len(res.Events)-1])
	}
}

func (o *Orchestrator) notifyClosed(ctx context.Context, exec *schema.Execution, closing schema.Event) {
	o.metrics.ExecutionClosed(exec.WorkflowType, exec.Status)
	o.logger.InfoContext(ctx, "workflow closed", "workflow_type", exec.WorkflowType, "status", exec.Status)
	if o.hub == nil {
		return
	}
	err := o.hub.Publish(ctx, streaming.ExecutionEvent{
		WorkflowID:   exec.WorkflowID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		EventType:    closing.Type,
		Status:       exec.Status,
		Result:       exec.Result,
		Failure:      exec.Failure,
		ContinuedTo:  exec.ContinuedTo,
		Timestamp:    closing.Timestamp,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "publish execution closed", "error", err)
	}
}

// --- dispatch ---

func (o *Orchestrator) enqueue(ctx context.Context, taskQueue, kind string, payload any, visibleAt time.Time) {
	raw, err := json.Marshal(payload)
	if err == nil {
		err = o.queue.Enqueue(ctx, &queue.Task{
			Queue:     QueueName(taskQueue, kind),
			Kind:      kind,
			Payload:   raw,
			VisibleAt: visibleAt,
		})
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "enqueue task", "kind", kind, "error", err)
	}
}

func (o *Orchestrator) enqueueWorkflowTask(ctx context.Context, ref schema.ExecutionRef, taskQueue string) {
	o.enqueue(ctx, taskQueue, queue.KindWorkflow, WorkflowTask{WorkflowID: ref.WorkflowID, RunID: ref.RunID}, time.Time{})
}

func (o *Orchestrator) enqueueTimer(ctx context.Context, taskQueue string, t TimerTask) {
	o.enqueue(ctx, taskQueue, queue.KindTimer, t, t.FireAt)
}

// dispatchActivity makes attempt visible to activity workers at visibleAt and
// arms its schedule-to-start deadline.
func (o *Orchestrator) dispatchActivity(ctx context.Context, exec *schema.Execution, a *activityState, attempt int, visibleAt time.Time) {
	o.enqueue(ctx, exec.TaskQueue, queue.KindActivity, ActivityTask{
		WorkflowID:   exec.WorkflowID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		TaskQueue:    exec.TaskQueue,
		ActivityID:   a.ID,
		ActivityType: a.Type,
		Attempt:      attempt,
		Input:        a.Input,
		Options:      a.Options,
		ScheduledAt:  visibleAt,
	}, visibleAt)
	if d := a.Options.ScheduleToStartTimeout; d > 0 {
		o.enqueueTimer(ctx, exec.TaskQueue, TimerTask{
			WorkflowID: exec.WorkflowID, RunID: exec.RunID,
			Kind: TimerScheduleToStart, ActivityID: a.ID, Attempt: attempt,
			FireAt: visibleAt.Add(d),
		})
	}
}

// startAttemptTimers arms the deadlines of a started attempt. They back up
// the worker's own enforcement when the worker dies mid-attempt.
func (o *Orchestrator) startAttemptTimers(ctx context.Context, exec *schema.Execution, a *activityState, attempt int, startedAt time.Time) {
	opts := a.Options.WithDefaults()
	o.enqueueTimer(ctx, exec.TaskQueue, TimerTask{
		WorkflowID: exec.WorkflowID, RunID: exec.RunID,
		Kind: TimerStartToClose, ActivityID: a.ID, Attempt: attempt,
		FireAt: startedAt.Add(opts.StartToCloseTimeout),
	})
	if opts.HeartbeatTimeout > 0 {
		o.enqueueTimer(ctx, exec.TaskQueue, TimerTask{
			WorkflowID: exec.WorkflowID, RunID: exec.RunID,
			Kind: TimerHeartbeat, ActivityID: a.ID, Attempt: attempt,
			FireAt: startedAt.Add(opts.HeartbeatTimeout),
		})
	}
}

// runStarted dispatches the first workflow task of a new run and arms its
// execution timeout.
func (o *Orchestrator) runStarted(ctx context.Context, ref schema.ExecutionRef, taskQueue string, timeout time.Duration, startedAt time.Time) {
	o.enqueueWorkflowTask(ctx, ref, taskQueue)
	if timeout > 0 {
		o.enqueueTimer(ctx, taskQueue, TimerTask{
			WorkflowID: ref.WorkflowID, RunID: ref.RunID,
			Kind: TimerWorkflowTimeout, FireAt: startedAt.Add(timeout),
		})
	}
}

// closeRun appends a closing event to an open run. The caller must hold the
// run's lock.
func (o *Orchestrator) closeRun(ctx context.Context, ref schema.ExecutionRef, ev schema.Event) error {
	return o.update(ctx, ref, "close", func(*schema.Execution, *runView) (*mutation, error) {
		return &mutation{events: []schema.Event{ev}}, nil
	})
}

func lastSequence(history []schema.Event) int64 {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Sequence
}
