// Package executor runs single activity attempts. It enforces the attempt's
// start-to-close and heartbeat deadlines, recovers panics, and classifies the
// outcome into a history failure record. Deciding whether to retry is left to
// the orchestrator.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/pkg/activity"
	"github.com/rendis/loom/pkg/schema"
)

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errAttemptAbandoned = errors.New("attempt no longer current")
)

// Task describes one attempt of a scheduled activity.
type Task struct {
	Ref          schema.ExecutionRef
	WorkflowType string
	TaskQueue    string
	ActivityID   string
	ActivityType string
	Attempt      int
	Input        json.RawMessage
	Options      schema.ActivityOptions
	ScheduledAt  time.Time
	// HeartbeatDetails are the last details recorded by an earlier attempt.
	HeartbeatDetails json.RawMessage
}

// Outcome is the result of an attempt. Failure is nil on success.
type Outcome struct {
	Result   json.RawMessage
	Failure  *schema.Failure
	Duration time.Duration
}

// HeartbeatFunc persists a heartbeat for the running attempt. Returning
// schema.ErrStaleTask or schema.ErrExecutionClosed abandons the attempt.
type HeartbeatFunc func(ctx context.Context, details json.RawMessage) error

// Executor runs activity attempts. Safe for concurrent use.
type Executor struct {
	registry *registry.Registry
	breakers *engine.CircuitBreakerRegistry
	logger   *slog.Logger
}

// New creates an Executor. breakers may be nil to disable circuit breaking.
func New(reg *registry.Registry, breakers *engine.CircuitBreakerRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: reg, breakers: breakers, logger: logger}
}

// Execute runs one attempt of task. Activity failures are reported in the
// Outcome; an error means no outcome must be recorded, either because ctx
// was cancelled (the worker is shutting down) or because the attempt was
// superseded.
func (e *Executor) Execute(ctx context.Context, task *Task, heartbeat HeartbeatFunc) (Outcome, error) {
	started := time.Now()
	ctx = logging.WithActivityID(logging.WithRunID(logging.WithWorkflowID(ctx, task.Ref.WorkflowID), task.Ref.RunID), task.ActivityID)
	logger := e.logger.With("activity_type", task.ActivityType, "attempt", task.Attempt)

	def, err := e.registry.Activity(task.ActivityType)
	if err != nil {
		return Outcome{Failure: &schema.Failure{
			Kind:         schema.FailureApplication,
			Message:      err.Error(),
			Type:         "ActivityTypeNotRegistered",
			NonRetryable: true,
		}}, nil
	}
	if err := e.breakers.Allow(task.ActivityType); err != nil {
		logger.WarnContext(ctx, "circuit open, failing attempt fast")
		return Outcome{Failure: &schema.Failure{
			Kind:    schema.FailureApplication,
			Message: err.Error(),
			Type:    "CircuitOpen",
		}}, nil
	}

	opts := task.Options.WithDefaults()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	deadline := started.Add(opts.StartToCloseTimeout)
	runCtx, cancelTimeout := context.WithDeadline(runCtx, deadline)
	defer cancelTimeout()

	rec := &heartbeatRecorder{
		persist:  heartbeat,
		last:     task.HeartbeatDetails,
		lastBeat: started,
		abandon:  func() { cancel(errAttemptAbandoned) },
	}
	if opts.HeartbeatTimeout > 0 {
		go rec.watch(runCtx, opts.HeartbeatTimeout, func() { cancel(errHeartbeatTimeout) })
	}

	info := activity.Info{
		WorkflowID:       task.Ref.WorkflowID,
		RunID:            task.Ref.RunID,
		WorkflowType:     task.WorkflowType,
		ActivityID:       task.ActivityID,
		ActivityType:     task.ActivityType,
		TaskQueue:        task.TaskQueue,
		Attempt:          task.Attempt,
		ScheduledAt:      task.ScheduledAt,
		StartedAt:        started,
		Deadline:         deadline,
		HeartbeatTimeout: opts.HeartbeatTimeout,
	}
	actx := activity.NewContext(runCtx, info, rec, logger)

	logger.DebugContext(ctx, "activity attempt started")
	result, runErr := invoke(actx, def.Handler, task.Input)
	out := Outcome{Duration: time.Since(started)}

	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errAttemptAbandoned):
		return Outcome{}, schema.NewErrorf(schema.ErrCodeStaleTask,
			"activity %s attempt %d abandoned", task.ActivityID, task.Attempt)
	case ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	case errors.Is(cause, errHeartbeatTimeout):
		out.Failure = schema.FailureFromError(schema.NewTimeoutError(schema.TimeoutHeartbeat,
			fmt.Sprintf("no heartbeat within %s", opts.HeartbeatTimeout)))
	case runErr == nil && runCtx.Err() == nil:
		out.Result = result
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Failure = schema.FailureFromError(schema.NewTimeoutError(schema.TimeoutStartToClose,
			fmt.Sprintf("attempt exceeded %s", opts.StartToCloseTimeout)))
	default:
		out.Failure = schema.FailureFromError(runErr)
	}

	e.breakers.Record(task.ActivityType, out.Failure)
	if out.Failure != nil {
		logger.InfoContext(ctx, "activity attempt failed",
			"kind", out.Failure.Kind, "error", out.Failure.Message, "duration", out.Duration)
	} else {
		logger.DebugContext(ctx, "activity attempt completed", "duration", out.Duration)
	}
	return out, nil
}

type invokeResult struct {
	out json.RawMessage
	err error
}

// invoke runs the handler on its own goroutine so a handler that ignores its
// context cannot hold the attempt past its deadline. Such a handler keeps
// running in the background until it returns.
func invoke(ctx context.Context, handler registry.ActivityHandler, input json.RawMessage) (json.RawMessage, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: schema.NewPanicError(r, string(debug.Stack()))}
			}
		}()
		out, err := handler(ctx, input)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// heartbeatRecorder implements activity.HeartbeatRecorder for one attempt.
type heartbeatRecorder struct {
	persist HeartbeatFunc
	abandon func()

	mu       sync.Mutex
	last     json.RawMessage
	lastBeat time.Time
}

func (r *heartbeatRecorder) RecordHeartbeat(ctx context.Context, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode heartbeat details").WithCause(err)
	}
	r.mu.Lock()
	r.last = raw
	r.lastBeat = time.Now()
	r.mu.Unlock()

	if r.persist == nil {
		return nil
	}
	if err := r.persist(ctx, raw); err != nil {
		if errors.Is(err, schema.ErrStaleTask) || errors.Is(err, schema.ErrExecutionClosed) {
			r.abandon()
		}
		return err
	}
	return nil
}

func (r *heartbeatRecorder) LastDetails() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *heartbeatRecorder) sinceLastBeat() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastBeat)
}

// watch calls expire once no heartbeat has been seen for timeout.
func (r *heartbeatRecorder) watch(ctx context.Context, timeout time.Duration, expire func()) {
	interval := timeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.sinceLastBeat() > timeout {
				expire()
				return
			}
		}
	}
}
