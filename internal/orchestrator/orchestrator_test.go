package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/executor"
	"github.com/rendis/loom/internal/metrics"
	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/streaming"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

const testQueue = "test"

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv drives an orchestrator the way a worker would, one task at a time,
// on a clock that only moves when the test says so.
type testEnv struct {
	t       *testing.T
	clock   *fakeClock
	store   store.Store
	queue   *queue.MemoryQueue
	reg     *registry.Registry
	hub     *streaming.MemoryHub
	metrics *metrics.Metrics
	orc     *Orchestrator
	exec    *executor.Executor
	dropped int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, register func(t *testing.T, r *registry.Registry)) *testEnv {
	t.Helper()
	reg, err := registry.New(nil)
	require.NoError(t, err)
	register(t, reg)

	e := &testEnv{
		t:       t,
		clock:   &fakeClock{now: testStart},
		store:   store.NewMemoryStore(),
		reg:     reg,
		hub:     streaming.NewMemoryHub(),
		metrics: metrics.New(),
	}
	e.queue = e.newQueue()
	e.orc = e.newOrchestrator(e.store, e.queue)
	e.exec = executor.New(reg, nil, discardLogger())
	return e
}

func (e *testEnv) newQueue() *queue.MemoryQueue {
	q := queue.NewMemoryQueue(queue.Options{PollTimeout: 10 * time.Millisecond, Now: e.clock.Now})
	e.t.Cleanup(func() { _ = q.Close() })
	return q
}

func (e *testEnv) newOrchestrator(st store.Store, q queue.TaskQueue) *Orchestrator {
	o, err := New(Options{
		Store:    st,
		Queue:    q,
		Registry: e.reg,
		Hub:      e.hub,
		Metrics:  e.metrics,
		Logger:   discardLogger(),
		Config:   Config{TaskQueue: testQueue, Now: e.clock.Now},
	})
	require.NoError(e.t, err)
	e.t.Cleanup(o.Close)
	return o
}

func (e *testEnv) start(workflowID, wfType string, input any) *schema.Execution {
	e.t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(e.t, err)
	exec, created, err := e.orc.StartWorkflow(context.Background(), StartRequest{
		WorkflowID:   workflowID,
		WorkflowType: wfType,
		Input:        raw,
	})
	require.NoError(e.t, err)
	require.True(e.t, created)
	return exec
}

// handle processes one task of kind and reports whether there was one.
func (e *testEnv) handle(kind string) bool {
	e.t.Helper()
	ctx := context.Background()
	task, err := e.queue.Poll(ctx, QueueName(testQueue, kind), time.Minute)
	require.NoError(e.t, err)
	if task == nil {
		return false
	}
	switch kind {
	case queue.KindWorkflow:
		wt, err := Decode[WorkflowTask](task)
		require.NoError(e.t, err)
		require.NoError(e.t, e.orc.ProcessWorkflowTask(ctx, wt.Ref()))
	case queue.KindActivity:
		at, err := Decode[ActivityTask](task)
		require.NoError(e.t, err)
		e.runActivity(ctx, at)
	case queue.KindTimer:
		tt, err := Decode[TimerTask](task)
		require.NoError(e.t, err)
		require.NoError(e.t, e.orc.HandleTimer(ctx, tt))
	}
	require.NoError(e.t, e.queue.Complete(ctx, task))
	return true
}

func (e *testEnv) runActivity(ctx context.Context, at ActivityTask) {
	details, err := e.orc.RecordActivityStarted(ctx, at)
	if IsDroppable(err) {
		e.dropped++
		return
	}
	require.NoError(e.t, err)

	out, err := e.exec.Execute(ctx, &executor.Task{
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
	}, func(ctx context.Context, d json.RawMessage) error {
		return e.orc.RecordActivityHeartbeat(ctx, at.Ref(), at.ActivityID, at.Attempt, d)
	})
	require.NoError(e.t, err)
	if out.Failure != nil {
		err = e.orc.FailActivity(ctx, at.Ref(), at.ActivityID, at.Attempt, out.Failure)
	} else {
		err = e.orc.CompleteActivity(ctx, at.Ref(), at.ActivityID, at.Attempt, out.Result)
	}
	if IsDroppable(err) {
		e.dropped++
		return
	}
	require.NoError(e.t, err)
}

// settle handles visible tasks of the given kinds until none are left.
func (e *testEnv) settle(kinds ...string) {
	e.t.Helper()
	if len(kinds) == 0 {
		kinds = []string{queue.KindWorkflow, queue.KindActivity, queue.KindTimer}
	}
	for i := 0; i < 200; i++ {
		handled := false
		for _, k := range kinds {
			for e.handle(k) {
				handled = true
			}
		}
		if !handled {
			return
		}
	}
	e.t.Fatal("tasks kept coming")
}

func (e *testEnv) execution(ref schema.ExecutionRef) *schema.Execution {
	e.t.Helper()
	exec, err := e.store.GetExecution(context.Background(), ref)
	require.NoError(e.t, err)
	return exec
}

func (e *testEnv) history(ref schema.ExecutionRef) []schema.Event {
	e.t.Helper()
	h, err := e.store.ReadHistory(context.Background(), ref, 0)
	require.NoError(e.t, err)
	return h
}

func (e *testEnv) types(ref schema.ExecutionRef) []schema.EventType {
	var out []schema.EventType
	for _, ev := range e.history(ref) {
		out = append(out, ev.Type)
	}
	return out
}

func (e *testEnv) metricsBody() string {
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func attrsOf[T any](t *testing.T, history []schema.Event, typ schema.EventType) []T {
	t.Helper()
	var out []T
	for _, ev := range history {
		if ev.Type != typ {
			continue
		}
		var a T
		require.NoError(t, ev.Decode(&a))
		out = append(out, a)
	}
	return out
}

func registerGreet(t *testing.T, r *registry.Registry) {
	require.NoError(t, registry.RegisterActivity(r, "greet", func(_ context.Context, name string) (string, error) {
		return "hello " + name, nil
	}))
	require.NoError(t, registry.RegisterWorkflow(r, "hello", func(ctx workflow.Context, name string) (string, error) {
		var out string
		err := workflow.ExecuteActivity(ctx, "greet", name).Get(ctx, &out)
		return out, err
	}))
}

func TestHelloWorld(t *testing.T) {
	e := newTestEnv(t, registerGreet)
	events, cancel, err := e.hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: "hello-1"})
	require.NoError(t, err)
	defer cancel()

	exec := e.start("hello-1", "hello", "loom")
	e.settle()

	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.JSONEq(t, `"hello loom"`, string(got.Result))
	assert.Equal(t, []schema.EventType{
		schema.EventWorkflowStarted,
		schema.EventWorkflowTaskCompleted,
		schema.EventActivityScheduled,
		schema.EventActivityStarted,
		schema.EventActivityCompleted,
		schema.EventWorkflowTaskCompleted,
		schema.EventWorkflowCompleted,
	}, e.types(exec.Ref()))

	select {
	case ev := <-events:
		assert.Equal(t, schema.StatusCompleted, ev.Status)
		assert.Equal(t, exec.RunID, ev.RunID)
		assert.JSONEq(t, `"hello loom"`, string(ev.Result))
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	assert.Contains(t, e.metricsBody(), `loom_workflow_executions_closed_total{status="completed",workflow_type="hello"} 1`)
}

func TestStartWorkflow_DuplicateReturnsExistingRun(t *testing.T) {
	e := newTestEnv(t, registerGreet)
	first := e.start("dup", "hello", "a")

	for _, policy := range []schema.IDReusePolicy{schema.ReuseRejectDuplicate, schema.ReuseAllowDuplicate} {
		exec, created, err := e.orc.StartWorkflow(context.Background(), StartRequest{
			WorkflowID:    "dup",
			WorkflowType:  "hello",
			Input:         json.RawMessage(`"b"`),
			IDReusePolicy: policy,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.RunID, exec.RunID)
	}

	e.settle()
	exec, created, err := e.orc.StartWorkflow(context.Background(), StartRequest{
		WorkflowID:    "dup",
		WorkflowType:  "hello",
		Input:         json.RawMessage(`"b"`),
		IDReusePolicy: schema.ReuseAllowDuplicate,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.RunID, exec.RunID)
}

func TestStartWorkflow_RejectsBadRequests(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		registerGreet(t, r)
		require.NoError(t, registry.RegisterWorkflow(r, "strict", func(_ workflow.Context, in map[string]any) (int, error) {
			return len(in), nil
		}, registry.WithInputSchema(`{"type":"object","required":["name"]}`)))
	})
	ctx := context.Background()

	_, _, err := e.orc.StartWorkflow(ctx, StartRequest{WorkflowType: "ghost"})
	assert.ErrorIs(t, err, schema.ErrTypeNotRegistered)

	_, _, err = e.orc.StartWorkflow(ctx, StartRequest{WorkflowType: "strict", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestActivityRetryBackoff(t *testing.T) {
	var calls atomic.Int32
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterActivity(r, "flaky", func(context.Context, string) (string, error) {
			if calls.Add(1) <= 2 {
				return "", errors.New("upstream unavailable")
			}
			return "ok", nil
		}))
		require.NoError(t, registry.RegisterWorkflow(r, "retrying", func(ctx workflow.Context, in string) (string, error) {
			ctx = workflow.WithActivityOptions(ctx, schema.ActivityOptions{
				RetryPolicy: &schema.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumAttempts: 5},
			})
			var out string
			err := workflow.ExecuteActivity(ctx, "flaky", in).Get(ctx, &out)
			return out, err
		}))
	})
	exec := e.start("retry-1", "retrying", "x")

	e.settle()
	failed := attrsOf[schema.ActivityFailedAttributes](t, e.history(exec.Ref()), schema.EventActivityFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, time.Second, failed[0].NextRetryDelay)
	assert.False(t, failed[0].Final)

	e.clock.Advance(999 * time.Millisecond)
	e.settle()
	assert.Equal(t, int32(1), calls.Load(), "retry ran before its delay")

	e.clock.Advance(time.Millisecond)
	e.settle()
	failed = attrsOf[schema.ActivityFailedAttributes](t, e.history(exec.Ref()), schema.EventActivityFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, 2*time.Second, failed[1].NextRetryDelay)

	e.clock.Advance(2 * time.Second)
	e.settle()

	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.JSONEq(t, `"ok"`, string(got.Result))
	assert.Equal(t, int32(3), calls.Load())

	history := e.history(exec.Ref())
	var attempts []int
	for _, a := range attrsOf[schema.ActivityStartedAttributes](t, history, schema.EventActivityStarted) {
		attempts = append(attempts, a.Attempt)
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	// Non-final failures are not delivered to workflow code.
	assert.Len(t, attrsOf[schema.WorkflowTaskCompletedAttributes](t, history, schema.EventWorkflowTaskCompleted), 2)
}

func TestScheduleToStartTimeout_FailsEachAttempt(t *testing.T) {
	var calls atomic.Int32
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterActivity(r, "neglected", func(context.Context, string) (string, error) {
			calls.Add(1)
			return "", nil
		}))
		require.NoError(t, registry.RegisterWorkflow(r, "waiting", func(ctx workflow.Context, in string) (string, error) {
			ctx = workflow.WithActivityOptions(ctx, schema.ActivityOptions{
				ScheduleToStartTimeout: 100 * time.Millisecond,
				RetryPolicy:            &schema.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumAttempts: 3},
			})
			return "", workflow.ExecuteActivity(ctx, "neglected", in).Get(ctx, nil)
		}))
	})
	exec := e.start("s2s-1", "waiting", "x")
	noActivities := []string{queue.KindWorkflow, queue.KindTimer}

	e.settle(noActivities...)
	e.clock.Advance(100 * time.Millisecond)
	e.settle(noActivities...)
	e.clock.Advance(1100 * time.Millisecond)
	e.settle(noActivities...)
	e.clock.Advance(2100 * time.Millisecond)
	e.settle(noActivities...)

	failed := attrsOf[schema.ActivityFailedAttributes](t, e.history(exec.Ref()), schema.EventActivityFailed)
	require.Len(t, failed, 3)
	for i, f := range failed {
		assert.Equal(t, i+1, f.Attempt)
		assert.Equal(t, i == 2, f.Final)
		assert.Equal(t, schema.FailureTimeout, f.Failure.Kind)
		assert.Equal(t, schema.TimeoutScheduleToStart, f.Failure.TimeoutType)
	}
	assert.Equal(t, schema.StatusFailed, e.execution(exec.Ref()).Status)

	// The attempts' tasks are still queued; they are recognized as stale.
	e.settle(queue.KindActivity)
	assert.Equal(t, 3, e.dropped)
	assert.Zero(t, calls.Load())
}

func TestServerSideHeartbeatTimeout(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterActivity(r, "long", func(context.Context, string) (string, error) {
			return "", nil
		}))
		require.NoError(t, registry.RegisterWorkflow(r, "watched", func(ctx workflow.Context, in string) (string, error) {
			ctx = workflow.WithActivityOptions(ctx, schema.ActivityOptions{
				StartToCloseTimeout: time.Hour,
				HeartbeatTimeout:    10 * time.Second,
				RetryPolicy:         &schema.RetryPolicy{MaximumAttempts: 1},
			})
			return "", workflow.ExecuteActivity(ctx, "long", in).Get(ctx, nil)
		}))
	})
	ctx := context.Background()
	exec := e.start("hb-1", "watched", "x")
	e.settle(queue.KindWorkflow)

	// A worker claims the attempt and then goes silent.
	task, err := e.queue.Poll(ctx, QueueName(testQueue, queue.KindActivity), time.Hour)
	require.NoError(t, err)
	require.NotNil(t, task)
	at, err := Decode[ActivityTask](task)
	require.NoError(t, err)
	_, err = e.orc.RecordActivityStarted(ctx, at)
	require.NoError(t, err)

	e.clock.Advance(5 * time.Second)
	require.NoError(t, e.orc.RecordActivityHeartbeat(ctx, at.Ref(), at.ActivityID, at.Attempt, json.RawMessage(`1`)))

	e.clock.Advance(6 * time.Second)
	e.settle(queue.KindWorkflow, queue.KindTimer)
	assert.Equal(t, schema.StatusRunning, e.execution(exec.Ref()).Status, "heartbeat at 5s keeps the attempt alive until 15s")

	e.clock.Advance(4 * time.Second)
	e.settle(queue.KindWorkflow, queue.KindTimer)

	failed := attrsOf[schema.ActivityFailedAttributes](t, e.history(exec.Ref()), schema.EventActivityFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, schema.TimeoutHeartbeat, failed[0].Failure.TimeoutType)
	assert.True(t, failed[0].Final)
	assert.Equal(t, schema.StatusFailed, e.execution(exec.Ref()).Status)

	err = e.orc.RecordActivityHeartbeat(ctx, at.Ref(), at.ActivityID, at.Attempt, nil)
	assert.ErrorIs(t, err, schema.ErrExecutionClosed)
}

// racingStore appends a signal behind the orchestrator's back right before
// its first workflow task append.
type racingStore struct {
	store.Store
	once   sync.Once
	inject func()
}

func (s *racingStore) AppendHistory(ctx context.Context, ref schema.ExecutionRef, expected int64, events []schema.Event, opts store.AppendOptions) (store.AppendResult, error) {
	if opts.CompleteWorkflowTask {
		s.once.Do(s.inject)
	}
	return s.Store.AppendHistory(ctx, ref, expected, events, opts)
}

func TestWorkflowTask_ConflictRecomputes(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterWorkflow(r, "greeter", func(ctx workflow.Context, name string) (string, error) {
			greeting := "hello"
			workflow.GetSignalChannel(ctx, "greeting").ReceiveAsync(&greeting)
			return greeting + " " + name, nil
		}))
	})
	exec := e.start("race-1", "greeter", "loom")
	ref := exec.Ref()

	racing := &racingStore{Store: e.store}
	racing.inject = func() {
		_, err := e.store.AppendHistory(context.Background(), ref, 1, []schema.Event{
			schema.MustEvent(schema.EventSignalReceived, e.clock.Now(),
				schema.SignalReceivedAttributes{Name: "greeting", Payload: json.RawMessage(`"hi"`)}),
		}, store.AppendOptions{ScheduleWorkflowTask: true})
		require.NoError(t, err)
	}
	e.orc = e.newOrchestrator(racing, e.queue)
	e.settle()

	got := e.execution(ref)
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.JSONEq(t, `"hi loom"`, string(got.Result))
	assert.Equal(t, []schema.EventType{
		schema.EventWorkflowStarted,
		schema.EventSignalReceived,
		schema.EventWorkflowTaskCompleted,
		schema.EventWorkflowCompleted,
	}, e.types(ref))
	assert.Contains(t, e.metricsBody(), `loom_history_version_conflicts_total{operation="workflow_task"} 1`)
}

func TestWorkflowTask_ConcurrentProcessorsAppendOnce(t *testing.T) {
	e := newTestEnv(t, registerGreet)
	exec := e.start("race-2", "hello", "loom")
	other := e.newOrchestrator(e.store, e.queue)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, o := range []*Orchestrator{e.orc, other} {
		wg.Add(1)
		go func(i int, o *Orchestrator) {
			defer wg.Done()
			errs[i] = o.ProcessWorkflowTask(context.Background(), exec.Ref())
		}(i, o)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, []schema.EventType{
		schema.EventWorkflowStarted,
		schema.EventWorkflowTaskCompleted,
		schema.EventActivityScheduled,
	}, e.types(exec.Ref()))
}

func TestContinueAsNew(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterWorkflow(r, "counter", func(ctx workflow.Context, n int) (int, error) {
			if n < 2 {
				return 0, workflow.NewContinueAsNewError(ctx, n+1)
			}
			return n, nil
		}))
	})
	first := e.start("counter-1", "counter", 0)
	e.settle()

	ctx := context.Background()
	runs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "counter-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	firstRun := e.execution(first.Ref())
	assert.Equal(t, schema.StatusContinuedAsNew, firstRun.Status)
	require.NotEmpty(t, firstRun.ContinuedTo)

	second := e.execution(schema.ExecutionRef{WorkflowID: "counter-1", RunID: firstRun.ContinuedTo})
	assert.Equal(t, first.RunID, second.ContinuedFrom)
	assert.JSONEq(t, `1`, string(second.Input))

	current, err := e.store.GetCurrentExecution(ctx, "counter-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, current.Status)
	assert.JSONEq(t, `2`, string(current.Result))
	assert.Equal(t, second.ContinuedTo, current.RunID)
}

func TestSignalWorkflow(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterWorkflow(r, "waiter", func(ctx workflow.Context, _ string) (string, error) {
			var name string
			if err := workflow.GetSignalChannel(ctx, "name").Receive(ctx, &name); err != nil {
				return "", err
			}
			return "hello " + name, nil
		}))
	})
	exec := e.start("sig-1", "waiter", "")
	e.settle()
	assert.Equal(t, schema.StatusRunning, e.execution(exec.Ref()).Status)

	ctx := context.Background()
	err := e.orc.SignalWorkflow(ctx, schema.ExecutionRef{WorkflowID: "sig-1"}, "__loom_internal", nil)
	assert.Error(t, err)

	require.NoError(t, e.orc.SignalWorkflow(ctx, schema.ExecutionRef{WorkflowID: "sig-1"}, "name", json.RawMessage(`"loom"`)))
	e.settle()
	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.JSONEq(t, `"hello loom"`, string(got.Result))

	err = e.orc.SignalWorkflow(ctx, exec.Ref(), "name", json.RawMessage(`"late"`))
	assert.ErrorIs(t, err, schema.ErrExecutionClosed)
}

func registerSleeper(t *testing.T, r *registry.Registry) {
	require.NoError(t, registry.RegisterWorkflow(r, "sleeper", func(ctx workflow.Context, _ string) (string, error) {
		return "", workflow.Sleep(ctx, time.Hour)
	}, registry.WithExecutionTimeout(time.Minute)))
	require.NoError(t, registry.RegisterWorkflow(r, "stubborn", func(ctx workflow.Context, _ string) (string, error) {
		err := workflow.Sleep(ctx, time.Hour)
		if errors.Is(err, workflow.ErrCanceled) {
			_ = workflow.Sleep(workflow.WithoutCancel(ctx), 2*time.Hour)
		}
		return "", err
	}))
}

func TestRequestCancel(t *testing.T) {
	e := newTestEnv(t, registerSleeper)
	exec := e.start("cancel-1", "stubborn", "")
	e.settle()

	ctx := context.Background()
	require.NoError(t, e.orc.RequestCancel(ctx, exec.Ref(), "operator"))
	require.NoError(t, e.orc.RequestCancel(ctx, exec.Ref(), "again"))
	e.settle()
	assert.Equal(t, schema.StatusRunning, e.execution(exec.Ref()).Status)
	assert.Len(t, attrsOf[schema.CancelRequestedAttributes](t, e.history(exec.Ref()), schema.EventCancelRequested), 1)

	e.clock.Advance(30 * time.Second)
	e.settle()
	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusTerminated, got.Status)
	require.NotNil(t, got.Failure)
	assert.Contains(t, got.Failure.Message, "cancellation")
}

func TestRequestCancel_WorkflowHonoursIt(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterWorkflow(r, "napper", func(ctx workflow.Context, _ string) (string, error) {
			return "", workflow.Sleep(ctx, time.Hour)
		}))
	})
	exec := e.start("cancel-2", "napper", "")
	e.settle()

	require.NoError(t, e.orc.RequestCancel(context.Background(), exec.Ref(), "no longer needed"))
	e.settle()
	assert.Equal(t, schema.StatusCancelled, e.execution(exec.Ref()).Status)

	// The hard timeout fires later and finds nothing to do.
	e.clock.Advance(time.Minute)
	e.settle()
	assert.Equal(t, schema.StatusCancelled, e.execution(exec.Ref()).Status)
}

func TestWorkflowExecutionTimeout(t *testing.T) {
	e := newTestEnv(t, registerSleeper)
	exec := e.start("timeout-1", "sleeper", "")
	e.settle()

	e.clock.Advance(time.Minute)
	e.settle()
	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusTimedOut, got.Status)

	e.clock.Advance(time.Hour)
	e.settle()
	types := e.types(exec.Ref())
	assert.Equal(t, schema.EventWorkflowTimedOut, types[len(types)-1])
}

func TestTerminate_DropsLateCompletion(t *testing.T) {
	e := newTestEnv(t, registerGreet)
	ctx := context.Background()
	events, cancel, err := e.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: "term-1"})
	require.NoError(t, err)
	defer cancel()

	exec := e.start("term-1", "hello", "loom")
	e.settle(queue.KindWorkflow)

	task, err := e.queue.Poll(ctx, QueueName(testQueue, queue.KindActivity), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	at, err := Decode[ActivityTask](task)
	require.NoError(t, err)
	_, err = e.orc.RecordActivityStarted(ctx, at)
	require.NoError(t, err)

	require.NoError(t, e.orc.Terminate(ctx, schema.ExecutionRef{WorkflowID: "term-1"}, "shutting down"))
	err = e.orc.CompleteActivity(ctx, at.Ref(), at.ActivityID, at.Attempt, json.RawMessage(`"late"`))
	assert.ErrorIs(t, err, schema.ErrExecutionClosed)

	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusTerminated, got.Status)
	assert.Equal(t, "shutting down", got.Failure.Message)

	select {
	case ev := <-events:
		assert.Equal(t, schema.EventWorkflowTerminated, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
}

func TestActivityStaleAttempts(t *testing.T) {
	e := newTestEnv(t, registerGreet)
	ctx := context.Background()
	exec := e.start("stale-1", "hello", "loom")
	e.settle(queue.KindWorkflow)

	task, err := e.queue.Poll(ctx, QueueName(testQueue, queue.KindActivity), time.Minute)
	require.NoError(t, err)
	at, err := Decode[ActivityTask](task)
	require.NoError(t, err)

	err = e.orc.CompleteActivity(ctx, exec.Ref(), at.ActivityID, at.Attempt, nil)
	assert.ErrorIs(t, err, schema.ErrStaleTask, "completion before start")

	_, err = e.orc.RecordActivityStarted(ctx, at)
	require.NoError(t, err)
	_, err = e.orc.RecordActivityStarted(ctx, at)
	assert.ErrorIs(t, err, schema.ErrStaleTask, "duplicate delivery")

	err = e.orc.CompleteActivity(ctx, exec.Ref(), at.ActivityID, at.Attempt+1, nil)
	assert.ErrorIs(t, err, schema.ErrStaleTask, "wrong attempt")

	require.NoError(t, e.orc.CompleteActivity(ctx, exec.Ref(), at.ActivityID, at.Attempt, json.RawMessage(`"hello loom"`)))
	err = e.orc.CompleteActivity(ctx, exec.Ref(), at.ActivityID, at.Attempt, json.RawMessage(`"again"`))
	assert.ErrorIs(t, err, schema.ErrStaleTask, "second completion")
}

func TestNonDeterminismFailsRun(t *testing.T) {
	var useTimer atomic.Bool
	useTimer.Store(true)
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		registerGreet(t, r)
		require.NoError(t, registry.RegisterWorkflow(r, "fickle", func(ctx workflow.Context, _ string) (string, error) {
			if useTimer.Load() {
				workflow.NewTimer(ctx, time.Hour)
			} else {
				workflow.ExecuteActivity(ctx, "greet", "x")
			}
			var s string
			err := workflow.GetSignalChannel(ctx, "go").Receive(ctx, &s)
			return s, err
		}))
	})
	exec := e.start("fickle-1", "fickle", "")
	e.settle(queue.KindWorkflow)

	useTimer.Store(false)
	e.orc.cache.Purge()
	require.NoError(t, e.orc.SignalWorkflow(context.Background(), exec.Ref(), "go", json.RawMessage(`"now"`)))
	e.settle(queue.KindWorkflow)

	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, schema.FailureNonDeterminism, got.Failure.Kind)
	assert.Contains(t, e.metricsBody(), `loom_workflow_nondeterminism_total{workflow_type="fickle"} 1`)
}

func TestRecover_RebuildsLostTasks(t *testing.T) {
	e := newTestEnv(t, registerGreet)
	exec := e.start("lost-1", "hello", "loom")
	e.settle(queue.KindWorkflow)

	// The process dies: its queue and cache are gone, history survives.
	e.queue = e.newQueue()
	e.orc = e.newOrchestrator(e.store, e.queue)

	n, err := e.orc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.settle()
	got := e.execution(exec.Ref())
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.JSONEq(t, `"hello loom"`, string(got.Result))
}

func TestDescribe(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		registerGreet(t, r)
		require.NoError(t, registry.RegisterWorkflow(r, "busy", func(ctx workflow.Context, name string) (string, error) {
			f := workflow.ExecuteActivity(ctx, "greet", name)
			if err := workflow.Sleep(ctx, time.Minute); err != nil {
				return "", err
			}
			var out string
			return out, f.Get(ctx, &out)
		}))
	})
	exec := e.start("busy-1", "busy", "loom")
	e.settle(queue.KindWorkflow)

	d, err := e.orc.Describe(context.Background(), schema.ExecutionRef{WorkflowID: "busy-1"})
	require.NoError(t, err)
	assert.Equal(t, exec.RunID, d.Execution.RunID)
	assert.Equal(t, 4, d.HistoryLength)
	require.Len(t, d.PendingActivities, 1)
	assert.Equal(t, "greet", d.PendingActivities[0].ActivityType)
	assert.Equal(t, 1, d.PendingActivities[0].Attempt)
	require.Len(t, d.PendingTimers, 1)
	assert.Equal(t, testStart.Add(time.Minute), d.PendingTimers[0].FireAt)
}

// conflictOnceStore lets inject append behind the orchestrator's back right
// before the first append that carries an event of type trigger.
type conflictOnceStore struct {
	store.Store
	trigger schema.EventType
	once    sync.Once
	inject  func()
}

func (s *conflictOnceStore) AppendHistory(ctx context.Context, ref schema.ExecutionRef, expected int64, events []schema.Event, opts store.AppendOptions) (store.AppendResult, error) {
	for _, ev := range events {
		if ev.Type == s.trigger {
			s.once.Do(s.inject)
			break
		}
	}
	return s.Store.AppendHistory(ctx, ref, expected, events, opts)
}

func TestActivityAttemptCountedOnceAcrossConflict(t *testing.T) {
	e := newTestEnv(t, func(t *testing.T, r *registry.Registry) {
		require.NoError(t, registry.RegisterActivity(r, "broken", func(context.Context, string) (string, error) {
			return "", schema.NewNonRetryableApplicationError("nope", "Broken", nil)
		}))
		require.NoError(t, registry.RegisterWorkflow(r, "fragile", func(ctx workflow.Context, in string) (string, error) {
			return "", workflow.ExecuteActivity(ctx, "broken", in).Get(ctx, nil)
		}))
	})
	exec := e.start("count-1", "fragile", "x")
	ref := exec.Ref()

	conflicting := &conflictOnceStore{Store: e.store, trigger: schema.EventActivityFailed}
	conflicting.inject = func() {
		cur := e.execution(ref)
		_, err := e.store.AppendHistory(context.Background(), ref, cur.Version, []schema.Event{
			schema.MustEvent(schema.EventSignalReceived, e.clock.Now(),
				schema.SignalReceivedAttributes{Name: "noise"}),
		}, store.AppendOptions{})
		require.NoError(t, err)
	}
	e.orc = e.newOrchestrator(conflicting, e.queue)
	e.settle()

	assert.Equal(t, schema.StatusFailed, e.execution(ref).Status)
	require.Len(t, attrsOf[schema.ActivityFailedAttributes](t, e.history(ref), schema.EventActivityFailed), 1)
	body := e.metricsBody()
	assert.Contains(t, body, `loom_history_version_conflicts_total{operation="activity_failed"} 1`)
	assert.Contains(t, body, `loom_activity_attempts_total{activity_type="broken",outcome="application"} 1`)
}
