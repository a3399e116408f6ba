package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/executor"
	"github.com/rendis/loom/internal/orchestrator"
	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/streaming"
	"github.com/rendis/loom/internal/worker"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

func register(t *testing.T, r *registry.Registry) {
	require.NoError(t, registry.RegisterActivity(r, "shout", func(_ context.Context, s string) (string, error) {
		return strings.ToUpper(s), nil
	}))
	require.NoError(t, registry.RegisterWorkflow(r, "shout", func(ctx workflow.Context, s string) (string, error) {
		var out string
		err := workflow.ExecuteActivity(ctx, "shout", s).Get(ctx, &out)
		return out, err
	}))
	require.NoError(t, registry.RegisterWorkflow(r, "await-name", func(ctx workflow.Context, greeting string) (string, error) {
		var name string
		if err := workflow.GetSignalChannel(ctx, "name").Receive(ctx, &name); err != nil {
			return "", err
		}
		return greeting + " " + name, nil
	}))
	require.NoError(t, registry.RegisterWorkflow(r, "countdown", func(ctx workflow.Context, n int) (string, error) {
		if n > 0 {
			return "", workflow.NewContinueAsNewError(ctx, n-1)
		}
		return "liftoff", nil
	}))
	require.NoError(t, registry.RegisterWorkflow(r, "reject", func(workflow.Context, string) (string, error) {
		return "", schema.NewNonRetryableApplicationError("bad input", "BadInput", nil)
	}))
}

// newClient returns a client backed by a running in-process worker.
func newClient(t *testing.T, pollInterval time.Duration) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := registry.New(nil)
	require.NoError(t, err)
	register(t, reg)

	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Options{PollTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	hub := streaming.NewMemoryHub()
	orc, err := orchestrator.New(orchestrator.Options{Store: st, Queue: q, Registry: reg, Hub: hub, Logger: logger})
	require.NoError(t, err)

	w, err := worker.New(worker.Options{
		Orchestrator: orc,
		Queue:        q,
		Executor:     executor.New(reg, nil, logger),
		Logger:       logger,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	c, err := New(Options{Store: st, Orchestrator: orc, Hub: hub, Logger: logger, PollInterval: pollInterval})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		cancel()
		<-done
	})
	return c
}

func resultCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartWorkflowAndResult(t *testing.T) {
	// A long poll interval means only the close notification can wake Result.
	c := newClient(t, time.Hour)
	ctx := resultCtx(t)

	h, err := c.StartWorkflow(ctx, "shout", "hello world", StartWorkflowOptions{ID: "run-1"})
	require.NoError(t, err)
	assert.True(t, h.Created)
	assert.Equal(t, "run-1", h.WorkflowID)

	var out string
	require.NoError(t, h.Result(ctx, &out))
	assert.Equal(t, "HELLO WORLD", out)

	status, err := c.GetWorkflowStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, status.Status)
}

func TestStartWorkflow_RejectDuplicateReturnsExistingHandle(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	first, err := c.StartWorkflow(ctx, "await-name", "hi", StartWorkflowOptions{ID: "dup"})
	require.NoError(t, err)
	second, err := c.StartWorkflow(ctx, "await-name", "hey", StartWorkflowOptions{ID: "dup"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.RunID, second.RunID)

	require.NoError(t, second.Signal(ctx, "name", "loom"))
	var out string
	require.NoError(t, first.Result(ctx, &out))
	assert.Equal(t, "hi loom", out)
}

func TestStartWorkflow_UnknownType(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	_, err := c.StartWorkflow(context.Background(), "ghost", nil, StartWorkflowOptions{})
	assert.ErrorIs(t, err, schema.ErrTypeNotRegistered)
}

func TestResult_FollowsContinueAsNew(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	h, err := c.StartWorkflow(ctx, "countdown", 3, StartWorkflowOptions{ID: "countdown"})
	require.NoError(t, err)
	var out string
	require.NoError(t, h.Result(ctx, &out))
	assert.Equal(t, "liftoff", out)

	status, err := c.GetWorkflowStatus(ctx, "countdown")
	require.NoError(t, err)
	assert.NotEqual(t, h.RunID, status.RunID)
	assert.NotEmpty(t, status.ContinuedFrom)
}

func TestResult_PreservesFailureClassification(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	h, err := c.StartWorkflow(ctx, "reject", "x", StartWorkflowOptions{})
	require.NoError(t, err)
	err = h.Result(ctx, nil)
	require.Error(t, err)
	assert.True(t, IsWorkflowFailure(err))

	var wfErr *schema.WorkflowExecutionError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, schema.StatusFailed, wfErr.Status)
	var appErr *schema.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "BadInput", appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestResult_TimesOut(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	h, err := c.StartWorkflow(context.Background(), "await-name", "hi", StartWorkflowOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = h.Result(ctx, nil)
	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeTimeout, loomErr.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsWorkflowFailure(err))
}

func TestCancelWorkflow(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	h, err := c.StartWorkflow(ctx, "await-name", "hi", StartWorkflowOptions{ID: "to-cancel"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, err := c.DescribeWorkflow(ctx, "to-cancel")
		return err == nil && !d.Execution.WorkflowTaskOpen
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Cancel(ctx, "user request"))
	err = h.Result(ctx, nil)
	var wfErr *schema.WorkflowExecutionError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, schema.StatusCancelled, wfErr.Status)
	assert.True(t, errors.Is(err, workflow.ErrCanceled))
}

func TestTerminateWorkflow(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	h, err := c.StartWorkflow(ctx, "await-name", "hi", StartWorkflowOptions{ID: "to-terminate"})
	require.NoError(t, err)
	require.NoError(t, c.TerminateWorkflow(ctx, "to-terminate", "operator"))

	err = h.Result(ctx, nil)
	var wfErr *schema.WorkflowExecutionError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, schema.StatusTerminated, wfErr.Status)
	assert.ErrorIs(t, c.SignalWorkflow(ctx, "to-terminate", "name", "late"), schema.ErrExecutionClosed)
}

func TestRuns(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	run, err := c.StartRun(ctx, "shout", "run-1", json.RawMessage(`"hello world"`))
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
	assert.JSONEq(t, `"hello world"`, string(run.Parameters))

	again, err := c.StartRun(ctx, "shout", "run-1", json.RawMessage(`"other"`))
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(again.Parameters))

	_, err = c.StartRun(ctx, "countdown", "run-2", json.RawMessage(`2`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r1, err1 := c.GetRun(ctx, "run-1")
		r2, err2 := c.GetRun(ctx, "run-2")
		return err1 == nil && err2 == nil && r1.Status == schema.StatusCompleted && r2.Status == schema.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	r1, err := c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"HELLO WORLD"`, string(r1.Result))
	require.NotNil(t, r1.CompletedAt)

	r2, err := c.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(r2.Parameters), "a chain reports its original parameters")

	all, err := c.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	shouts, err := c.ListRuns(ctx, RunFilter{WorkflowType: "shout", Status: schema.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, shouts, 1)
	assert.Equal(t, "run-1", shouts[0].RunID)

	_, err = c.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestStartWorkflowAsync(t *testing.T) {
	c := newClient(t, 20*time.Millisecond)
	ctx := resultCtx(t)

	handles := make(chan *Handle, 1)
	require.NoError(t, c.StartWorkflowAsync(ctx, "shout", "async", StartWorkflowOptions{}, func(h *Handle, err error) {
		assert.NoError(t, err)
		handles <- h
	}))

	select {
	case h := <-handles:
		var out string
		require.NoError(t, h.Result(ctx, &out))
		assert.Equal(t, "ASYNC", out)
	case <-ctx.Done():
		t.Fatal("async start never reported")
	}
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
