// Package client is the caller-facing API of the engine: start workflows,
// wait for their results, signal, cancel and inspect them.
//
// A Client is constructed explicitly and owns nothing global. Close releases
// what New acquired.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/internal/locks"
	"github.com/rendis/loom/internal/metrics"
	"github.com/rendis/loom/internal/orchestrator"
	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/streaming"
	"github.com/rendis/loom/pkg/schema"
)

// DefaultPollInterval is how often Handle.Result re-reads the run when no
// notification arrives.
const DefaultPollInterval = 250 * time.Millisecond

// Options wires a Client. Store and either Orchestrator or Queue plus
// Registry are required.
type Options struct {
	Store store.Store
	// Orchestrator is shared with a worker in the same process. When nil the
	// client builds its own from the fields below.
	Orchestrator *orchestrator.Orchestrator
	Queue        queue.TaskQueue
	Registry     *registry.Registry
	Locker       locks.Locker
	// Hub wakes Handle.Result as soon as a run closes. Optional.
	Hub     streaming.Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// TaskQueue is the default queue for new runs.
	TaskQueue    string
	PollInterval time.Duration
	// AsyncPoolSize bounds concurrent StartWorkflowAsync calls.
	AsyncPoolSize int
}

// Client talks to the engine. Safe for concurrent use.
type Client struct {
	orc          *orchestrator.Orchestrator
	ownsOrc      bool
	store        store.Store
	hub          streaming.Hub
	logger       *slog.Logger
	taskQueue    string
	pollInterval time.Duration
	pool         *engine.WorkerPool
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "client needs a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "client")

	c := &Client{
		orc:          opts.Orchestrator,
		store:        opts.Store,
		hub:          opts.Hub,
		logger:       logger,
		taskQueue:    opts.TaskQueue,
		pollInterval: opts.PollInterval,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.orc == nil {
		orc, err := orchestrator.New(orchestrator.Options{
			Store:    opts.Store,
			Queue:    opts.Queue,
			Registry: opts.Registry,
			Locker:   opts.Locker,
			Hub:      opts.Hub,
			Metrics:  opts.Metrics,
			Logger:   opts.Logger,
			Config:   orchestrator.Config{TaskQueue: opts.TaskQueue},
		})
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		c.orc = orc
		c.ownsOrc = true
	}
	poolSize := opts.AsyncPoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	c.pool = engine.NewWorkerPool(poolSize,
		engine.WithPoolLogger(logger),
		engine.WithPanicHandler(func(any) { opts.Metrics.PoolFailure("client_panic") }),
	)
	return c, nil
}

// Close waits for pending async starts and releases the client's resources.
func (c *Client) Close() error {
	c.pool.Shutdown()
	if c.ownsOrc {
		c.orc.Close()
	}
	return nil
}

// StartWorkflowOptions tune a start. The zero value starts a run with a
// random ID on the client's task queue, rejecting duplicates.
type StartWorkflowOptions struct {
	ID               string
	TaskQueue        string
	IDReusePolicy    schema.IDReusePolicy
	ExecutionTimeout time.Duration
}

// StartWorkflow starts a run of workflowType. If the reuse policy keeps the
// workflow's existing run, the returned handle points at it and
// Handle.Created is false.
func (c *Client) StartWorkflow(ctx context.Context, workflowType string, input any, opts StartWorkflowOptions) (*Handle, error) {
	raw, err := encode(input)
	if err != nil {
		return nil, err
	}
	tq := opts.TaskQueue
	if tq == "" {
		tq = c.taskQueue
	}
	exec, created, err := c.orc.StartWorkflow(ctx, orchestrator.StartRequest{
		WorkflowID:       opts.ID,
		WorkflowType:     workflowType,
		Input:            raw,
		TaskQueue:        tq,
		IDReusePolicy:    opts.IDReusePolicy,
		ExecutionTimeout: opts.ExecutionTimeout,
	})
	if err != nil {
		return nil, err
	}
	if created {
		c.logger.InfoContext(ctx, "workflow started",
			"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "workflow_type", workflowType)
	}
	return c.handle(exec, created), nil
}

// StartWorkflowAsync starts a run on the client's pool and reports the
// outcome to done. It returns once the start is queued.
func (c *Client) StartWorkflowAsync(ctx context.Context, workflowType string, input any, opts StartWorkflowOptions, done func(*Handle, error)) error {
	return c.pool.Submit(ctx, func(ctx context.Context) error {
		h, err := c.StartWorkflow(ctx, workflowType, input, opts)
		if done != nil {
			done(h, err)
		}
		return err
	})
}

// GetHandle returns a handle for an existing workflow. An empty runID
// targets the workflow's current run.
func (c *Client) GetHandle(ctx context.Context, workflowID, runID string) (*Handle, error) {
	ref := schema.ExecutionRef{WorkflowID: workflowID, RunID: runID}
	var (
		exec *schema.Execution
		err  error
	)
	if runID == "" {
		exec, err = c.store.GetCurrentExecution(ctx, workflowID)
	} else {
		exec, err = c.store.GetExecution(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	return c.handle(exec, false), nil
}

func (c *Client) handle(exec *schema.Execution, created bool) *Handle {
	return &Handle{
		client:       c,
		WorkflowID:   exec.WorkflowID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		Created:      created,
	}
}

// SignalWorkflow delivers a signal to the workflow's current run.
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	return c.orc.SignalWorkflow(ctx, schema.ExecutionRef{WorkflowID: workflowID}, signalName, raw)
}

// CancelWorkflow requests cancellation of the workflow's current run.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	return c.orc.RequestCancel(ctx, schema.ExecutionRef{WorkflowID: workflowID}, reason)
}

// TerminateWorkflow closes the workflow's current run without consulting
// workflow code.
func (c *Client) TerminateWorkflow(ctx context.Context, workflowID, reason string) error {
	return c.orc.Terminate(ctx, schema.ExecutionRef{WorkflowID: workflowID}, reason)
}

// GetWorkflowStatus returns the status snapshot of the workflow's current run.
func (c *Client) GetWorkflowStatus(ctx context.Context, workflowID string) (*schema.Execution, error) {
	return c.store.GetCurrentExecution(ctx, workflowID)
}

// DescribeWorkflow returns the current run's snapshot and pending work.
func (c *Client) DescribeWorkflow(ctx context.Context, workflowID string) (*orchestrator.Description, error) {
	return c.orc.Describe(ctx, schema.ExecutionRef{WorkflowID: workflowID})
}

func encode(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode payload").WithCause(err)
	}
	return raw, nil
}
