package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/loom/internal/streaming"
	"github.com/rendis/loom/pkg/schema"
)

// Handle refers to a started run.
type Handle struct {
	client       *Client
	WorkflowID   string
	RunID        string
	WorkflowType string
	// Created is false when the start returned an existing run.
	Created bool
}

// Result blocks until the workflow closes and decodes its result into
// valuePtr, which may be nil. Runs that continued as new are followed to the
// end of the chain. A closed run that did not complete yields a
// *schema.WorkflowExecutionError wrapping the run's failure. The wait is
// bounded by ctx; on expiry Result returns a TIMEOUT_ERROR.
func (h *Handle) Result(ctx context.Context, valuePtr any) error {
	c := h.client
	var wake <-chan streaming.ExecutionEvent
	if c.hub != nil {
		events, unsubscribe, err := c.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: h.WorkflowID})
		if err != nil {
			c.logger.WarnContext(ctx, "result notifications unavailable, polling", "error", err)
		} else {
			defer unsubscribe()
			wake = events
		}
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	ref := schema.ExecutionRef{WorkflowID: h.WorkflowID, RunID: h.RunID}
	for {
		exec, err := c.store.GetExecution(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return h.timeout(ctx)
			}
			return err
		}
		if exec.Status == schema.StatusContinuedAsNew && exec.ContinuedTo != "" {
			ref.RunID = exec.ContinuedTo
			continue
		}
		if exec.Status.IsTerminal() {
			return decodeResult(exec, valuePtr)
		}
		select {
		case <-ctx.Done():
			return h.timeout(ctx)
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (h *Handle) timeout(ctx context.Context) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "workflow %s did not close in time", h.WorkflowID).WithCause(ctx.Err())
}

func decodeResult(exec *schema.Execution, valuePtr any) error {
	if exec.Status != schema.StatusCompleted {
		var cause error
		if exec.Failure != nil {
			cause = exec.Failure.Err()
		}
		return schema.NewWorkflowExecutionError(exec.Ref(), exec.WorkflowType, exec.Status, cause)
	}
	if valuePtr == nil || len(exec.Result) == 0 {
		return nil
	}
	if raw, ok := valuePtr.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], exec.Result...)
		return nil
	}
	if err := json.Unmarshal(exec.Result, valuePtr); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode workflow result").WithCause(err)
	}
	return nil
}

// Signal delivers a signal to the workflow's current run.
func (h *Handle) Signal(ctx context.Context, signalName string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.WorkflowID, signalName, payload)
}

// Cancel requests cancellation of the workflow's current run.
func (h *Handle) Cancel(ctx context.Context, reason string) error {
	return h.client.CancelWorkflow(ctx, h.WorkflowID, reason)
}

// Status returns the snapshot of the handle's run.
func (h *Handle) Status(ctx context.Context) (*schema.Execution, error) {
	return h.client.store.GetExecution(ctx, schema.ExecutionRef{WorkflowID: h.WorkflowID, RunID: h.RunID})
}

// IsWorkflowFailure reports whether err is a run that closed without
// completing, as returned by Result.
func IsWorkflowFailure(err error) bool {
	var wfErr *schema.WorkflowExecutionError
	return errors.As(err, &wfErr)
}
