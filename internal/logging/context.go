// Package logging carries run correlation IDs on context.Context and injects
// them into slog records.
package logging

import (
	"context"
	"log/slog"

	"github.com/rendis/loom/pkg/schema"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	runIDKey
	activityIDKey
)

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithActivityID returns a context with the activity ID set.
func WithActivityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, activityIDKey, id)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// ActivityID extracts the activity ID from the context, or "" if absent.
func ActivityID(ctx context.Context) string {
	v, _ := ctx.Value(activityIDKey).(string)
	return v
}

// WithRef sets the workflow and run IDs of ref on the context.
func WithRef(ctx context.Context, ref schema.ExecutionRef) context.Context {
	return WithRunID(WithWorkflowID(ctx, ref.WorkflowID), ref.RunID)
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if wfID := WorkflowID(ctx); wfID != "" {
		logger = logger.With(slog.String("workflow_id", wfID))
	}
	if rID := RunID(ctx); rID != "" {
		logger = logger.With(slog.String("run_id", rID))
	}
	if aID := ActivityID(ctx); aID != "" {
		logger = logger.With(slog.String("activity_id", aID))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := WorkflowID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_id", v))
	}
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := ActivityID(ctx); v != "" {
		r.AddAttrs(slog.String("activity_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
