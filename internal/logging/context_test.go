package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/loom/pkg/schema"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", ActivityID(ctx))

	// Set values.
	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithActivityID(ctx, "act-42")

	// Round-trip.
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "act-42", ActivityID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithWorkflowID(ctx, "wf-abc")
	ctx = WithRunID(ctx, "run-x")
	ctx = WithActivityID(ctx, "act-7")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "run_id=run-x")
	assert.Contains(t, output, "activity_id=act-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only the workflow ID is set.
	ctx := WithWorkflowID(context.Background(), "wf-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-only")
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "activity_id")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// No correlation IDs, no extra attrs.
	enriched := LogWith(context.Background(), logger)
	enriched.Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "activity_id")
	assert.Contains(t, output, "no context")
}

func TestWithRef(t *testing.T) {
	ctx := WithRef(context.Background(), schema.ExecutionRef{WorkflowID: "wf-1", RunID: "run-2"})
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "run-2", RunID(ctx))
	assert.Equal(t, "", ActivityID(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithActivityID(WithRef(context.Background(), schema.ExecutionRef{WorkflowID: "wf-auto", RunID: "run-auto"}), "act-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
	assert.Contains(t, output, `"run_id":"run-auto"`)
	assert.Contains(t, output, `"activity_id":"act-auto"`)
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "workflow_id")
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "activity_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithWorkflowID(context.Background(), "wf-only")
	logger.InfoContext(ctx, "partial")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-only"`)
	assert.NotContains(t, output, "run_id")
	assert.NotContains(t, output, "activity_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	ctx := WithWorkflowID(context.Background(), "wf-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"workflow_id":"wf-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithGroup("engine"))

	ctx := WithWorkflowID(context.Background(), "wf-grp")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "wf-grp")
	assert.Contains(t, output, "grouped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNewLogger_JSONCarriesCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, FormatJSON, slog.LevelInfo)

	ctx := WithRef(context.Background(), schema.ExecutionRef{WorkflowID: "wf-json", RunID: "run-json"})
	logger.DebugContext(ctx, "dropped")
	logger.InfoContext(ctx, "kept")

	output := buf.String()
	assert.NotContains(t, output, "dropped")
	assert.Contains(t, output, `"workflow_id":"wf-json"`)
	assert.Contains(t, output, `"run_id":"run-json"`)
}

func TestNewLogger_TextWithoutTerminalHasNoColor(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, FormatText, slog.LevelDebug)
	logger.InfoContext(WithWorkflowID(context.Background(), "wf-text"), "plain")

	output := buf.String()
	assert.Contains(t, output, "plain")
	assert.Contains(t, output, "workflow_id=wf-text")
	assert.NotContains(t, output, "\x1b[")
}
