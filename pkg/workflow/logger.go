package workflow

import (
	"context"
	"log/slog"
)

// replayAwareHandler drops records while the run is replaying so that a log
// line written by workflow code appears once per run, not once per replay.
type replayAwareHandler struct {
	inner     slog.Handler
	replaying func() bool
}

// NewReplayAwareHandler wraps inner. Used by the engine to build the logger
// returned by GetLogger.
func NewReplayAwareHandler(inner slog.Handler, replaying func() bool) slog.Handler {
	return &replayAwareHandler{inner: inner, replaying: replaying}
}

func (h *replayAwareHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.replaying() {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *replayAwareHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *replayAwareHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayAwareHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replayAwareHandler) WithGroup(name string) slog.Handler {
	return &replayAwareHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
