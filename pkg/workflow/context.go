// Package workflow is the API available to workflow code.
//
// Workflow functions must be deterministic: given the same history they must
// issue the same commands in the same order. Anything that reads the outside
// world (clocks, randomness, network) belongs in an activity or a SideEffect.
// Blocking calls (Future.Get, Sleep, Receive) hand control back to the engine
// until the awaited event is in history.
package workflow

import (
	"log/slog"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// Environment is implemented by the replay engine. Workflow code reaches it
// only through the functions in this package.
type Environment interface {
	Info() schema.WorkflowInfo
	Now() time.Time
	IsReplaying() bool
	Logger() *slog.Logger
	ExecuteActivity(activityType string, input any, opts schema.ActivityOptions) Future
	NewTimer(d time.Duration) Future
	SideEffect(fn func() (any, error)) Future
	SignalChannel(name string) ReceiveChannel
	CancelRequested() bool
	// Yield parks the workflow until the engine delivers new events.
	Yield()
}

// Context is passed to workflow functions. It is not a context.Context:
// deadlines and cancellation are driven by history, not wall time.
type Context interface {
	environment() Environment
	activityOptions() schema.ActivityOptions
	detached() bool
}

type wfContext struct {
	env        Environment
	opts       schema.ActivityOptions
	isDetached bool
}

func (c *wfContext) environment() Environment                { return c.env }
func (c *wfContext) activityOptions() schema.ActivityOptions { return c.opts }
func (c *wfContext) detached() bool                          { return c.isDetached }

// NewContext creates the root context for a run. Used by the engine.
func NewContext(env Environment) Context {
	return &wfContext{env: env}
}

// WithActivityOptions returns a copy of ctx whose activities use opts.
// Unset fields take the activity type's registered defaults, then the
// package defaults.
func WithActivityOptions(ctx Context, opts schema.ActivityOptions) Context {
	return &wfContext{env: ctx.environment(), opts: opts, isDetached: ctx.detached()}
}

// GetActivityOptions returns the activity options carried by ctx.
func GetActivityOptions(ctx Context) schema.ActivityOptions {
	return ctx.activityOptions()
}

// WithoutCancel returns a copy of ctx whose blocking calls ignore a pending
// cancellation request, for cleanup work after the run was cancelled.
func WithoutCancel(ctx Context) Context {
	return &wfContext{env: ctx.environment(), opts: ctx.activityOptions(), isDetached: true}
}

// GetInfo returns information about the current run.
func GetInfo(ctx Context) schema.WorkflowInfo {
	return ctx.environment().Info()
}

// GetLogger returns a logger that is silent while history is being replayed.
func GetLogger(ctx Context) *slog.Logger {
	return ctx.environment().Logger()
}

// Now returns the deterministic time of the workflow task being processed.
func Now(ctx Context) time.Time {
	return ctx.environment().Now()
}

// IsReplaying reports whether the code is re-executing recorded history.
func IsReplaying(ctx Context) bool {
	return ctx.environment().IsReplaying()
}

// IsCancelRequested reports whether cancellation of the run was requested.
func IsCancelRequested(ctx Context) bool {
	return ctx.environment().CancelRequested()
}

func cancelled(ctx Context) bool {
	return !ctx.detached() && ctx.environment().CancelRequested()
}
