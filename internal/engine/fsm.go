package engine

import (
	"context"
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// TransitionHook is called before or after an execution status transition.
// A before hook error aborts the transition.
type TransitionHook func(ctx context.Context, ref schema.ExecutionRef, from, to schema.ExecutionStatus) error

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// AnyStatus matches every source status when registering hooks.
const AnyStatus schema.ExecutionStatus = ""

// ExecutionFSM validates run status transitions and runs hooks around the
// commit that makes them durable. The commit is supplied by the caller and is
// normally the history append carrying the closing event.
type ExecutionFSM struct {
	mu     sync.RWMutex
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the commit. from may be AnyStatus.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a successful commit. from may be AnyStatus.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs before hooks, calls commit, then runs
// after hooks. A nil commit only validates and runs hooks.
func (f *ExecutionFSM) Transition(ctx context.Context, ref schema.ExecutionRef, from, to schema.ExecutionStatus, commit func() error) error {
	if err := ValidateExecutionTransition(from, to); err != nil {
		return err.WithDetails(map[string]any{"workflow_id": ref.WorkflowID, "run_id": ref.RunID})
	}

	for _, hook := range f.hooks(f.before, from, to) {
		if err := hook(ctx, ref, from, to); err != nil {
			return err
		}
	}

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}

	for _, hook := range f.hooks(f.after, from, to) {
		if err := hook(ctx, ref, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (f *ExecutionFSM) hooks(m map[executionHookKey][]TransitionHook, from, to schema.ExecutionStatus) []TransitionHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []TransitionHook
	out = append(out, m[executionHookKey{from, to}]...)
	if from != AnyStatus {
		out = append(out, m[executionHookKey{AnyStatus, to}]...)
	}
	return out
}

// ValidateExecutionTransition returns an INVALID_TRANSITION error if the
// run may not move from -> to.
func ValidateExecutionTransition(from, to schema.ExecutionStatus) *schema.LoomError {
	if allowed(ValidExecutionTransitions[from], to) {
		return nil
	}
	if from.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeExecutionClosed,
			"execution already %s, cannot move to %s", from, to)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to)
}

// CloseStatus maps a closing event to the status it produces.
func CloseStatus(t schema.EventType) (schema.ExecutionStatus, bool) {
	switch t {
	case schema.EventWorkflowCompleted:
		return schema.StatusCompleted, true
	case schema.EventWorkflowFailed:
		return schema.StatusFailed, true
	case schema.EventWorkflowCancelled:
		return schema.StatusCancelled, true
	case schema.EventWorkflowTerminated:
		return schema.StatusTerminated, true
	case schema.EventWorkflowTimedOut:
		return schema.StatusTimedOut, true
	case schema.EventWorkflowContinuedAsNew:
		return schema.StatusContinuedAsNew, true
	default:
		return "", false
	}
}

// --- Activity FSM ---

// ActivityStatus is the lifecycle of one scheduled activity, derived from
// the run's history.
type ActivityStatus string

const (
	ActivityScheduled ActivityStatus = "scheduled"
	ActivityStarted   ActivityStatus = "started"
	ActivityRetrying  ActivityStatus = "retrying"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

// IsTerminal reports whether the activity has produced its final outcome.
func (s ActivityStatus) IsTerminal() bool {
	return s == ActivityCompleted || s == ActivityFailed
}

// ValidateActivityTransition returns a STALE_TASK error if an activity may
// not move from -> to. Stale transitions come from redelivered or timed out
// tasks and are dropped by the caller.
func ValidateActivityTransition(activityID string, from, to ActivityStatus) error {
	if allowed(ValidActivityTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStaleTask,
		"activity %s: invalid transition %s -> %s", activityID, from, to)
}

func allowed[S comparable](set []S, s S) bool {
	for _, a := range set {
		if a == s {
			return true
		}
	}
	return false
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed run status transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending: {
		schema.StatusRunning, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled,
		schema.StatusTerminated, schema.StatusTimedOut, schema.StatusContinuedAsNew,
	},
	schema.StatusRunning: {
		schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled,
		schema.StatusTerminated, schema.StatusTimedOut, schema.StatusContinuedAsNew,
	},
	schema.StatusCompleted:      {},
	schema.StatusFailed:         {},
	schema.StatusCancelled:      {},
	schema.StatusTerminated:     {},
	schema.StatusTimedOut:       {},
	schema.StatusContinuedAsNew: {},
}

// ValidActivityTransitions defines the allowed activity transitions. A
// non-final failure moves the activity to retrying until the next attempt
// starts.
var ValidActivityTransitions = map[ActivityStatus][]ActivityStatus{
	ActivityScheduled: {ActivityStarted, ActivityRetrying, ActivityFailed},
	ActivityStarted:   {ActivityCompleted, ActivityRetrying, ActivityFailed},
	ActivityRetrying:  {ActivityStarted, ActivityRetrying, ActivityFailed},
	ActivityCompleted: {},
	ActivityFailed:    {},
}
