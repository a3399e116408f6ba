package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// ExecuteActivity schedules an activity and returns its future. The activity
// runs with the options carried by ctx. Unknown activity types and inputs
// that fail the activity's schema resolve the future with a non-retryable
// error without scheduling anything.
func ExecuteActivity(ctx Context, activityType string, input any) Future {
	return ctx.environment().ExecuteActivity(activityType, input, ctx.activityOptions())
}

// NewTimer returns a future that resolves after d of workflow time. A
// non-positive d resolves immediately.
func NewTimer(ctx Context, d time.Duration) Future {
	return ctx.environment().NewTimer(d)
}

// Sleep blocks for d of workflow time.
func Sleep(ctx Context, d time.Duration) error {
	return NewTimer(ctx, d).Get(ctx, nil)
}

// SideEffect runs fn once and records its result in history. On replay the
// recorded value is returned and fn is not called.
func SideEffect(ctx Context, fn func() (any, error)) Future {
	return ctx.environment().SideEffect(fn)
}

// ContinueAsNewError, returned from a workflow function, closes the run and
// starts a fresh run of the same workflow ID with an empty history.
type ContinueAsNewError struct {
	WorkflowType string
	Input        json.RawMessage
}

func (e *ContinueAsNewError) Error() string {
	return "continue as new: " + e.WorkflowType
}

// NewContinueAsNewError builds the error that continues the current workflow
// type with input.
func NewContinueAsNewError(ctx Context, input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return schema.NewNonRetryableApplicationError("encode continue-as-new input: "+err.Error(), "EncodeError", nil)
	}
	return &ContinueAsNewError{WorkflowType: GetInfo(ctx).WorkflowType, Input: raw}
}

// IsContinueAsNewError reports whether err asks for continue-as-new.
func IsContinueAsNewError(err error) bool {
	var can *ContinueAsNewError
	return errors.As(err, &can)
}

// ErrCanceled is matched, with errors.Is, by the error blocking calls return
// after cancellation of the run was requested.
var ErrCanceled = schema.ErrCanceled

// IsCanceledError reports whether err came from run cancellation.
func IsCanceledError(err error) bool {
	var canceled *schema.CanceledError
	return errors.As(err, &canceled)
}
