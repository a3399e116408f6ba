package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// FailureKind classifies a business failure carried in history.
type FailureKind string

const (
	FailureApplication    FailureKind = "application"
	FailureActivity       FailureKind = "activity"
	FailureTimeout        FailureKind = "timeout"
	FailureCancelled      FailureKind = "cancelled"
	FailureTerminated     FailureKind = "terminated"
	FailurePanic          FailureKind = "panic"
	FailureNonDeterminism FailureKind = "non_determinism"
)

// TimeoutType names which deadline fired.
type TimeoutType string

const (
	TimeoutScheduleToStart   TimeoutType = "schedule_to_start"
	TimeoutStartToClose      TimeoutType = "start_to_close"
	TimeoutHeartbeat         TimeoutType = "heartbeat"
	TimeoutWorkflowExecution TimeoutType = "workflow_execution"
)

// Failure is the serializable error record stored in history events and
// execution snapshots. It round-trips to the typed errors below so workflow
// and client code can branch with errors.As.
type Failure struct {
	Kind         FailureKind     `json:"kind"`
	Message      string          `json:"message"`
	Type         string          `json:"type,omitempty"`
	NonRetryable bool            `json:"non_retryable,omitempty"`
	TimeoutType  TimeoutType     `json:"timeout_type,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	StackTrace   string          `json:"stack_trace,omitempty"`
	ActivityID   string          `json:"activity_id,omitempty"`
	ActivityType string          `json:"activity_type,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Cause        *Failure        `json:"cause,omitempty"`
}

// ApplicationError is returned by activity or workflow code to report a
// business failure. Type lets callers branch without parsing messages.
type ApplicationError struct {
	message      string
	errType      string
	nonRetryable bool
	details      json.RawMessage
	cause        error
}

// NewApplicationError creates a retryable application error.
func NewApplicationError(message, errType string, details any) error {
	return newApplicationError(message, errType, false, details)
}

// NewNonRetryableApplicationError creates an application error that stops
// the activity retry loop immediately.
func NewNonRetryableApplicationError(message, errType string, details any) error {
	return newApplicationError(message, errType, true, details)
}

func newApplicationError(message, errType string, nonRetryable bool, details any) *ApplicationError {
	e := &ApplicationError{message: message, errType: errType, nonRetryable: nonRetryable}
	if details != nil {
		if raw, ok := details.(json.RawMessage); ok {
			e.details = raw
		} else if b, err := json.Marshal(details); err == nil {
			e.details = b
		}
	}
	return e
}

func (e *ApplicationError) Error() string {
	if e.errType != "" {
		return fmt.Sprintf("%s (type: %s)", e.message, e.errType)
	}
	return e.message
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Type returns the application-defined error type.
func (e *ApplicationError) Type() string { return e.errType }

// NonRetryable reports whether the error was marked terminal.
func (e *ApplicationError) NonRetryable() bool { return e.nonRetryable }

// Message returns the error message without the type suffix.
func (e *ApplicationError) Message() string { return e.message }

// Details decodes the attached details into valuePtr.
func (e *ApplicationError) Details(valuePtr any) error {
	if len(e.details) == 0 {
		return NewError(ErrCodeNotFound, "application error has no details")
	}
	return json.Unmarshal(e.details, valuePtr)
}

// TimeoutError reports that an activity or workflow deadline fired.
type TimeoutError struct {
	timeoutType TimeoutType
	message     string
}

// NewTimeoutError creates a timeout error of the given type.
func NewTimeoutError(timeoutType TimeoutType, message string) error {
	return &TimeoutError{timeoutType: timeoutType, message: message}
}

func (e *TimeoutError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("%s timeout: %s", e.timeoutType, e.message)
	}
	return fmt.Sprintf("%s timeout", e.timeoutType)
}

// TimeoutType returns which deadline fired.
func (e *TimeoutError) TimeoutType() TimeoutType { return e.timeoutType }

// ErrCanceled matches every CanceledError with errors.Is.
var ErrCanceled = &CanceledError{}

// CanceledError reports that work stopped because cancellation was requested.
type CanceledError struct {
	message string
}

// NewCanceledError creates a cancellation error.
func NewCanceledError(message string) error {
	return &CanceledError{message: message}
}

func (e *CanceledError) Error() string {
	if e.message == "" {
		return "canceled"
	}
	return "canceled: " + e.message
}

// Is makes every CanceledError match ErrCanceled.
func (e *CanceledError) Is(target error) bool {
	return target == ErrCanceled
}

// TerminatedError reports a forced termination.
type TerminatedError struct {
	reason string
}

// NewTerminatedError creates a termination error with the operator's reason.
func NewTerminatedError(reason string) error {
	return &TerminatedError{reason: reason}
}

func (e *TerminatedError) Error() string {
	if e.reason == "" {
		return "terminated"
	}
	return "terminated: " + e.reason
}

// Reason returns the termination reason.
func (e *TerminatedError) Reason() string { return e.reason }

// PanicError carries a recovered panic value and its stack.
type PanicError struct {
	value string
	stack string
}

// NewPanicError creates a PanicError from a recovered value.
func NewPanicError(value any, stack string) error {
	return &PanicError{value: fmt.Sprint(value), stack: stack}
}

func (e *PanicError) Error() string { return "panic: " + e.value }

// StackTrace returns the goroutine stack captured at recovery.
func (e *PanicError) StackTrace() string { return e.stack }

// ActivityError is what workflow code sees when an activity fails for good.
// Unwrap yields the underlying ApplicationError, TimeoutError or CanceledError.
type ActivityError struct {
	ActivityID   string
	ActivityType string
	Attempt      int
	cause        error
}

// NewActivityError wraps cause with activity identity.
func NewActivityError(activityID, activityType string, attempt int, cause error) *ActivityError {
	return &ActivityError{ActivityID: activityID, ActivityType: activityType, Attempt: attempt, cause: cause}
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (id %s, attempt %d) failed: %v", e.ActivityType, e.ActivityID, e.Attempt, e.cause)
}

func (e *ActivityError) Unwrap() error { return e.cause }

// WorkflowExecutionError is returned by the client when a run ends in a
// non-successful terminal state. The original classification is preserved
// in the wrapped error.
type WorkflowExecutionError struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	Status       ExecutionStatus
	cause        error
}

// NewWorkflowExecutionError wraps a run's terminal failure.
func NewWorkflowExecutionError(ref ExecutionRef, workflowType string, status ExecutionStatus, cause error) *WorkflowExecutionError {
	return &WorkflowExecutionError{
		WorkflowID:   ref.WorkflowID,
		RunID:        ref.RunID,
		WorkflowType: workflowType,
		Status:       status,
		cause:        cause,
	}
}

func (e *WorkflowExecutionError) Error() string {
	return fmt.Sprintf("workflow %s (run %s) %s: %v", e.WorkflowID, e.RunID, e.Status, e.cause)
}

func (e *WorkflowExecutionError) Unwrap() error { return e.cause }

// FailureFromError converts a Go error into its history representation.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}

	var (
		actErr   *ActivityError
		appErr   *ApplicationError
		toErr    *TimeoutError
		canErr   *CanceledError
		termErr  *TerminatedError
		panicErr *PanicError
		loomErr  *LoomError
		wfErr    *WorkflowExecutionError
	)

	switch {
	case errors.As(err, &wfErr):
		return FailureFromError(wfErr.cause)
	case errors.As(err, &actErr):
		return &Failure{
			Kind:         FailureActivity,
			Message:      err.Error(),
			ActivityID:   actErr.ActivityID,
			ActivityType: actErr.ActivityType,
			Attempt:      actErr.Attempt,
			Cause:        FailureFromError(actErr.cause),
		}
	case errors.As(err, &appErr):
		f := &Failure{
			Kind:         FailureApplication,
			Message:      appErr.message,
			Type:         appErr.errType,
			NonRetryable: appErr.nonRetryable,
			Details:      appErr.details,
		}
		if appErr.cause != nil {
			f.Cause = FailureFromError(appErr.cause)
		}
		return f
	case errors.As(err, &toErr):
		return &Failure{Kind: FailureTimeout, Message: toErr.message, TimeoutType: toErr.timeoutType}
	case errors.As(err, &canErr):
		return &Failure{Kind: FailureCancelled, Message: canErr.message, NonRetryable: true}
	case errors.As(err, &termErr):
		return &Failure{Kind: FailureTerminated, Message: termErr.reason, NonRetryable: true}
	case errors.As(err, &panicErr):
		return &Failure{Kind: FailurePanic, Message: panicErr.value, StackTrace: panicErr.stack}
	case errors.As(err, &loomErr) && loomErr.Code == ErrCodeNonDeterminism:
		return &Failure{Kind: FailureNonDeterminism, Message: loomErr.Message, NonRetryable: true}
	case errors.Is(err, context.Canceled):
		return &Failure{Kind: FailureCancelled, Message: err.Error(), NonRetryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: FailureTimeout, Message: err.Error(), TimeoutType: TimeoutStartToClose}
	}

	return &Failure{
		Kind:    FailureApplication,
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
	}
}

// Err converts the record back to a typed Go error.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	switch f.Kind {
	case FailureActivity:
		return &ActivityError{
			ActivityID:   f.ActivityID,
			ActivityType: f.ActivityType,
			Attempt:      f.Attempt,
			cause:        f.Cause.Err(),
		}
	case FailureTimeout:
		return &TimeoutError{timeoutType: f.TimeoutType, message: f.Message}
	case FailureCancelled:
		return &CanceledError{message: f.Message}
	case FailureTerminated:
		return &TerminatedError{reason: f.Message}
	case FailurePanic:
		return &PanicError{value: f.Message, stack: f.StackTrace}
	case FailureNonDeterminism:
		return NewError(ErrCodeNonDeterminism, f.Message)
	default:
		e := &ApplicationError{
			message:      f.Message,
			errType:      f.Type,
			nonRetryable: f.NonRetryable,
			details:      f.Details,
		}
		if f.Cause != nil {
			e.cause = f.Cause.Err()
		}
		return e
	}
}

func (f *Failure) String() string {
	if f == nil {
		return ""
	}
	return f.Err().Error()
}
