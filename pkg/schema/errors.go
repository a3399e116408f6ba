package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeExecutionClosed   = "EXECUTION_CLOSED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNonDeterminism    = "NON_DETERMINISM"
	ErrCodeActivityFailed    = "ACTIVITY_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTerminated        = "TERMINATED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeQueue             = "QUEUE_ERROR"
	ErrCodeLeaseLost         = "LEASE_LOST"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeTypeNotRegistered = "TYPE_NOT_REGISTERED"
	ErrCodeStaleTask         = "STALE_TASK"
	ErrCodePanic             = "PANIC"
)

// Sentinels for errors.Is. A LoomError matches a sentinel when the codes are equal.
var (
	ErrNotFound          = &LoomError{Code: ErrCodeNotFound, Message: "not found"}
	ErrVersionConflict   = &LoomError{Code: ErrCodeVersionConflict, Message: "version conflict"}
	ErrExecutionClosed   = &LoomError{Code: ErrCodeExecutionClosed, Message: "execution is closed"}
	ErrNonDeterminism    = &LoomError{Code: ErrCodeNonDeterminism, Message: "non-deterministic workflow"}
	ErrLeaseLost         = &LoomError{Code: ErrCodeLeaseLost, Message: "task lease lost"}
	ErrStaleTask         = &LoomError{Code: ErrCodeStaleTask, Message: "stale task"}
	ErrTypeNotRegistered = &LoomError{Code: ErrCodeTypeNotRegistered, Message: "type not registered"}
)

// LoomError is the structured error type for all engine operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a LoomError with the same code.
func (e *LoomError) Is(target error) bool {
	t, ok := target.(*LoomError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the operation that produced the error may be
// attempted again. Infrastructure errors are retryable; caller errors are not.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeQueue, ErrCodeVersionConflict, ErrCodeTimeout, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}
