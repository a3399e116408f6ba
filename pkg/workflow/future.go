package workflow

import (
	"encoding/json"

	"github.com/rendis/loom/pkg/schema"
)

// Future is the pending result of an activity, timer or side effect.
type Future interface {
	// Get blocks until the result is available and decodes it into valuePtr
	// (which may be nil). It returns a CanceledError if the run is cancelled
	// while waiting, unless ctx was detached with WithoutCancel.
	Get(ctx Context, valuePtr any) error
	IsReady() bool
}

// SettableFuture is the engine side of a Future.
type SettableFuture struct {
	ready       bool
	value       json.RawMessage
	err         error
	cancellable bool
}

// NewFuture creates an unresolved future. Cancellable futures stop waiting
// when the run is cancelled.
func NewFuture(cancellable bool) *SettableFuture {
	return &SettableFuture{cancellable: cancellable}
}

// NewReadyFuture creates a resolved future.
func NewReadyFuture(value json.RawMessage, err error) *SettableFuture {
	return &SettableFuture{ready: true, value: value, err: err}
}

// Set resolves the future. Later calls are ignored.
func (f *SettableFuture) Set(value json.RawMessage, err error) {
	if f.ready {
		return
	}
	f.ready = true
	f.value = value
	f.err = err
}

func (f *SettableFuture) IsReady() bool { return f.ready }

func (f *SettableFuture) Get(ctx Context, valuePtr any) error {
	env := ctx.environment()
	for !f.ready {
		if f.cancellable && cancelled(ctx) {
			return schema.NewCanceledError("workflow cancellation requested")
		}
		env.Yield()
	}
	if f.err != nil {
		return f.err
	}
	return decode(f.value, valuePtr)
}

func decode(raw json.RawMessage, valuePtr any) error {
	if valuePtr == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, valuePtr); err != nil {
		return schema.NewNonRetryableApplicationError("decode result: "+err.Error(), "DecodeError", nil)
	}
	return nil
}
