package workflow

import (
	"encoding/json"

	"github.com/rendis/loom/pkg/schema"
)

// ReceiveChannel delivers signals of one name in arrival order.
type ReceiveChannel interface {
	Name() string
	// Receive blocks until a signal is available and decodes it into valuePtr.
	Receive(ctx Context, valuePtr any) error
	// ReceiveAsync takes a buffered signal if there is one.
	ReceiveAsync(valuePtr any) bool
	Len() int
}

// SignalChannel buffers signal payloads for a run. Signals that arrive before
// workflow code asks for the channel are kept.
type SignalChannel struct {
	name string
	buf  []json.RawMessage
}

// NewSignalChannel creates an empty channel. Used by the engine.
func NewSignalChannel(name string) *SignalChannel {
	return &SignalChannel{name: name}
}

// Push appends a payload. Used by the engine.
func (c *SignalChannel) Push(payload json.RawMessage) {
	c.buf = append(c.buf, payload)
}

func (c *SignalChannel) Name() string { return c.name }
func (c *SignalChannel) Len() int     { return len(c.buf) }

func (c *SignalChannel) Receive(ctx Context, valuePtr any) error {
	env := ctx.environment()
	for len(c.buf) == 0 {
		if cancelled(ctx) {
			return schema.NewCanceledError("workflow cancellation requested")
		}
		env.Yield()
	}
	return decode(c.pop(), valuePtr)
}

func (c *SignalChannel) ReceiveAsync(valuePtr any) bool {
	if len(c.buf) == 0 {
		return false
	}
	_ = decode(c.pop(), valuePtr)
	return true
}

func (c *SignalChannel) pop() json.RawMessage {
	v := c.buf[0]
	c.buf = c.buf[1:]
	return v
}

// GetSignalChannel returns the channel for signals named name.
func GetSignalChannel(ctx Context, name string) ReceiveChannel {
	return ctx.environment().SignalChannel(name)
}
