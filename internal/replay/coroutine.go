package replay

import (
	"encoding/json"
	"errors"
	"runtime/debug"

	"github.com/rendis/loom/pkg/schema"
)

// errKilled unwinds a parked workflow goroutine when its state is discarded.
var errKilled = errors.New("replay: workflow coroutine killed")

// coroutine runs workflow code on its own goroutine but never concurrently
// with the engine: control passes back and forth over two unbuffered
// channels, so at most one side is running at any moment.
type coroutine struct {
	unblock chan struct{}
	yielded chan struct{}

	killed bool
	done   bool
	result json.RawMessage
	err    error
}

func newCoroutine(fn func() (json.RawMessage, error)) *coroutine {
	c := &coroutine{
		unblock: make(chan struct{}),
		yielded: make(chan struct{}),
	}
	go c.main(fn)
	return c
}

func (c *coroutine) main(fn func() (json.RawMessage, error)) {
	<-c.unblock
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); !ok || !errors.Is(err, errKilled) {
				c.err = schema.NewPanicError(r, string(debug.Stack()))
			}
		}
		c.done = true
		c.yielded <- struct{}{}
	}()
	if c.killed {
		return
	}
	c.result, c.err = fn()
}

// resume runs workflow code until it yields or returns.
func (c *coroutine) resume() {
	if c.done {
		return
	}
	c.unblock <- struct{}{}
	<-c.yielded
}

// yield is called from workflow code. It parks the goroutine until the next
// resume.
func (c *coroutine) yield() {
	c.yielded <- struct{}{}
	<-c.unblock
	if c.killed {
		panic(errKilled)
	}
}

// kill unwinds the workflow goroutine. Code that swallows the kill panic and
// yields again is unwound again.
func (c *coroutine) kill() {
	c.killed = true
	for !c.done {
		c.unblock <- struct{}{}
		<-c.yielded
	}
}
