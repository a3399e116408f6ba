package workflow

import "github.com/rendis/loom/pkg/schema"

// Selector waits on several futures and signal channels at once. Cases are
// checked in the order they were added, so the choice is deterministic.
type Selector struct {
	ctx   Context
	cases []*selectCase
}

type selectCase struct {
	future   Future
	onFuture func(Future)
	fired    bool

	channel   ReceiveChannel
	onReceive func(ReceiveChannel)
}

// NewSelector creates an empty Selector.
func NewSelector(ctx Context) *Selector {
	return &Selector{ctx: ctx}
}

// AddFuture adds a case that fires once, when f resolves.
func (s *Selector) AddFuture(f Future, fn func(Future)) *Selector {
	s.cases = append(s.cases, &selectCase{future: f, onFuture: fn})
	return s
}

// AddReceive adds a case that fires each time ch has a buffered signal. The
// callback must consume the signal.
func (s *Selector) AddReceive(ch ReceiveChannel, fn func(ReceiveChannel)) *Selector {
	s.cases = append(s.cases, &selectCase{channel: ch, onReceive: fn})
	return s
}

// HasPending reports whether a case can still fire.
func (s *Selector) HasPending() bool {
	for _, c := range s.cases {
		if c.channel != nil || !c.fired {
			return true
		}
	}
	return false
}

// Select blocks until one case is ready and runs its callback.
func (s *Selector) Select() error {
	env := s.ctx.environment()
	for {
		for _, c := range s.cases {
			switch {
			case c.future != nil && !c.fired && c.future.IsReady():
				c.fired = true
				c.onFuture(c.future)
				return nil
			case c.channel != nil && c.channel.Len() > 0:
				c.onReceive(c.channel)
				return nil
			}
		}
		if !s.HasPending() {
			return schema.NewError(schema.ErrCodeValidation, "selector has no pending cases")
		}
		if cancelled(s.ctx) {
			return schema.NewCanceledError("workflow cancellation requested")
		}
		env.Yield()
	}
}
