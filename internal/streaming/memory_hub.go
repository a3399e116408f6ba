package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan ExecutionEvent
	filter EventFilter
}

// MemoryHub is an in-process Hub. Subscribers are indexed by the workflow ID
// they filter on, so a close only visits the waiters of that workflow plus
// the unfiltered subscribers.
type MemoryHub struct {
	mu      sync.RWMutex
	byID    map[string]map[uint64]*subscriber // "" holds unfiltered subscribers
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byID: make(map[string]map[uint64]*subscriber)}
}

// Publish delivers event to every matching subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byID[event.WorkflowID], event)
	if event.WorkflowID != "" {
		h.deliver(h.byID[""], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscriber, event ExecutionEvent) {
	for _, sub := range subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func may be called
// more than once; the channel is left open after cancel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan ExecutionEvent, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	subs, ok := h.byID[filter.WorkflowID]
	if !ok {
		subs = make(map[uint64]*subscriber)
		h.byID[filter.WorkflowID] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.byID, filter.WorkflowID)
			}
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byID {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

var _ Hub = (*MemoryHub)(nil)
