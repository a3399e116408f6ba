// Package queue provides at-least-once task queues with leases and delayed
// visibility. A task whose lease expires before Complete or Fail is handed to
// the next poller, so consumers must tolerate duplicate delivery.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Task kinds dispatched by the orchestrator.
const (
	KindWorkflow = "workflow"
	KindActivity = "activity"
	KindTimer    = "timer"
)

// Task is a unit of dispatch. ID, Queue, Kind, Payload and VisibleAt are set
// by the producer; Lease, LeaseExpiresAt and Deliveries are set by Poll.
type Task struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	VisibleAt      time.Time       `json:"visible_at"`
	Deliveries     int             `json:"deliveries,omitempty"`
	Lease          string          `json:"-"`
	LeaseExpiresAt time.Time       `json:"-"`
}

// TaskQueue is the dispatch contract shared by all queue backends.
type TaskQueue interface {
	// Enqueue makes the task available at VisibleAt (immediately if zero).
	Enqueue(ctx context.Context, task *Task) error
	// Poll leases the next visible task. It blocks up to the backend's poll
	// timeout and returns nil, nil when nothing became available.
	Poll(ctx context.Context, queue string, lease time.Duration) (*Task, error)
	// Complete removes a leased task.
	Complete(ctx context.Context, task *Task) error
	// Fail releases a leased task back to the queue after retryAfter.
	Fail(ctx context.Context, task *Task, retryAfter time.Duration) error
	// ExtendLease pushes the lease deadline of a held task.
	ExtendLease(ctx context.Context, task *Task, lease time.Duration) error
	Close() error
}

// Options configures queue backends.
type Options struct {
	// PollTimeout bounds how long Poll blocks on an empty queue.
	PollTimeout time.Duration
	// PollInterval is how often a polling backend re-checks an empty queue.
	PollInterval time.Duration
	// Now overrides the clock used for visibility and lease deadlines. Poll
	// blocking is always bounded in wall time.
	Now func() time.Time
}

// DefaultOptions returns a one second poll bound.
func DefaultOptions() Options {
	return Options{
		PollTimeout:  time.Second,
		PollInterval: 50 * time.Millisecond,
		Now:          time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
