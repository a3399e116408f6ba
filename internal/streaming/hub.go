// Package streaming publishes one-way notifications when executions close.
// Nothing in the engine waits on a notification: Handle.Result uses them to
// wake early and falls back to polling the store, and an external layer may
// subscribe to persist derived records.
package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// ExecutionEvent reports that a run reached a terminal status.
type ExecutionEvent struct {
	WorkflowID   string                 `json:"workflow_id"`
	RunID        string                 `json:"run_id"`
	WorkflowType string                 `json:"workflow_type,omitempty"`
	EventType    schema.EventType       `json:"event_type"`
	Status       schema.ExecutionStatus `json:"status"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Failure      *schema.Failure        `json:"failure,omitempty"`
	ContinuedTo  string                 `json:"continued_to,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID string             `json:"workflow_id,omitempty"`
	RunID      string             `json:"run_id,omitempty"`
	EventTypes []schema.EventType `json:"event_types,omitempty"`
}

// Hub provides fire-and-forget pub/sub for execution events.
type Hub interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e ExecutionEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
