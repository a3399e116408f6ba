package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a history event variant.
type EventType string

// History event types.
const (
	EventWorkflowStarted        EventType = "workflow_started"
	EventWorkflowTaskCompleted  EventType = "workflow_task_completed"
	EventActivityScheduled      EventType = "activity_scheduled"
	EventActivityStarted        EventType = "activity_started"
	EventActivityCompleted      EventType = "activity_completed"
	EventActivityFailed         EventType = "activity_failed"
	EventTimerStarted           EventType = "timer_started"
	EventTimerFired             EventType = "timer_fired"
	EventMarkerRecorded         EventType = "marker_recorded"
	EventSignalReceived         EventType = "signal_received"
	EventCancelRequested        EventType = "cancel_requested"
	EventWorkflowCompleted      EventType = "workflow_completed"
	EventWorkflowFailed         EventType = "workflow_failed"
	EventWorkflowCancelled      EventType = "workflow_cancelled"
	EventWorkflowTerminated     EventType = "workflow_terminated"
	EventWorkflowTimedOut       EventType = "workflow_timed_out"
	EventWorkflowContinuedAsNew EventType = "workflow_continued_as_new"
)

// IsClosing reports whether the event moves the run to a terminal status.
func (t EventType) IsClosing() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventWorkflowTerminated, EventWorkflowTimedOut, EventWorkflowContinuedAsNew:
		return true
	default:
		return false
	}
}

// Event is an immutable history entry. Sequence is assigned by the store and
// is the sole ordering authority within a run.
type Event struct {
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an unsequenced event with an encoded payload.
func NewEvent(t EventType, ts time.Time, attrs any) (Event, error) {
	e := Event{Type: t, Timestamp: ts}
	if attrs != nil {
		b, err := json.Marshal(attrs)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s attributes: %w", t, err)
		}
		e.Payload = b
	}
	return e, nil
}

// MustEvent is NewEvent for attribute types that always marshal.
func MustEvent(t EventType, ts time.Time, attrs any) Event {
	e, err := NewEvent(t, ts, attrs)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode unmarshals the payload into attrs.
func (e Event) Decode(attrs any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, attrs); err != nil {
		return NewErrorf(ErrCodeStore, "decode %s event %d", e.Type, e.Sequence).WithCause(err)
	}
	return nil
}

// --- Event attributes ---

type WorkflowStartedAttributes struct {
	WorkflowType     string          `json:"workflow_type"`
	TaskQueue        string          `json:"task_queue"`
	Input            json.RawMessage `json:"input,omitempty"`
	ExecutionTimeout time.Duration   `json:"execution_timeout,omitempty"`
	ContinuedFrom    string          `json:"continued_from,omitempty"`
}

type WorkflowTaskCompletedAttributes struct {
	Identity string `json:"identity,omitempty"`
}

type ActivityScheduledAttributes struct {
	ActivityID   string          `json:"activity_id"`
	ActivityType string          `json:"activity_type"`
	Input        json.RawMessage `json:"input,omitempty"`
	Options      ActivityOptions `json:"options"`
}

type ActivityStartedAttributes struct {
	ActivityID string `json:"activity_id"`
	Attempt    int    `json:"attempt"`
	Identity   string `json:"identity,omitempty"`
}

type ActivityCompletedAttributes struct {
	ActivityID string          `json:"activity_id"`
	Attempt    int             `json:"attempt"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ActivityFailedAttributes is recorded once per failed attempt. Only the
// Final record is delivered to workflow code.
type ActivityFailedAttributes struct {
	ActivityID     string        `json:"activity_id"`
	Attempt        int           `json:"attempt"`
	Failure        *Failure      `json:"failure"`
	Final          bool          `json:"final"`
	NextRetryDelay time.Duration `json:"next_retry_delay,omitempty"`
}

type TimerStartedAttributes struct {
	TimerID  string        `json:"timer_id"`
	Duration time.Duration `json:"duration"`
	FireAt   time.Time     `json:"fire_at"`
}

type TimerFiredAttributes struct {
	TimerID string `json:"timer_id"`
}

// MarkerSideEffect is the kind of marker written by SideEffect.
const MarkerSideEffect = "side_effect"

type MarkerRecordedAttributes struct {
	MarkerID string          `json:"marker_id"`
	Kind     string          `json:"kind"`
	Value    json.RawMessage `json:"value,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
}

type SignalReceivedAttributes struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CancelRequestedAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowCompletedAttributes struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type WorkflowFailedAttributes struct {
	Failure *Failure `json:"failure"`
}

type WorkflowCancelledAttributes struct {
	Details json.RawMessage `json:"details,omitempty"`
}

type WorkflowTerminatedAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowTimedOutAttributes struct {
	Timeout time.Duration `json:"timeout"`
}

type WorkflowContinuedAsNewAttributes struct {
	NewRunID     string          `json:"new_run_id"`
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
}
