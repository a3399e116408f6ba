package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/rendis/loom/internal/queue"
	"github.com/rendis/loom/pkg/schema"
)

// QueueName returns the queue carrying tasks of kind for taskQueue.
func QueueName(taskQueue, kind string) string {
	return taskQueue + ":" + kind
}

// WorkflowTask asks a worker to advance a run.
type WorkflowTask struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Ref returns the run the task targets.
func (t WorkflowTask) Ref() schema.ExecutionRef {
	return schema.ExecutionRef{WorkflowID: t.WorkflowID, RunID: t.RunID}
}

// ActivityTask is one attempt of a scheduled activity.
type ActivityTask struct {
	WorkflowID   string                 `json:"workflow_id"`
	RunID        string                 `json:"run_id"`
	WorkflowType string                 `json:"workflow_type"`
	TaskQueue    string                 `json:"task_queue"`
	ActivityID   string                 `json:"activity_id"`
	ActivityType string                 `json:"activity_type"`
	Attempt      int                    `json:"attempt"`
	Input        json.RawMessage        `json:"input,omitempty"`
	Options      schema.ActivityOptions `json:"options"`
	ScheduledAt  time.Time              `json:"scheduled_at"`
}

// Ref returns the run the task belongs to.
func (t ActivityTask) Ref() schema.ExecutionRef {
	return schema.ExecutionRef{WorkflowID: t.WorkflowID, RunID: t.RunID}
}

// TimerKind distinguishes the deadlines carried on the timer queue.
type TimerKind string

const (
	TimerUser            TimerKind = "user"
	TimerScheduleToStart TimerKind = "schedule_to_start"
	TimerStartToClose    TimerKind = "start_to_close"
	TimerHeartbeat       TimerKind = "heartbeat"
	TimerWorkflowTimeout TimerKind = "workflow_timeout"
	TimerCancelTimeout   TimerKind = "cancel_timeout"
)

// TimerTask becomes visible at FireAt. Activity deadlines name the attempt
// they guard so a timer outliving its attempt is dropped.
type TimerTask struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	Kind       TimerKind `json:"kind"`
	TimerID    string    `json:"timer_id,omitempty"`
	ActivityID string    `json:"activity_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	FireAt     time.Time `json:"fire_at"`
}

// Ref returns the run the timer belongs to.
func (t TimerTask) Ref() schema.ExecutionRef {
	return schema.ExecutionRef{WorkflowID: t.WorkflowID, RunID: t.RunID}
}

// Decode unmarshals a queued task payload.
func Decode[T any](task *queue.Task) (T, error) {
	var v T
	if err := json.Unmarshal(task.Payload, &v); err != nil {
		return v, schema.NewErrorf(schema.ErrCodeValidation, "decode %s task %s", task.Kind, task.ID).WithCause(err)
	}
	return v, nil
}
