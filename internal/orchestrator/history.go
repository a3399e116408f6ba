package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

// activityState is the lifecycle of one scheduled activity as recorded in
// history. Attempt is the current attempt: the one started, or the one
// waiting to start.
type activityState struct {
	ID          string
	Type        string
	Input       json.RawMessage
	Options     schema.ActivityOptions
	ScheduledAt time.Time
	Status      engine.ActivityStatus
	Attempt     int
	StartedAt   time.Time
	RetryAt     time.Time
	LastFailure *schema.Failure
}

type timerState struct {
	ID     string
	FireAt time.Time
	Fired  bool
}

// runView is the part of a run's history the orchestrator needs to check
// task staleness and to rebuild lost tasks.
type runView struct {
	started           schema.WorkflowStartedAttributes
	startedAt         time.Time
	cancelRequestedAt time.Time

	activities map[string]*activityState
	order      []string
	timers     map[string]*timerState
	timerOrder []string
}

func buildView(history []schema.Event) (*runView, error) {
	v := &runView{
		activities: make(map[string]*activityState),
		timers:     make(map[string]*timerState),
	}
	for _, ev := range history {
		switch ev.Type {
		case schema.EventWorkflowStarted:
			if err := ev.Decode(&v.started); err != nil {
				return nil, err
			}
			v.startedAt = ev.Timestamp

		case schema.EventCancelRequested:
			if v.cancelRequestedAt.IsZero() {
				v.cancelRequestedAt = ev.Timestamp
			}

		case schema.EventActivityScheduled:
			var a schema.ActivityScheduledAttributes
			if err := ev.Decode(&a); err != nil {
				return nil, err
			}
			v.activities[a.ActivityID] = scheduledActivity(a, ev.Timestamp)
			v.order = append(v.order, a.ActivityID)

		case schema.EventActivityStarted:
			var a schema.ActivityStartedAttributes
			if err := ev.Decode(&a); err != nil {
				return nil, err
			}
			if st := v.activities[a.ActivityID]; st != nil {
				st.Status = engine.ActivityStarted
				st.Attempt = a.Attempt
				st.StartedAt = ev.Timestamp
			}

		case schema.EventActivityCompleted:
			var a schema.ActivityCompletedAttributes
			if err := ev.Decode(&a); err != nil {
				return nil, err
			}
			if st := v.activities[a.ActivityID]; st != nil {
				st.Status = engine.ActivityCompleted
			}

		case schema.EventActivityFailed:
			var a schema.ActivityFailedAttributes
			if err := ev.Decode(&a); err != nil {
				return nil, err
			}
			st := v.activities[a.ActivityID]
			if st == nil {
				continue
			}
			st.LastFailure = a.Failure
			if a.Final {
				st.Status = engine.ActivityFailed
				continue
			}
			st.Status = engine.ActivityRetrying
			st.Attempt = a.Attempt + 1
			st.RetryAt = ev.Timestamp.Add(a.NextRetryDelay)

		case schema.EventTimerStarted:
			var a schema.TimerStartedAttributes
			if err := ev.Decode(&a); err != nil {
				return nil, err
			}
			v.timers[a.TimerID] = &timerState{ID: a.TimerID, FireAt: a.FireAt}
			v.timerOrder = append(v.timerOrder, a.TimerID)

		case schema.EventTimerFired:
			var a schema.TimerFiredAttributes
			if err := ev.Decode(&a); err != nil {
				return nil, err
			}
			if t := v.timers[a.TimerID]; t != nil {
				t.Fired = true
			}
		}
	}
	return v, nil
}

func scheduledActivity(a schema.ActivityScheduledAttributes, at time.Time) *activityState {
	return &activityState{
		ID:          a.ActivityID,
		Type:        a.ActivityType,
		Input:       a.Input,
		Options:     a.Options.WithDefaults(),
		ScheduledAt: at,
		Status:      engine.ActivityScheduled,
		Attempt:     1,
	}
}

func (v *runView) activity(id string) *activityState {
	if v == nil {
		return nil
	}
	return v.activities[id]
}

// waiting reports whether attempt is the current attempt and has not started.
func (a *activityState) waiting(attempt int) bool {
	return a.Attempt == attempt && (a.Status == engine.ActivityScheduled || a.Status == engine.ActivityRetrying)
}

// running reports whether attempt is the current attempt and has started.
func (a *activityState) running(attempt int) bool {
	return a.Attempt == attempt && a.Status == engine.ActivityStarted
}
