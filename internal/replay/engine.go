// Package replay rebuilds workflow state from history and drives workflow
// code forward.
//
// Every run has one State holding a parked goroutine running the workflow
// function. Advance feeds the State the events appended since it last ran.
// Each recorded WorkflowTaskCompleted marks a past decision: the buffered
// inputs before it are delivered, workflow code runs until it blocks, and the
// commands it produces must match the events recorded after the boundary.
// Inputs left over at the end of history trigger a live decision whose
// commands the caller appends.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

// ErrStaleState is returned when a cached State ran ahead of history but the
// next events do not start with its decision. Another worker won the append;
// the caller must discard the State and rebuild it from history.
var ErrStaleState = errors.New("replay: cached state is out of date")

// Result is the outcome of an Advance.
type Result struct {
	// Commands produced by a live decision, to be appended after a
	// WorkflowTaskCompleted event.
	Commands []schema.Event
	// Ran is true when a live decision ran. The caller must append its
	// WorkflowTaskCompleted even if Commands is empty.
	Ran bool
	// Closed reports whether the run is closed or about to be closed by
	// Commands.
	Closed bool
}

// Engine creates and advances States.
type Engine struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewEngine creates an Engine resolving workflow types from reg.
func NewEngine(reg *registry.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: reg, logger: logger}
}

// NewState creates an empty State for ref. It must be advanced from the
// first event of the run.
func (e *Engine) NewState(ref schema.ExecutionRef) *State {
	return newState(ref, e.registry, e.logger)
}

// Advance applies delta, the events following the State's last sequence, and
// runs a live decision at now if new inputs remain. Non-determinism is
// reported as a LoomError with code NON_DETERMINISM.
func (e *Engine) Advance(s *State, delta []schema.Event, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return Result{}, ErrStaleState
	}
	if s.ranAhead && (len(delta) == 0 || delta[0].Type != schema.EventWorkflowTaskCompleted) {
		return Result{}, ErrStaleState
	}

	for i, ev := range delta {
		if ev.Sequence != s.lastSeq+1 {
			return Result{}, schema.NewErrorf(schema.ErrCodeStore,
				"history gap in run %s: expected sequence %d, got %d", s.ref, s.lastSeq+1, ev.Sequence)
		}
		if err := s.apply(delta, i); err != nil {
			return Result{}, err
		}
		s.lastSeq = ev.Sequence
	}

	if len(s.pending) > 0 {
		return Result{}, nonDeterminism("workflow produced %s but history ends at sequence %d",
			describe(s.pending[0]), s.lastSeq)
	}
	if s.closed || s.finished {
		return Result{Closed: true}, nil
	}
	if len(s.inputs) == 0 {
		return Result{}, nil
	}

	cmds, err := s.decide(false, now)
	if err != nil {
		return Result{}, err
	}
	s.pending = cmds
	s.ranAhead = true
	return Result{Commands: cmds, Ran: true, Closed: s.finished}, nil
}

func (s *State) apply(delta []schema.Event, i int) error {
	ev := delta[i]
	switch ev.Type {
	case schema.EventWorkflowTaskCompleted:
		if s.ranAhead {
			s.ranAhead = false
			return nil
		}
		if len(s.pending) > 0 {
			return nonDeterminism("workflow produced %s that is missing from history before sequence %d",
				describe(s.pending[0]), ev.Sequence)
		}
		if err := s.collectMarkers(delta[i+1:]); err != nil {
			return err
		}
		cmds, err := s.decide(true, ev.Timestamp)
		if err != nil {
			return err
		}
		s.pending = cmds

	case schema.EventActivityScheduled, schema.EventTimerStarted, schema.EventMarkerRecorded,
		schema.EventWorkflowCompleted, schema.EventWorkflowCancelled, schema.EventWorkflowContinuedAsNew:
		return s.match(ev)

	case schema.EventWorkflowFailed:
		// A failure appended by the engine itself is not a workflow command.
		if len(s.pending) == 0 {
			s.closed = true
			return nil
		}
		return s.match(ev)

	case schema.EventWorkflowStarted, schema.EventActivityCompleted, schema.EventTimerFired,
		schema.EventSignalReceived, schema.EventCancelRequested:
		if ev.Type == schema.EventWorkflowStarted && ev.Sequence != 1 {
			return schema.NewErrorf(schema.ErrCodeStore, "run %s: %s at sequence %d", s.ref, ev.Type, ev.Sequence)
		}
		s.inputs = append(s.inputs, ev)

	case schema.EventActivityFailed:
		var attrs schema.ActivityFailedAttributes
		if err := ev.Decode(&attrs); err != nil {
			return err
		}
		if attrs.Final {
			s.inputs = append(s.inputs, ev)
		}

	case schema.EventActivityStarted:

	case schema.EventWorkflowTerminated, schema.EventWorkflowTimedOut:
		s.closed = true

	default:
		return schema.NewErrorf(schema.ErrCodeStore, "run %s: unknown event type %q at sequence %d", s.ref, ev.Type, ev.Sequence)
	}
	return nil
}

// collectMarkers records the side effect results of the decision that starts
// after a WorkflowTaskCompleted, so SideEffect can return them.
func (s *State) collectMarkers(rest []schema.Event) error {
	for _, ev := range rest {
		if ev.Type == schema.EventWorkflowTaskCompleted {
			break
		}
		if ev.Type != schema.EventMarkerRecorded {
			continue
		}
		var attrs schema.MarkerRecordedAttributes
		if err := ev.Decode(&attrs); err != nil {
			return err
		}
		s.markers[attrs.MarkerID] = attrs
	}
	return nil
}

func (s *State) match(ev schema.Event) error {
	if len(s.pending) == 0 {
		return nonDeterminism("history has %s at sequence %d but the workflow did not produce it",
			describe(ev), ev.Sequence)
	}
	want := s.pending[0]
	if want.Type != ev.Type || commandKey(want) != commandKey(ev) {
		return nonDeterminism("history has %s at sequence %d but the workflow produced %s",
			describe(ev), ev.Sequence, describe(want))
	}
	s.pending = s.pending[1:]
	if ev.Type == schema.EventMarkerRecorded {
		var attrs schema.MarkerRecordedAttributes
		if err := ev.Decode(&attrs); err == nil {
			delete(s.markers, attrs.MarkerID)
		}
	}
	if ev.Type.IsClosing() {
		s.closed = true
	}
	return nil
}

// decide delivers buffered inputs and runs workflow code until it blocks.
func (s *State) decide(replaying bool, at time.Time) ([]schema.Event, error) {
	s.replaying = replaying
	s.decisionTime = at
	if err := s.deliver(); err != nil {
		return nil, err
	}
	if s.co != nil && !s.finished {
		s.co.resume()
		if s.co.done {
			s.finish()
		}
	}
	cmds := s.produced
	s.produced = nil
	if s.emitErr != nil {
		err := s.emitErr
		s.emitErr = nil
		return nil, err
	}
	return cmds, nil
}

func (s *State) deliver() error {
	inputs := s.inputs
	s.inputs = nil
	for _, ev := range inputs {
		switch ev.Type {
		case schema.EventWorkflowStarted:
			var attrs schema.WorkflowStartedAttributes
			if err := ev.Decode(&attrs); err != nil {
				return err
			}
			s.start(attrs, ev.Timestamp)

		case schema.EventActivityCompleted:
			var attrs schema.ActivityCompletedAttributes
			if err := ev.Decode(&attrs); err != nil {
				return err
			}
			call, ok := s.activities[attrs.ActivityID]
			if !ok {
				return nonDeterminism("activity %s completed but was never scheduled", attrs.ActivityID)
			}
			call.future.Set(attrs.Result, nil)

		case schema.EventActivityFailed:
			var attrs schema.ActivityFailedAttributes
			if err := ev.Decode(&attrs); err != nil {
				return err
			}
			call, ok := s.activities[attrs.ActivityID]
			if !ok {
				return nonDeterminism("activity %s failed but was never scheduled", attrs.ActivityID)
			}
			call.future.Set(nil, schema.NewActivityError(attrs.ActivityID, call.activityType, attrs.Attempt, attrs.Failure.Err()))

		case schema.EventTimerFired:
			var attrs schema.TimerFiredAttributes
			if err := ev.Decode(&attrs); err != nil {
				return err
			}
			f, ok := s.timers[attrs.TimerID]
			if !ok {
				return nonDeterminism("timer %s fired but was never started", attrs.TimerID)
			}
			f.Set(nil, nil)

		case schema.EventSignalReceived:
			var attrs schema.SignalReceivedAttributes
			if err := ev.Decode(&attrs); err != nil {
				return err
			}
			s.channel(attrs.Name).Push(attrs.Payload)

		case schema.EventCancelRequested:
			s.cancelRequested = true
		}
	}
	return nil
}

func (s *State) start(attrs schema.WorkflowStartedAttributes, at time.Time) {
	s.info = schema.WorkflowInfo{
		WorkflowID:       s.ref.WorkflowID,
		RunID:            s.ref.RunID,
		WorkflowType:     attrs.WorkflowType,
		TaskQueue:        attrs.TaskQueue,
		ContinuedFrom:    attrs.ContinuedFrom,
		ExecutionTimeout: attrs.ExecutionTimeout,
		StartTime:        at,
	}
	def, lookupErr := s.registry.Workflow(attrs.WorkflowType)
	ctx := workflow.NewContext(s)
	input := attrs.Input
	s.co = newCoroutine(func() (json.RawMessage, error) {
		if lookupErr != nil {
			return nil, schema.NewNonRetryableApplicationError(lookupErr.Error(), "WorkflowTypeNotRegistered", nil)
		}
		return def.Handler(ctx, input)
	})
	s.started = true
}

// finish turns the workflow function's return into the closing command.
func (s *State) finish() {
	s.finished = true
	err := s.co.err
	var can *workflow.ContinueAsNewError
	switch {
	case err == nil:
		s.emit(schema.EventWorkflowCompleted, schema.WorkflowCompletedAttributes{Result: s.co.result})
	case errors.As(err, &can):
		wfType := can.WorkflowType
		if wfType == "" {
			wfType = s.info.WorkflowType
		}
		s.emit(schema.EventWorkflowContinuedAsNew, schema.WorkflowContinuedAsNewAttributes{
			WorkflowType: wfType,
			Input:        can.Input,
		})
	case s.cancelRequested && workflow.IsCanceledError(err):
		details, _ := json.Marshal(err.Error())
		s.emit(schema.EventWorkflowCancelled, schema.WorkflowCancelledAttributes{Details: details})
	default:
		s.emit(schema.EventWorkflowFailed, schema.WorkflowFailedAttributes{Failure: schema.FailureFromError(err)})
	}
}

// commandKey identifies a command within its type. Events that fail to
// decode get a key that matches nothing.
func commandKey(ev schema.Event) string {
	switch ev.Type {
	case schema.EventActivityScheduled:
		var a schema.ActivityScheduledAttributes
		if ev.Decode(&a) != nil {
			return "\x00"
		}
		return a.ActivityID + "/" + a.ActivityType
	case schema.EventTimerStarted:
		var a schema.TimerStartedAttributes
		if ev.Decode(&a) != nil {
			return "\x00"
		}
		return a.TimerID
	case schema.EventMarkerRecorded:
		var a schema.MarkerRecordedAttributes
		if ev.Decode(&a) != nil {
			return "\x00"
		}
		return a.MarkerID
	default:
		return ""
	}
}

func describe(ev schema.Event) string {
	if key := commandKey(ev); key != "" {
		return fmt.Sprintf("%s(%s)", ev.Type, key)
	}
	return string(ev.Type)
}

func nonDeterminism(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeNonDeterminism, format, args...)
}
