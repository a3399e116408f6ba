package replay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

type activityCall struct {
	activityType string
	future       *workflow.SettableFuture
}

// State is the in-memory replica of one run: the parked workflow goroutine
// plus everything needed to check that it keeps producing the commands its
// history records. A State is owned by whoever holds the run's lock.
type State struct {
	mu   sync.Mutex
	dead bool

	ref      schema.ExecutionRef
	info     schema.WorkflowInfo
	registry *registry.Registry
	logger   *slog.Logger
	co       *coroutine

	lastSeq int64
	// inputs are events received since the last decision, waiting to be
	// delivered to workflow code.
	inputs []schema.Event
	// pending are commands from the last decision not yet matched against
	// recorded events.
	pending []schema.Event
	// produced collects commands emitted during the current decision.
	produced []schema.Event
	// ranAhead is set when the last decision ran past the end of history and
	// its commands are about to be appended.
	ranAhead bool

	started         bool
	finished        bool
	closed          bool
	replaying       bool
	cancelRequested bool
	decisionTime    time.Time
	emitErr         error

	activities map[string]*activityCall
	timers     map[string]*workflow.SettableFuture
	signals    map[string]*workflow.SignalChannel
	markers    map[string]schema.MarkerRecordedAttributes

	nextActivity int
	nextTimer    int
	nextMarker   int
}

var _ workflow.Environment = (*State)(nil)

func newState(ref schema.ExecutionRef, reg *registry.Registry, logger *slog.Logger) *State {
	s := &State{
		ref:        ref,
		registry:   reg,
		activities: make(map[string]*activityCall),
		timers:     make(map[string]*workflow.SettableFuture),
		signals:    make(map[string]*workflow.SignalChannel),
		markers:    make(map[string]schema.MarkerRecordedAttributes),
	}
	s.logger = slog.New(workflow.NewReplayAwareHandler(logger.Handler(), func() bool { return s.replaying })).
		With("workflow_id", ref.WorkflowID, "run_id", ref.RunID)
	return s
}

// Ref returns the run this state replicates.
func (s *State) Ref() schema.ExecutionRef { return s.ref }

// LastSequence returns the sequence of the last applied event.
func (s *State) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Closed reports whether the run has closed, either by its own command or by
// a recorded terminal event.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.finished
}

// Close unwinds the workflow goroutine. A closed state cannot be advanced.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	if s.co != nil {
		s.co.kill()
	}
}

// --- workflow.Environment ---

func (s *State) Info() schema.WorkflowInfo { return s.info }
func (s *State) Now() time.Time            { return s.decisionTime }
func (s *State) IsReplaying() bool         { return s.replaying }
func (s *State) Logger() *slog.Logger      { return s.logger }
func (s *State) CancelRequested() bool     { return s.cancelRequested }
func (s *State) Yield()                    { s.co.yield() }

func (s *State) ExecuteActivity(activityType string, input any, opts schema.ActivityOptions) workflow.Future {
	raw, err := encodeInput(input)
	if err != nil {
		return workflow.NewReadyFuture(nil, schema.NewActivityError("", activityType, 0,
			schema.NewNonRetryableApplicationError("encode activity input: "+err.Error(), "InvalidInput", nil)))
	}
	def, err := s.registry.ValidateActivityInput(activityType, raw)
	if err != nil {
		errType := "InvalidInput"
		if errors.Is(err, schema.ErrTypeNotRegistered) {
			errType = "ActivityTypeNotRegistered"
		}
		return workflow.NewReadyFuture(nil, schema.NewActivityError("", activityType, 0,
			schema.NewNonRetryableApplicationError(err.Error(), errType, nil)))
	}

	s.nextActivity++
	id := strconv.Itoa(s.nextActivity)
	f := workflow.NewFuture(true)
	s.activities[id] = &activityCall{activityType: activityType, future: f}
	s.emit(schema.EventActivityScheduled, schema.ActivityScheduledAttributes{
		ActivityID:   id,
		ActivityType: activityType,
		Input:        raw,
		Options:      mergeOptions(opts, def.Options),
	})
	return f
}

func (s *State) NewTimer(d time.Duration) workflow.Future {
	if d <= 0 {
		return workflow.NewReadyFuture(nil, nil)
	}
	s.nextTimer++
	id := strconv.Itoa(s.nextTimer)
	f := workflow.NewFuture(true)
	s.timers[id] = f
	s.emit(schema.EventTimerStarted, schema.TimerStartedAttributes{
		TimerID:  id,
		Duration: d,
		FireAt:   s.decisionTime.Add(d),
	})
	return f
}

func (s *State) SideEffect(fn func() (any, error)) workflow.Future {
	s.nextMarker++
	id := strconv.Itoa(s.nextMarker)

	// The recorded marker is emitted again so that it matches history.
	if rec, ok := s.markers[id]; ok {
		s.emit(schema.EventMarkerRecorded, rec)
		return workflow.NewReadyFuture(rec.Value, rec.Failure.Err())
	}

	attrs := schema.MarkerRecordedAttributes{MarkerID: id, Kind: schema.MarkerSideEffect}
	v, err := fn()
	if err != nil {
		attrs.Failure = schema.FailureFromError(err)
	} else if attrs.Value, err = encodeInput(v); err != nil {
		attrs.Failure = schema.FailureFromError(
			schema.NewNonRetryableApplicationError("encode side effect result: "+err.Error(), "EncodeError", nil))
	}
	s.emit(schema.EventMarkerRecorded, attrs)
	return workflow.NewReadyFuture(attrs.Value, attrs.Failure.Err())
}

func (s *State) SignalChannel(name string) workflow.ReceiveChannel {
	return s.channel(name)
}

func (s *State) channel(name string) *workflow.SignalChannel {
	ch, ok := s.signals[name]
	if !ok {
		ch = workflow.NewSignalChannel(name)
		s.signals[name] = ch
	}
	return ch
}

func (s *State) emit(t schema.EventType, attrs any) {
	ev, err := schema.NewEvent(t, s.decisionTime, attrs)
	if err != nil {
		s.emitErr = err
		return
	}
	s.produced = append(s.produced, ev)
}

func encodeInput(v any) (json.RawMessage, error) {
	switch in := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return in, nil
	case []byte:
		return json.Marshal(string(in))
	default:
		return json.Marshal(v)
	}
}

// mergeOptions fills the caller's unset fields from the activity type's
// defaults and then from the package defaults.
func mergeOptions(opts schema.ActivityOptions, typeDefaults *schema.ActivityOptions) schema.ActivityOptions {
	if typeDefaults != nil {
		if opts.ScheduleToStartTimeout <= 0 {
			opts.ScheduleToStartTimeout = typeDefaults.ScheduleToStartTimeout
		}
		if opts.StartToCloseTimeout <= 0 {
			opts.StartToCloseTimeout = typeDefaults.StartToCloseTimeout
		}
		if opts.HeartbeatTimeout <= 0 {
			opts.HeartbeatTimeout = typeDefaults.HeartbeatTimeout
		}
		if opts.RetryPolicy == nil && typeDefaults.RetryPolicy != nil {
			p := *typeDefaults.RetryPolicy
			opts.RetryPolicy = &p
		}
	}
	return opts.WithDefaults()
}
