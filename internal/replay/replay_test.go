package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

var (
	testRef  = schema.ExecutionRef{WorkflowID: "wf-1", RunID: "run-1"}
	testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// harness plays the orchestrator's part: it owns the history, advances the
// state and appends each live decision behind a WorkflowTaskCompleted.
type harness struct {
	t       *testing.T
	engine  *Engine
	state   *State
	history []schema.Event
	now     time.Time
}

func newHarness(t *testing.T, reg *registry.Registry) *harness {
	t.Helper()
	e := NewEngine(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := &harness{t: t, engine: e, state: e.NewState(testRef), now: testTime}
	t.Cleanup(func() { h.state.Close() })
	return h
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(nil)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterActivity(reg, "greet", func(_ context.Context, name string) (string, error) {
		return "hello " + name, nil
	}))
	return reg
}

func event(t *testing.T, typ schema.EventType, attrs any) schema.Event {
	t.Helper()
	ev, err := schema.NewEvent(typ, time.Time{}, attrs)
	require.NoError(t, err)
	return ev
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (h *harness) append(events ...schema.Event) {
	for _, ev := range events {
		ev.Sequence = int64(len(h.history) + 1)
		if ev.Timestamp.IsZero() {
			ev.Timestamp = h.now
		}
		h.history = append(h.history, ev)
	}
}

func (h *harness) start(wfType string, input any) {
	h.append(event(h.t, schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{
		WorkflowType: wfType,
		TaskQueue:    "default",
		Input:        mustJSON(h.t, input),
	}))
}

func (h *harness) step() Result {
	h.t.Helper()
	res, err := h.engine.Advance(h.state, h.history[h.state.LastSequence():], h.now)
	require.NoError(h.t, err)
	if res.Ran {
		wtc := schema.MustEvent(schema.EventWorkflowTaskCompleted, h.now, nil)
		h.append(append([]schema.Event{wtc}, res.Commands...)...)
	}
	return res
}

// replayAll rebuilds a fresh state from the full history.
func (h *harness) replayAll() (Result, error) {
	s := h.engine.NewState(testRef)
	defer s.Close()
	return h.engine.Advance(s, h.history, h.now)
}

func decodeAttrs[T any](t *testing.T, ev schema.Event) T {
	t.Helper()
	var attrs T
	require.NoError(t, ev.Decode(&attrs))
	return attrs
}

func TestAdvance_HelloWorld(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "hello", func(ctx workflow.Context, name string) (string, error) {
		var out string
		if err := workflow.ExecuteActivity(ctx, "greet", name).Get(ctx, &out); err != nil {
			return "", err
		}
		return out, nil
	}))
	h := newHarness(t, reg)
	h.start("hello", "loom")

	res := h.step()
	require.True(t, res.Ran)
	require.Len(t, res.Commands, 1)
	require.Equal(t, schema.EventActivityScheduled, res.Commands[0].Type)
	scheduled := decodeAttrs[schema.ActivityScheduledAttributes](t, res.Commands[0])
	assert.Equal(t, "1", scheduled.ActivityID)
	assert.Equal(t, "greet", scheduled.ActivityType)
	assert.JSONEq(t, `"loom"`, string(scheduled.Input))
	assert.Equal(t, time.Minute, scheduled.Options.StartToCloseTimeout)
	require.NotNil(t, scheduled.Options.RetryPolicy)

	res = h.step()
	assert.False(t, res.Ran)

	h.append(event(t, schema.EventActivityCompleted, schema.ActivityCompletedAttributes{
		ActivityID: "1", Attempt: 1, Result: json.RawMessage(`"hello loom"`),
	}))
	res = h.step()
	require.True(t, res.Ran)
	assert.True(t, res.Closed)
	require.Len(t, res.Commands, 1)
	require.Equal(t, schema.EventWorkflowCompleted, res.Commands[0].Type)
	completed := decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0])
	assert.JSONEq(t, `"hello loom"`, string(completed.Result))

	res = h.step()
	assert.True(t, res.Closed)
	assert.False(t, res.Ran)

	full, err := h.replayAll()
	require.NoError(t, err)
	assert.True(t, full.Closed)
	assert.False(t, full.Ran)
}

func TestAdvance_FreshReplayRunsAheadFromTheSamePoint(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "two-steps", func(ctx workflow.Context, _ struct{}) (string, error) {
		var a, b string
		if err := workflow.ExecuteActivity(ctx, "greet", "a").Get(ctx, &a); err != nil {
			return "", err
		}
		if err := workflow.ExecuteActivity(ctx, "greet", "b").Get(ctx, &b); err != nil {
			return "", err
		}
		return a + "," + b, nil
	}))
	h := newHarness(t, reg)
	h.start("two-steps", nil)
	h.step()
	h.append(event(t, schema.EventActivityCompleted, schema.ActivityCompletedAttributes{ActivityID: "1", Result: json.RawMessage(`"x"`)}))

	// A worker without a cached state replays and decides the next step.
	res, err := h.replayAll()
	require.NoError(t, err)
	require.True(t, res.Ran)
	require.Len(t, res.Commands, 1)
	scheduled := decodeAttrs[schema.ActivityScheduledAttributes](t, res.Commands[0])
	assert.Equal(t, "2", scheduled.ActivityID)
	assert.JSONEq(t, `"b"`, string(scheduled.Input))
}

func TestAdvance_NowIsDecisionTime(t *testing.T) {
	type span struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "clock", func(ctx workflow.Context, _ struct{}) (span, error) {
		start := workflow.Now(ctx)
		if err := workflow.Sleep(ctx, time.Minute); err != nil {
			return span{}, err
		}
		return span{Start: start, End: workflow.Now(ctx)}, nil
	}))
	h := newHarness(t, reg)
	h.start("clock", nil)

	res := h.step()
	require.Len(t, res.Commands, 1)
	timer := decodeAttrs[schema.TimerStartedAttributes](t, res.Commands[0])
	assert.Equal(t, "1", timer.TimerID)
	assert.Equal(t, testTime.Add(time.Minute), timer.FireAt)

	h.now = testTime.Add(62 * time.Second)
	h.append(event(t, schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: "1"}))
	res = h.step()
	require.Len(t, res.Commands, 1)
	out := decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0])
	var got span
	require.NoError(t, json.Unmarshal(out.Result, &got))
	assert.True(t, got.Start.Equal(testTime))
	assert.True(t, got.End.Equal(h.now))

	h.now = h.now.Add(time.Hour)
	_, err := h.replayAll()
	require.NoError(t, err)
}

func TestAdvance_SideEffectRunsOnce(t *testing.T) {
	calls := 0
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "dice", func(ctx workflow.Context, _ struct{}) (int, error) {
		var n int
		if err := workflow.SideEffect(ctx, func() (any, error) {
			calls++
			return 4, nil
		}).Get(ctx, &n); err != nil {
			return 0, err
		}
		if err := workflow.Sleep(ctx, time.Second); err != nil {
			return 0, err
		}
		return n, nil
	}))
	h := newHarness(t, reg)
	h.start("dice", nil)

	res := h.step()
	require.Len(t, res.Commands, 2)
	assert.Equal(t, schema.EventMarkerRecorded, res.Commands[0].Type)
	assert.Equal(t, schema.EventTimerStarted, res.Commands[1].Type)
	marker := decodeAttrs[schema.MarkerRecordedAttributes](t, res.Commands[0])
	assert.Equal(t, schema.MarkerSideEffect, marker.Kind)
	assert.JSONEq(t, `4`, string(marker.Value))
	assert.Equal(t, 1, calls)

	h.append(event(t, schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: "1"}))
	res = h.step()
	require.Len(t, res.Commands, 1)
	assert.JSONEq(t, `4`, string(decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0]).Result))

	_, err := h.replayAll()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAdvance_SideEffectErrorIsRecorded(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "fails", func(ctx workflow.Context, _ struct{}) (string, error) {
		err := workflow.SideEffect(ctx, func() (any, error) {
			return nil, schema.NewApplicationError("no luck", "Dice", nil)
		}).Get(ctx, nil)
		return "", err
	}))
	h := newHarness(t, reg)
	h.start("fails", nil)

	res := h.step()
	require.Len(t, res.Commands, 2)
	marker := decodeAttrs[schema.MarkerRecordedAttributes](t, res.Commands[0])
	require.NotNil(t, marker.Failure)
	assert.Equal(t, "Dice", marker.Failure.Type)
	failed := decodeAttrs[schema.WorkflowFailedAttributes](t, res.Commands[1])
	assert.Equal(t, "Dice", failed.Failure.Type)
}

func TestAdvance_Signals(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "approval", func(ctx workflow.Context, _ struct{}) (string, error) {
		var decision string
		if err := workflow.GetSignalChannel(ctx, "approve").Receive(ctx, &decision); err != nil {
			return "", err
		}
		return decision, nil
	}))

	t.Run("waits for signal", func(t *testing.T) {
		h := newHarness(t, reg)
		h.start("approval", nil)

		res := h.step()
		assert.True(t, res.Ran)
		assert.Empty(t, res.Commands)

		h.append(event(t, schema.EventSignalReceived, schema.SignalReceivedAttributes{Name: "approve", Payload: json.RawMessage(`"yes"`)}))
		res = h.step()
		require.Len(t, res.Commands, 1)
		assert.JSONEq(t, `"yes"`, string(decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0]).Result))
	})

	t.Run("signal before first decision is buffered", func(t *testing.T) {
		h := newHarness(t, reg)
		h.start("approval", nil)
		h.append(event(t, schema.EventSignalReceived, schema.SignalReceivedAttributes{Name: "approve", Payload: json.RawMessage(`"early"`)}))

		res := h.step()
		require.Len(t, res.Commands, 1)
		assert.JSONEq(t, `"early"`, string(decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0]).Result))
	})
}

func TestAdvance_CancelDuringSleep(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "sleeper", func(ctx workflow.Context, _ struct{}) (string, error) {
		if err := workflow.Sleep(ctx, time.Hour); err != nil {
			var cleanup string
			if cerr := workflow.ExecuteActivity(workflow.WithoutCancel(ctx), "greet", "cleanup").Get(workflow.WithoutCancel(ctx), &cleanup); cerr != nil {
				return "", cerr
			}
			return "", err
		}
		return "woke", nil
	}))
	h := newHarness(t, reg)
	h.start("sleeper", nil)
	h.step()

	h.append(event(t, schema.EventCancelRequested, schema.CancelRequestedAttributes{Reason: "user"}))
	res := h.step()
	require.Len(t, res.Commands, 1)
	assert.Equal(t, schema.EventActivityScheduled, res.Commands[0].Type)

	h.append(event(t, schema.EventActivityCompleted, schema.ActivityCompletedAttributes{ActivityID: "1", Result: json.RawMessage(`"done"`)}))
	res = h.step()
	require.Len(t, res.Commands, 1)
	assert.Equal(t, schema.EventWorkflowCancelled, res.Commands[0].Type)
	assert.True(t, res.Closed)

	_, err := h.replayAll()
	require.NoError(t, err)
}

func TestAdvance_ContinueAsNew(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "counter", func(ctx workflow.Context, n int) (int, error) {
		if n < 3 {
			err := workflow.NewContinueAsNewError(ctx, n+1)
			if !workflow.IsContinueAsNewError(err) {
				return 0, errors.New("not a continue-as-new error")
			}
			return 0, err
		}
		return n, nil
	}))
	h := newHarness(t, reg)
	h.start("counter", 1)

	res := h.step()
	require.Len(t, res.Commands, 1)
	require.Equal(t, schema.EventWorkflowContinuedAsNew, res.Commands[0].Type)
	attrs := decodeAttrs[schema.WorkflowContinuedAsNewAttributes](t, res.Commands[0])
	assert.Equal(t, "counter", attrs.WorkflowType)
	assert.JSONEq(t, `2`, string(attrs.Input))
	assert.True(t, res.Closed)
}

func TestAdvance_PanicFailsRun(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "boom", func(workflow.Context, struct{}) (string, error) {
		panic("kaboom")
	}))
	h := newHarness(t, reg)
	h.start("boom", nil)

	res := h.step()
	require.Len(t, res.Commands, 1)
	failed := decodeAttrs[schema.WorkflowFailedAttributes](t, res.Commands[0])
	assert.Equal(t, schema.FailurePanic, failed.Failure.Kind)
	assert.Equal(t, "kaboom", failed.Failure.Message)
	assert.NotEmpty(t, failed.Failure.StackTrace)
}

func TestAdvance_UnknownActivityFailsFutureWithoutCommand(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "lost", func(ctx workflow.Context, _ struct{}) (string, error) {
		return "", workflow.ExecuteActivity(ctx, "ghost", nil).Get(ctx, nil)
	}))
	h := newHarness(t, reg)
	h.start("lost", nil)

	res := h.step()
	require.Len(t, res.Commands, 1)
	failed := decodeAttrs[schema.WorkflowFailedAttributes](t, res.Commands[0])
	assert.Equal(t, schema.FailureActivity, failed.Failure.Kind)
	require.NotNil(t, failed.Failure.Cause)
	assert.Equal(t, "ActivityTypeNotRegistered", failed.Failure.Cause.Type)
	assert.True(t, failed.Failure.Cause.NonRetryable)
}

func TestAdvance_OnlyFinalActivityFailureIsDelivered(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "once", func(ctx workflow.Context, _ struct{}) (string, error) {
		return "", workflow.ExecuteActivity(ctx, "greet", "x").Get(ctx, nil)
	}))
	h := newHarness(t, reg)
	h.start("once", nil)
	h.step()

	h.append(
		event(t, schema.EventActivityStarted, schema.ActivityStartedAttributes{ActivityID: "1", Attempt: 1}),
		event(t, schema.EventActivityFailed, schema.ActivityFailedAttributes{
			ActivityID: "1", Attempt: 1, Failure: &schema.Failure{Kind: schema.FailureApplication, Message: "flaky"},
			NextRetryDelay: time.Second,
		}),
	)
	res := h.step()
	assert.False(t, res.Ran)

	h.append(event(t, schema.EventActivityFailed, schema.ActivityFailedAttributes{
		ActivityID: "1", Attempt: 2, Final: true,
		Failure: &schema.Failure{Kind: schema.FailureApplication, Message: "still flaky", Type: "Flaky"},
	}))
	res = h.step()
	require.Len(t, res.Commands, 1)
	failed := decodeAttrs[schema.WorkflowFailedAttributes](t, res.Commands[0])
	assert.Equal(t, schema.FailureActivity, failed.Failure.Kind)
	assert.Equal(t, 2, failed.Failure.Attempt)
	assert.Equal(t, "greet", failed.Failure.ActivityType)
	assert.Equal(t, "Flaky", failed.Failure.Cause.Type)
}

func TestAdvance_NonDeterminism(t *testing.T) {
	useTimer := false
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "drift", func(ctx workflow.Context, _ struct{}) (string, error) {
		if useTimer {
			return "", workflow.Sleep(ctx, time.Second)
		}
		return "", workflow.ExecuteActivity(ctx, "greet", "x").Get(ctx, nil)
	}))
	h := newHarness(t, reg)
	h.start("drift", nil)
	h.step()
	h.step()

	useTimer = true
	_, err := h.replayAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrNonDeterminism)
	assert.Contains(t, err.Error(), "activity_scheduled(1/greet)")
	assert.Equal(t, schema.FailureNonDeterminism, schema.FailureFromError(err).Kind)
}

func TestAdvance_MissingCommandIsNonDeterminism(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "quiet", func(workflow.Context, struct{}) (string, error) {
		return "", nil
	}))
	h := newHarness(t, reg)
	h.start("quiet", nil)
	h.append(
		schema.MustEvent(schema.EventWorkflowTaskCompleted, testTime, nil),
		event(t, schema.EventTimerStarted, schema.TimerStartedAttributes{TimerID: "1", Duration: time.Second}),
	)

	_, err := h.replayAll()
	assert.ErrorIs(t, err, schema.ErrNonDeterminism)
}

func TestAdvance_StaleStateAfterLostRace(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "hello", func(ctx workflow.Context, name string) (string, error) {
		return "", workflow.ExecuteActivity(ctx, "greet", name).Get(ctx, nil)
	}))
	h := newHarness(t, reg)
	h.start("hello", "x")

	res, err := h.engine.Advance(h.state, h.history, h.now)
	require.NoError(t, err)
	require.True(t, res.Ran)

	// Another worker appended a signal before this decision was written.
	h.append(event(t, schema.EventSignalReceived, schema.SignalReceivedAttributes{Name: "poke"}))
	_, err = h.engine.Advance(h.state, h.history[1:], h.now)
	assert.True(t, errors.Is(err, ErrStaleState))
}

func TestAdvance_SequenceGap(t *testing.T) {
	reg := newTestRegistry(t)
	h := newHarness(t, reg)
	ev := event(t, schema.EventWorkflowStarted, schema.WorkflowStartedAttributes{WorkflowType: "x"})
	ev.Sequence = 3
	_, err := h.engine.Advance(h.state, []schema.Event{ev}, h.now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected sequence 1")
}

func TestAdvance_TerminatedHistoryIsClosed(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "sleeper", func(ctx workflow.Context, _ struct{}) (string, error) {
		return "", workflow.Sleep(ctx, time.Hour)
	}))
	h := newHarness(t, reg)
	h.start("sleeper", nil)
	h.step()
	h.append(event(t, schema.EventWorkflowTerminated, schema.WorkflowTerminatedAttributes{Reason: "ops"}))

	res := h.step()
	assert.True(t, res.Closed)
	assert.False(t, res.Ran)
	assert.True(t, h.state.Closed())
}

func TestCache_EvictionClosesState(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "sleeper", func(ctx workflow.Context, _ struct{}) (string, error) {
		return "", workflow.Sleep(ctx, time.Hour)
	}))
	h := newHarness(t, reg)
	h.start("sleeper", nil)
	h.step()

	cache, err := NewCache(1)
	require.NoError(t, err)
	cache.Put(h.state)
	got, ok := cache.Get(testRef)
	require.True(t, ok)
	assert.Same(t, h.state, got)

	other := h.engine.NewState(schema.ExecutionRef{WorkflowID: "wf-2", RunID: "run-1"})
	cache.Put(other)
	assert.Equal(t, 1, cache.Len())
	_, ok = cache.Get(testRef)
	assert.False(t, ok)

	_, err = h.engine.Advance(h.state, h.history[h.state.LastSequence():], h.now)
	assert.ErrorIs(t, err, ErrStaleState)

	cache.Evict(other.Ref())
	assert.Equal(t, 0, cache.Len())
}

func TestCache_PutReplacesAndClosesOldState(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewEngine(reg, nil)
	cache, err := NewCache(4)
	require.NoError(t, err)

	first := e.NewState(testRef)
	second := e.NewState(testRef)
	cache.Put(first)
	cache.Put(second)

	got, ok := cache.Get(testRef)
	require.True(t, ok)
	assert.Same(t, second, got)
	_, err = e.Advance(first, nil, testTime)
	assert.ErrorIs(t, err, ErrStaleState)
	cache.Purge()
}

func TestAdvance_SelectorRacesActivityAgainstTimer(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "race", func(ctx workflow.Context, _ struct{}) (string, error) {
		winner := ""
		sel := workflow.NewSelector(ctx).
			AddFuture(workflow.ExecuteActivity(ctx, "greet", "slow"), func(f workflow.Future) {
				_ = f.Get(ctx, &winner)
			}).
			AddFuture(workflow.NewTimer(ctx, 10*time.Second), func(workflow.Future) {
				winner = "timeout"
			})
		if err := sel.Select(); err != nil {
			return "", err
		}
		return winner, nil
	}))
	h := newHarness(t, reg)
	h.start("race", nil)

	res := h.step()
	require.Len(t, res.Commands, 2)
	assert.Equal(t, schema.EventActivityScheduled, res.Commands[0].Type)
	assert.Equal(t, schema.EventTimerStarted, res.Commands[1].Type)

	h.append(event(t, schema.EventTimerFired, schema.TimerFiredAttributes{TimerID: "1"}))
	res = h.step()
	require.Len(t, res.Commands, 1)
	assert.JSONEq(t, `"timeout"`, string(decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0]).Result))

	_, err := h.replayAll()
	require.NoError(t, err)
}

func TestAdvance_SelectorReceivesSignals(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "gate", func(ctx workflow.Context, _ struct{}) ([]string, error) {
		var got []string
		on := func(prefix string) func(workflow.ReceiveChannel) {
			return func(c workflow.ReceiveChannel) {
				var s string
				c.ReceiveAsync(&s)
				got = append(got, prefix+":"+s)
			}
		}
		sel := workflow.NewSelector(ctx).
			AddReceive(workflow.GetSignalChannel(ctx, "approve"), on("approve")).
			AddReceive(workflow.GetSignalChannel(ctx, "reject"), on("reject"))
		for len(got) < 2 {
			if err := sel.Select(); err != nil {
				if workflow.IsCancelRequested(ctx) {
					got = append(got, "cancelled")
					return got, nil
				}
				return nil, err
			}
		}
		return got, nil
	}))

	t.Run("both signals", func(t *testing.T) {
		h := newHarness(t, reg)
		h.start("gate", nil)
		h.append(event(t, schema.EventSignalReceived, schema.SignalReceivedAttributes{Name: "reject", Payload: json.RawMessage(`"a"`)}))
		res := h.step()
		assert.Empty(t, res.Commands)

		h.append(event(t, schema.EventSignalReceived, schema.SignalReceivedAttributes{Name: "approve", Payload: json.RawMessage(`"b"`)}))
		res = h.step()
		require.Len(t, res.Commands, 1)
		assert.JSONEq(t, `["reject:a","approve:b"]`, string(decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0]).Result))
	})

	t.Run("cancel while waiting", func(t *testing.T) {
		h := newHarness(t, reg)
		h.start("gate", nil)
		h.step()
		h.append(event(t, schema.EventCancelRequested, schema.CancelRequestedAttributes{Reason: "user"}))
		res := h.step()
		require.Len(t, res.Commands, 1)
		assert.JSONEq(t, `["cancelled"]`, string(decodeAttrs[schema.WorkflowCompletedAttributes](t, res.Commands[0]).Result))
	})
}

func TestAdvance_ActivityOptionsFollowContext(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, registry.RegisterWorkflow(reg, "opts", func(ctx workflow.Context, _ struct{}) (string, error) {
		ctx = workflow.WithActivityOptions(ctx, schema.ActivityOptions{HeartbeatTimeout: 5 * time.Second})
		if workflow.GetActivityOptions(ctx).HeartbeatTimeout != 5*time.Second {
			return "", errors.New("options lost")
		}
		var out string
		err := workflow.ExecuteActivity(workflow.WithoutCancel(ctx), "greet", "x").Get(ctx, &out)
		return out, err
	}))
	h := newHarness(t, reg)
	h.start("opts", nil)
	res := h.step()
	require.Len(t, res.Commands, 1)
	attrs := decodeAttrs[schema.ActivityScheduledAttributes](t, res.Commands[0])
	assert.Equal(t, 5*time.Second, attrs.Options.HeartbeatTimeout)
}
