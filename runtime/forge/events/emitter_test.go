package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureSink) Send(_ context.Context, evt Event) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureSink) Close(context.Context) error { return nil }

func (c *captureSink) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestEmitter(sink Sink, now func() time.Time) *Emitter {
	return NewEmitter(EmitterOptions{
		SessionID: "sess-1",
		RunID:     "run-1",
		Sink:      sink,
		Now:       now,
	})
}

func TestEmitterSequencesFromOne(t *testing.T) {
	sink := &captureSink{}
	em := newTestEmitter(sink, nil)
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, TypeTaskStarted, TaskPayload{TaskID: "t1"}))
	require.NoError(t, em.Emit(ctx, TypeAssistantDelta, AssistantDeltaPayload{Delta: "hi"}))

	evts := sink.all()
	require.Len(t, evts, 2)
	require.Equal(t, uint64(1), evts[0].Sequence)
	require.Equal(t, uint64(2), evts[1].Sequence)
	require.Equal(t, "sess-1", evts[0].SessionID)
	require.Equal(t, "run-1", evts[0].RunID)
	require.False(t, evts[0].Timestamp.IsZero())
}

func TestEmitterTerminalOnce(t *testing.T) {
	sink := &captureSink{}
	em := newTestEmitter(sink, nil)
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, TypeRunCompleted, RunCompletedPayload{Success: true, TerminationReason: "accept"}))
	require.NoError(t, em.Emit(ctx, TypeRunError, RunErrorPayload{Error: "late"}))
	require.NoError(t, em.Emit(ctx, TypeRunCompleted, RunCompletedPayload{Success: false}))

	evts := sink.all()
	require.Len(t, evts, 1)
	require.Equal(t, TypeRunCompleted, evts[0].Type)
	require.True(t, em.TerminalSent())
}

func TestEmitterTerminalOnceFromErrorPathFirst(t *testing.T) {
	sink := &captureSink{}
	em := newTestEmitter(sink, nil)
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, TypeRunError, RunErrorPayload{Error: "boom"}))
	require.NoError(t, em.Emit(ctx, TypeRunCompleted, RunCompletedPayload{Success: true}))

	evts := sink.all()
	require.Len(t, evts, 1)
	require.Equal(t, TypeRunError, evts[0].Type)
}

func TestEmitterPairsStageDurations(t *testing.T) {
	sink := &captureSink{}
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := func() time.Time { return clock }
	em := newTestEmitter(sink, now)
	ctx := context.Background()

	started := StagePayload{Adapter: "web", Stage: "skeleton", GroupID: "g1", Phase: "started"}
	require.NoError(t, em.Emit(ctx, TypePipelineStage, started))

	clock = clock.Add(250 * time.Millisecond)
	done := StagePayload{Adapter: "web", Stage: "skeleton", GroupID: "g1", Phase: "completed"}
	require.NoError(t, em.Emit(ctx, TypePipelineStage, done))

	evts := sink.all()
	require.Nil(t, evts[0].DurationMs)
	require.NotNil(t, evts[1].DurationMs)
	require.Equal(t, int64(250), *evts[1].DurationMs)
}

func TestEmitterPairsToolCallDurations(t *testing.T) {
	sink := &captureSink{}
	clock := time.Unix(100, 0)
	now := func() time.Time { return clock }
	em := newTestEmitter(sink, now)
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, TypeToolCallStarted, ToolCallPayload{CallID: "c1", ToolName: "write_file"}))
	clock = clock.Add(40 * time.Millisecond)
	require.NoError(t, em.Emit(ctx, TypeToolCallProgress, ToolCallPayload{CallID: "c1"}))
	clock = clock.Add(60 * time.Millisecond)
	require.NoError(t, em.Emit(ctx, TypeToolCallCompleted, ToolCallPayload{CallID: "c1"}))

	evts := sink.all()
	require.Nil(t, evts[0].DurationMs)
	require.Equal(t, int64(40), *evts[1].DurationMs)
	require.Equal(t, int64(100), *evts[2].DurationMs)

	// The pairing is consumed by the completion event.
	require.NoError(t, em.Emit(ctx, TypeToolCallCompleted, ToolCallPayload{CallID: "c1"}))
	require.Nil(t, sink.all()[3].DurationMs)
}

func TestEmitterSinkFailureCancelsRun(t *testing.T) {
	sink := &captureSink{err: errors.New("transport gone")}
	canceled := false
	em := NewEmitter(EmitterOptions{
		SessionID: "s",
		RunID:     "r",
		Sink:      sink,
		Cancel:    func() { canceled = true },
	})

	err := em.Emit(context.Background(), TypeAssistantDelta, AssistantDeltaPayload{Delta: "x"})
	require.Error(t, err)
	require.True(t, canceled)
}

func TestEmitterConcurrentSequenceMonotone(t *testing.T) {
	sink := &captureSink{}
	em := newTestEmitter(sink, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = em.Emit(ctx, TypeAssistantDelta, AssistantDeltaPayload{Delta: "d"})
			}
		}()
	}
	wg.Wait()

	evts := sink.all()
	require.Len(t, evts, 400)
	seen := make(map[uint64]bool, len(evts))
	for _, evt := range evts {
		require.False(t, seen[evt.Sequence], "duplicate sequence %d", evt.Sequence)
		seen[evt.Sequence] = true
		require.GreaterOrEqual(t, evt.Sequence, uint64(1))
		require.LessOrEqual(t, evt.Sequence, uint64(400))
	}
}

func TestBudgetStatus(t *testing.T) {
	require.Equal(t, "ok", BudgetStatus(0, 0))
	require.Equal(t, "ok", BudgetStatus(1, 10))
	require.Equal(t, "warning", BudgetStatus(8, 10))
	require.Equal(t, "exhausted", BudgetStatus(10, 10))
	require.Equal(t, "exhausted", BudgetStatus(12, 10))
}
