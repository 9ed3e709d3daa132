package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/protofab/protofab/runtime/forge/events"
)

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Send(_ context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestNewRunWiresCancellation(t *testing.T) {
	sink := &captureSink{}
	r := New(context.Background(), Options{SessionID: "s1", AgentID: "frontend", Sink: sink})

	require.NotEmpty(t, r.ID)
	require.False(t, r.Canceled())
	r.Cancel()
	require.True(t, r.Canceled())
	r.Cancel() // idempotent
}

func TestTrackerAdvertisePresentLimitsOnly(t *testing.T) {
	sink := &captureSink{}
	r := New(context.Background(), Options{
		SessionID: "s1",
		Sink:      sink,
		RunID:     "run-1",
		Budget:    Budget{MaxIterations: 5, MaxToolCalls: 100},
	})

	require.NoError(t, r.Tracker.Advertise(context.Background(), r.Emitter))

	got := sink.all()
	require.Len(t, got, 2)
	dims := []string{
		got[0].Payload.(events.BudgetPayload).Dimension,
		got[1].Payload.(events.BudgetPayload).Dimension,
	}
	require.Equal(t, []string{DimensionSteps, DimensionCalls}, dims)
	for _, evt := range got {
		p := evt.Payload.(events.BudgetPayload)
		require.Zero(t, p.Used)
		require.Equal(t, "ok", p.Status)
	}
}

func TestTrackerIterationBudget(t *testing.T) {
	tr := NewTracker(Budget{MaxIterations: 2}, nil)
	require.True(t, tr.BeginIteration())
	require.True(t, tr.BeginIteration())
	require.False(t, tr.BeginIteration())
	require.Equal(t, 2, tr.Iterations())
	require.Empty(t, tr.Exceeded())
}

func TestTrackerToolCallBudget(t *testing.T) {
	tr := NewTracker(Budget{MaxToolCalls: 3}, nil)
	for i := 0; i < 3; i++ {
		require.True(t, tr.RecordToolCall())
	}
	require.False(t, tr.RecordToolCall())
	require.Equal(t, DimensionCalls, tr.Exceeded())
}

func TestTrackerDurationBudget(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	tr := NewTracker(Budget{MaxDurationMs: 1000}, now)

	require.Empty(t, tr.Exceeded())
	clock = clock.Add(1500 * time.Millisecond)
	require.Equal(t, DimensionMs, tr.Exceeded())
}

func TestTrackerUnboundedBudget(t *testing.T) {
	tr := NewTracker(Budget{}, nil)
	for i := 0; i < 100; i++ {
		require.True(t, tr.BeginIteration())
		require.True(t, tr.RecordToolCall())
	}
	require.Empty(t, tr.Exceeded())
}

func TestEmitExhausted(t *testing.T) {
	sink := &captureSink{}
	r := New(context.Background(), Options{
		SessionID: "s1", Sink: sink, RunID: "run-1",
		Budget: Budget{MaxToolCalls: 1},
	})
	r.Tracker.RecordToolCall()
	r.Tracker.RecordToolCall()

	require.NoError(t, r.Tracker.EmitExhausted(context.Background(), r.Emitter, DimensionCalls))

	got := sink.all()
	require.Len(t, got, 1)
	p := got[0].Payload.(events.BudgetPayload)
	require.Equal(t, "exhausted", p.Status)
	require.Equal(t, int64(2), p.Used)
	require.Equal(t, int64(1), p.Limit)
}
