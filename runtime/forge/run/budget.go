package run

import (
	"context"
	"sync"
	"time"

	"github.com/protofab/protofab/runtime/forge/events"
)

type (
	// Budget bounds a run. Zero-valued limits are absent and never enforced.
	Budget struct {
		// MaxIterations caps execution loop iterations (the "steps" dimension).
		MaxIterations int
		// MaxDurationMs caps wall-clock run time (the "ms" dimension).
		MaxDurationMs int64
		// MaxToolCalls caps tool invocations across the run (the "calls"
		// dimension).
		MaxToolCalls int
		// TargetScore ends the loop early once reflection reaches it.
		TargetScore float64
	}

	// Tracker accounts budget consumption for one run. Safe for concurrent
	// use: parallel wave workers record tool calls concurrently.
	Tracker struct {
		mu         sync.Mutex
		budget     Budget
		now        func() time.Time
		started    time.Time
		iterations int
		toolCalls  int
		advertised bool
	}
)

// Budget dimensions used in autonomy.budget events.
const (
	DimensionSteps = "steps"
	DimensionMs    = "ms"
	DimensionCalls = "calls"
)

// NewTracker returns a tracker for the budget.
func NewTracker(budget Budget, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{budget: budget, now: now, started: now()}
}

// Advertise emits one autonomy.budget event per present limit with used=0.
// Idempotent: both the orchestrator and the kernel call it at their start,
// the first caller wins.
func (t *Tracker) Advertise(ctx context.Context, em *events.Emitter) error {
	t.mu.Lock()
	if t.advertised {
		t.mu.Unlock()
		return nil
	}
	t.advertised = true
	b := t.budget
	t.mu.Unlock()

	type limit struct {
		dimension string
		value     int64
	}
	limits := []limit{
		{DimensionSteps, int64(b.MaxIterations)},
		{DimensionMs, b.MaxDurationMs},
		{DimensionCalls, int64(b.MaxToolCalls)},
	}
	for _, l := range limits {
		if l.value <= 0 {
			continue
		}
		err := em.Emit(ctx, events.TypeBudget, events.BudgetPayload{
			Dimension: l.dimension,
			Limit:     l.value,
			Used:      0,
			Status:    events.BudgetStatus(0, l.value),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// BeginIteration records the start of an execution iteration and reports
// whether the steps budget still allows it.
func (t *Tracker) BeginIteration() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget.MaxIterations > 0 && t.iterations >= t.budget.MaxIterations {
		return false
	}
	t.iterations++
	return true
}

// RecordToolCall accounts one tool invocation and reports whether the calls
// budget still holds.
func (t *Tracker) RecordToolCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolCalls++
	return t.budget.MaxToolCalls == 0 || t.toolCalls <= t.budget.MaxToolCalls
}

// Exceeded returns the first exhausted dimension, or "" when the run is
// within budget.
func (t *Tracker) Exceeded() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget.MaxIterations > 0 && t.iterations > t.budget.MaxIterations {
		return DimensionSteps
	}
	if t.budget.MaxDurationMs > 0 && t.now().Sub(t.started).Milliseconds() >= t.budget.MaxDurationMs {
		return DimensionMs
	}
	if t.budget.MaxToolCalls > 0 && t.toolCalls > t.budget.MaxToolCalls {
		return DimensionCalls
	}
	return ""
}

// TargetScore returns the early-accept score threshold, zero when absent.
func (t *Tracker) TargetScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget.TargetScore
}

// Iterations returns the number of iterations begun so far.
func (t *Tracker) Iterations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterations
}

// ToolCalls returns the number of tool calls recorded so far.
func (t *Tracker) ToolCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolCalls
}

// EmitExhausted emits the status=exhausted budget event for a dimension.
func (t *Tracker) EmitExhausted(ctx context.Context, em *events.Emitter, dimension string) error {
	t.mu.Lock()
	var limit, used int64
	switch dimension {
	case DimensionSteps:
		limit, used = int64(t.budget.MaxIterations), int64(t.iterations)
	case DimensionMs:
		limit, used = t.budget.MaxDurationMs, t.now().Sub(t.started).Milliseconds()
	case DimensionCalls:
		limit, used = int64(t.budget.MaxToolCalls), int64(t.toolCalls)
	}
	t.mu.Unlock()

	return em.Emit(ctx, events.TypeBudget, events.BudgetPayload{
		Dimension: dimension,
		Limit:     limit,
		Used:      used,
		Status:    "exhausted",
	})
}
