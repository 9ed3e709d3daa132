// Package run defines the per-run execution handle. A Run ties together the
// identifiers, the cancellation scope, the sequenced event emitter, and the
// budget tracker for one plan execution. Everything downstream (kernel,
// reflection, repair) borrows these from the Run rather than owning copies.
package run

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/protofab/protofab/runtime/forge/events"
	"github.com/protofab/protofab/runtime/forge/plan"
)

type (
	// Options configure a new run.
	Options struct {
		// SessionID scopes the run to a session. Required.
		SessionID string
		// AgentID names the active agent for the run.
		AgentID string
		// Sink receives the run's event stream. Required.
		Sink events.Sink
		// Plan is the execution plan driving the run. May be nil for
		// plan-less invocations (direct chat turns).
		Plan *plan.ExecutionPlan
		// Budget bounds the run. Zero limits are treated as absent.
		Budget Budget
		// RunID overrides the generated run identifier. Used by tests.
		RunID string
		// Now overrides the clock. Used by tests.
		Now func() time.Time
	}

	// Run is the live handle for one plan execution.
	Run struct {
		// ID uniquely identifies the run.
		ID string
		// SessionID is the owning session.
		SessionID string
		// AgentID is the active agent.
		AgentID string
		// Plan is the execution plan, nil for plan-less runs.
		Plan *plan.ExecutionPlan
		// Emitter is the run's sequenced event emitter. Terminal events pass
		// through it exactly once.
		Emitter *events.Emitter
		// Tracker enforces the run budget.
		Tracker *Tracker
		// StartedAt is the run start time.
		StartedAt time.Time

		ctx    context.Context
		cancel context.CancelFunc
	}
)

// New creates a run handle scoped to ctx. Canceling the returned run (or a
// sink failure inside the emitter) cancels the derived context; callers pass
// run.Context() to every blocking operation.
func New(ctx context.Context, opts Options) *Run {
	if opts.SessionID == "" {
		panic("run: session ID is required")
	}
	if opts.Sink == nil {
		panic("run: sink is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	id := opts.RunID
	if id == "" {
		id = "run-" + uuid.NewString()
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:        id,
		SessionID: opts.SessionID,
		AgentID:   opts.AgentID,
		Plan:      opts.Plan,
		Tracker:   NewTracker(opts.Budget, now),
		StartedAt: now().UTC(),
		ctx:       rctx,
		cancel:    cancel,
	}
	r.Emitter = events.NewEmitter(events.EmitterOptions{
		SessionID: opts.SessionID,
		RunID:     id,
		Sink:      opts.Sink,
		Cancel:    cancel,
		Now:       now,
	})
	return r
}

// Context returns the run-scoped context.
func (r *Run) Context() context.Context { return r.ctx }

// Cancel aborts the run. Safe to call multiple times.
func (r *Run) Cancel() { r.cancel() }

// Canceled reports whether the run context is done.
func (r *Run) Canceled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}
