package events

import (
	"context"
	"sync"
	"time"
)

type (
	// Emitter stamps and sequences events for a single run before handing them
	// to a Sink. It owns three responsibilities the rest of the runtime relies
	// on:
	//
	//   - Sequence: strictly monotone per run, starting at 1, assigned inside
	//     a short critical section so concurrent producers never interleave.
	//   - Duration pairing: render.pipeline.stage started events are paired
	//     with the next event sharing the (adapter, stage, parentId, groupId)
	//     key; tool.call.started events are paired by call id. The closing
	//     event's DurationMs is filled from the pairing.
	//   - Terminal discipline: at most one of run.completed/run.error is ever
	//     forwarded to the sink. Later terminal attempts are dropped silently,
	//     regardless of which code path produced them.
	//
	// A Send failure from the sink marks the transport as unwritable and
	// invokes the configured cancel function so in-flight work unwinds.
	Emitter struct {
		mu        sync.Mutex
		sessionID string
		runID     string
		sink      Sink
		cancel    context.CancelFunc
		now       func() time.Time

		seq          uint64
		terminalSent bool
		openStages   map[stageKey]time.Time
		openTools    map[string]time.Time
	}

	stageKey struct {
		adapter  string
		stage    string
		parentID string
		groupID  string
	}

	// EmitterOptions configures an Emitter.
	EmitterOptions struct {
		// SessionID stamps every event envelope. Required.
		SessionID string
		// RunID stamps every event envelope. Required.
		RunID string
		// Sink receives the stamped events. Required.
		Sink Sink
		// Cancel is invoked once when the sink reports a delivery failure
		// (downstream transport no longer writable). Optional.
		Cancel context.CancelFunc
		// Now overrides the clock, primarily for tests. Defaults to time.Now.
		Now func() time.Time
	}
)

// NewEmitter constructs an Emitter for one run.
func NewEmitter(opts EmitterOptions) *Emitter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Emitter{
		sessionID:  opts.SessionID,
		runID:      opts.RunID,
		sink:       opts.Sink,
		cancel:     opts.Cancel,
		now:        now,
		openStages: make(map[stageKey]time.Time),
		openTools:  make(map[string]time.Time),
	}
}

// Emit stamps the envelope and forwards it to the sink. Terminal events after
// the first are dropped without error. A sink failure cancels the run and is
// returned to the caller.
func (e *Emitter) Emit(ctx context.Context, typ Type, payload any) error {
	e.mu.Lock()
	if typ.IsTerminal() {
		if e.terminalSent {
			e.mu.Unlock()
			return nil
		}
		e.terminalSent = true
	}
	now := e.now()
	e.seq++
	evt := Event{
		SessionID: e.sessionID,
		RunID:     e.runID,
		Sequence:  e.seq,
		Timestamp: now.UTC(),
		Type:      typ,
		Payload:   payload,
	}
	if d := e.pairLocked(typ, payload, now); d != nil {
		evt.DurationMs = d
	}
	e.mu.Unlock()

	if err := e.sink.Send(ctx, evt); err != nil {
		if e.cancel != nil {
			e.cancel()
		}
		return err
	}
	return nil
}

// TerminalSent reports whether a terminal event has already been forwarded.
func (e *Emitter) TerminalSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminalSent
}

// Sequence returns the last assigned sequence number.
func (e *Emitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// pairLocked maintains the open stage/tool tables and returns the pairing
// duration when the event closes an open entry. Caller holds e.mu.
func (e *Emitter) pairLocked(typ Type, payload any, now time.Time) *int64 {
	switch typ {
	case TypePipelineStage:
		sp, ok := payload.(StagePayload)
		if !ok {
			return nil
		}
		key := stageKey{adapter: sp.Adapter, stage: sp.Stage, parentID: sp.ParentID, groupID: sp.GroupID}
		if sp.Phase == "started" {
			e.openStages[key] = now
			return nil
		}
		started, ok := e.openStages[key]
		if !ok {
			return nil
		}
		delete(e.openStages, key)
		return millisSince(started, now)

	case TypeToolCallStarted:
		tp, ok := payload.(ToolCallPayload)
		if !ok || tp.CallID == "" {
			return nil
		}
		e.openTools[tp.CallID] = now
		return nil

	case TypeToolCallProgress, TypeToolCallCompleted, TypeToolCallFailed:
		tp, ok := payload.(ToolCallPayload)
		if !ok || tp.CallID == "" {
			return nil
		}
		started, ok := e.openTools[tp.CallID]
		if !ok {
			return nil
		}
		if typ != TypeToolCallProgress {
			delete(e.openTools, tp.CallID)
		}
		return millisSince(started, now)
	}
	return nil
}

func millisSince(start, now time.Time) *int64 {
	ms := now.Sub(start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}
