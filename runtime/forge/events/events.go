// Package events defines the runtime event envelope delivered to streaming
// consumers. Events are client-facing updates (assistant deltas, tool progress,
// artifact changes, run lifecycle) produced while an orchestration run executes.
//
// All events flow through an Emitter which stamps the envelope metadata
// (session, run, monotone sequence, timestamp) and enforces the once-only
// terminal discipline: a run observes exactly one of run.completed/run.error.
// Implementations of Sink marshal events into their wire format (JSON over
// SSE or WebSocket, Pulse streams, test buffers).
package events

import (
	"context"
	"time"
)

type (
	// Type identifies an event kind in the runtime taxonomy.
	Type string

	// Event is the wire envelope shared by all runtime events. The Emitter
	// populates SessionID, RunID, Sequence and Timestamp; producers supply
	// Type and Payload. DurationMs is filled by the Emitter when the event
	// closes a previously opened stage or tool call.
	Event struct {
		// SessionID is the durable session the run belongs to.
		SessionID string `json:"sessionId"`
		// RunID identifies the orchestration run that produced the event.
		RunID string `json:"runId"`
		// Sequence is monotone per run, starting at 1. Consumers rely on it
		// for ordering and gap detection.
		Sequence uint64 `json:"sequence"`
		// Timestamp records when the event was emitted (UTC).
		Timestamp time.Time `json:"timestamp"`
		// DurationMs is the wall-clock pairing duration for events that close
		// a started stage or tool call. Nil otherwise.
		DurationMs *int64 `json:"durationMs,omitempty"`
		// Type is the event kind.
		Type Type `json:"type"`
		// Payload carries the event-specific data. It is one of the typed
		// payload structs defined in this package.
		Payload any `json:"payload,omitempty"`
	}

	// Sink delivers events to a transport (SSE, WebSocket, Pulse). Implementations
	// must be safe for concurrent Send calls: the Emitter serializes sequence
	// assignment but may be invoked from multiple goroutines.
	Sink interface {
		// Send publishes an event. A non-nil error signals the transport is no
		// longer writable; the Emitter reacts by canceling the owning run so
		// in-flight work unwinds quickly.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Idempotent.
		Close(ctx context.Context) error
	}

	// StagePayload describes a render pipeline stage transition. Started stages
	// are paired with any later non-started event sharing the same
	// (Adapter, Stage, ParentID, GroupID) key to compute DurationMs.
	StagePayload struct {
		Adapter  string `json:"adapter"`
		Stage    string `json:"stage"`
		ParentID string `json:"parentId,omitempty"`
		GroupID  string `json:"groupId,omitempty"`
		// Phase is "started", "completed" or "failed".
		Phase string `json:"phase"`
		// Detail is an optional human-readable note.
		Detail string `json:"detail,omitempty"`
	}

	// AssistantDeltaPayload carries an incremental assistant text fragment.
	AssistantDeltaPayload struct {
		TaskID string `json:"taskId,omitempty"`
		Delta  string `json:"delta"`
	}

	// ToolCallPayload describes a tool invocation lifecycle event. The CallID
	// pairs tool.call.started with any later tool.call event to compute
	// DurationMs.
	ToolCallPayload struct {
		CallID   string         `json:"callId"`
		ToolName string         `json:"toolName"`
		TaskID   string         `json:"taskId,omitempty"`
		// Title is a short human-facing description of the call.
		Title string `json:"title,omitempty"`
		// Output is the tool's textual output, set on completed/failed.
		Output string `json:"output,omitempty"`
		// Error carries the failure reason for tool.call.failed.
		Error string `json:"error,omitempty"`
		// Metadata carries structured tool-specific details.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// FileChangedPayload reports a session artifact mutation.
	FileChangedPayload struct {
		Path     string `json:"path"`
		Language string `json:"language,omitempty"`
		Size     int    `json:"size"`
		// Operation is "create", "update" or "patch".
		Operation string `json:"operation"`
	}

	// TaskPayload describes an agent task lifecycle event.
	TaskPayload struct {
		TaskID string `json:"taskId"`
		Phase  string `json:"phase,omitempty"`
		WaveID string `json:"waveId,omitempty"`
		Agent  string `json:"agent,omitempty"`
		Detail string `json:"detail,omitempty"`
		Error  string `json:"error,omitempty"`
	}

	// BudgetPayload advertises consumption of a run budget dimension.
	BudgetPayload struct {
		// Dimension is "steps", "ms" or "calls".
		Dimension string `json:"dimension"`
		Limit     int64  `json:"limit"`
		Used      int64  `json:"used"`
		// Status is "ok", "warning" (remaining/limit <= 0.2) or "exhausted".
		Status string `json:"status"`
	}

	// RunCompletedPayload is the terminal success envelope.
	RunCompletedPayload struct {
		Success bool `json:"success"`
		// TerminationReason is one of accept, max_iterations, budget, error,
		// cancelled.
		TerminationReason string `json:"terminationReason"`
		// Summary is an optional digest of unresolved issues.
		Summary string `json:"summary,omitempty"`
	}

	// RunErrorPayload is the terminal failure envelope.
	RunErrorPayload struct {
		Error string `json:"error"`
	}
)

const (
	// TypePipelineStage reports render pipeline stage transitions.
	TypePipelineStage Type = "render.pipeline.stage"
	// TypeAssistantDelta streams incremental assistant text.
	TypeAssistantDelta Type = "assistant.delta"
	// TypeToolCallStarted reports a tool invocation being dispatched.
	TypeToolCallStarted Type = "tool.call.started"
	// TypeToolCallProgress reports intermediate tool progress.
	TypeToolCallProgress Type = "tool.call.progress"
	// TypeToolCallCompleted reports a successful tool invocation.
	TypeToolCallCompleted Type = "tool.call.completed"
	// TypeToolCallFailed reports a failed tool invocation.
	TypeToolCallFailed Type = "tool.call.failed"
	// TypeArtifactFileChanged reports a session file mutation.
	TypeArtifactFileChanged Type = "artifact.file.changed"
	// TypeTaskStarted reports an agent task starting.
	TypeTaskStarted Type = "agent.task.started"
	// TypeTaskProgress reports agent task progress.
	TypeTaskProgress Type = "agent.task.progress"
	// TypeTaskBlocked reports an agent task blocked on a policy or dependency.
	TypeTaskBlocked Type = "agent.task.blocked"
	// TypeTaskCompleted reports an agent task finishing.
	TypeTaskCompleted Type = "agent.task.completed"
	// TypeBudget advertises budget consumption.
	TypeBudget Type = "autonomy.budget"
	// TypeRunCompleted is the terminal success event.
	TypeRunCompleted Type = "run.completed"
	// TypeRunError is the terminal failure event.
	TypeRunError Type = "run.error"
)

// IsTerminal reports whether the type ends a run's event stream.
func (t Type) IsTerminal() bool {
	return t == TypeRunCompleted || t == TypeRunError
}

// BudgetStatus computes the advertised status for a budget dimension:
// "exhausted" when used >= limit, "warning" when remaining/limit <= 0.2,
// otherwise "ok". A non-positive limit always reports "ok" because the
// dimension is unbounded.
func BudgetStatus(used, limit int64) string {
	if limit <= 0 {
		return "ok"
	}
	if used >= limit {
		return "exhausted"
	}
	remaining := limit - used
	if float64(remaining)/float64(limit) <= 0.2 {
		return "warning"
	}
	return "ok"
}
