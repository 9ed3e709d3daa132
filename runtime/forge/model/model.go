// Package model defines the LLM client contract the execution kernel and the
// self-repair loop consume. Implementations wrap provider SDKs (Anthropic,
// OpenAI) and translate Request/Chunk to provider-specific formats; see
// features/model for the adapters. Clients must be safe for concurrent
// streams: a single client is shared across runs.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Client is the streaming LLM contract.
	Client interface {
		// Stream sends a request and returns a Streamer yielding incremental
		// chunks (text deltas, tool-call requests, usage). The Streamer must
		// drain and release resources when ctx is canceled; callers close it
		// when done.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Single-goroutine use.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying stream.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// AgentID identifies the invoking agent role (e.g., "frontend-pages").
		AgentID string
		// SessionID scopes the call to a session for provider-side tracing.
		SessionID string
		// MessageID correlates the call with a stored conversation message.
		MessageID string
		// Model is the provider-specific model identifier. Empty uses the
		// adapter default.
		Model string
		// System is the agent's system prompt.
		System string
		// UserMessage is the user-facing request text, including any appended
		// immutable-context blocks.
		UserMessage string
		// Tools describes the tool schemas exposed to the model. Empty when
		// the model should not invoke tools.
		Tools []ToolDefinition
		// MaxTokens caps completion length. Zero uses the adapter default.
		MaxTokens int
		// Temperature controls sampling. Zero uses the adapter default.
		Temperature float64
	}

	// ToolDefinition describes one callable tool exposed to the model.
	ToolDefinition struct {
		// Name is the tool identifier (e.g., "write_file").
		Name string
		// Description tells the model when to use the tool.
		Description string
		// InputSchema is the JSON schema for the tool arguments.
		InputSchema json.RawMessage
	}

	// Chunk is one incremental streaming event.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type string
		// Text is the delta text for ChunkTypeText.
		Text string
		// ToolCall is set for ChunkTypeToolCall.
		ToolCall *ToolCallRequest
		// Usage is set for ChunkTypeUsage.
		Usage *TokenUsage
	}

	// ToolCallRequest is a model-initiated tool invocation.
	ToolCallRequest struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name is the tool name.
		Name string
		// Arguments is the canonical JSON tool input.
		Arguments json.RawMessage
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// ProviderError describes a failure returned by a model provider. It
	// carries the markers (retryable flag, HTTP-like status, provider code)
	// the retry classifier needs for deterministic transient detection.
	ProviderError struct {
		provider  string
		operation string
		status    int
		code      string
		message   string
		retryable bool
		cause     error
	}
)

// Chunk type constants populate Chunk.Type.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// NewProviderError constructs a ProviderError. The provider name is required;
// cause may be nil but is recommended to preserve the original chain.
func NewProviderError(provider, operation string, status int, code, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		status:    status,
		code:      code,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.operation != "" {
		return fmt.Sprintf("%s %s: %s", e.provider, e.operation, e.message)
	}
	return fmt.Sprintf("%s: %s", e.provider, e.message)
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error { return e.cause }

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Retryable reports whether retrying may succeed without changing the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

// Status returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) Status() int { return e.status }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }
