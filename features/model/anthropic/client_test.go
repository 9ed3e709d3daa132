package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/protofab/protofab/runtime/forge/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"}); err == nil {
		t.Fatal("expected error for nil messages client")
	}
	if _, err := New(&stubMessagesClient{}, Options{}); err == nil {
		t.Fatal("expected error for missing default model")
	}
}

func TestStreamBuildsMessageParams(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 1024, Temperature: 0.4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	s, err := cl.Stream(context.Background(), model.Request{
		AgentID:     "frontend-pages",
		System:      "You build pages.",
		UserMessage: "build the login page",
		Tools: []model.ToolDefinition{
			{Name: "write_file", Description: "Write a file into the session workspace", InputSchema: schema},
		},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	p := stub.lastParams
	if got := string(p.Model); got != "claude-sonnet-4-5" {
		t.Fatalf("unexpected model %q", got)
	}
	if p.MaxTokens != 1024 {
		t.Fatalf("unexpected max tokens %d", p.MaxTokens)
	}
	if len(p.System) != 1 || p.System[0].Text != "You build pages." {
		t.Fatalf("unexpected system blocks %+v", p.System)
	}
	if len(p.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(p.Messages))
	}
	if len(p.Tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(p.Tools))
	}
	if !p.Temperature.Valid() || p.Temperature.Value != 0.4 {
		t.Fatalf("unexpected temperature %+v", p.Temperature)
	}
}

func TestStreamRequestOverridesDefaults(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := cl.Stream(context.Background(), model.Request{
		Model:       "claude-haiku-4-5",
		UserMessage: "hello",
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	if got := string(stub.lastParams.Model); got != "claude-haiku-4-5" {
		t.Fatalf("unexpected model %q", got)
	}
	if stub.lastParams.MaxTokens != 64 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Stream(context.Background(), model.Request{}); err == nil {
		t.Fatal("expected error for empty user message")
	}
}

func TestStreamRejectsToolWithoutDescription(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Stream(context.Background(), model.Request{
		UserMessage: "hello",
		Tools:       []model.ToolDefinition{{Name: "write_file"}},
	})
	if err == nil {
		t.Fatal("expected error for tool without description")
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 409, 425, 429, 500, 502, 529} {
		if !retryableStatus(status) {
			t.Fatalf("expected status %d to be retryable", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 422} {
		if retryableStatus(status) {
			t.Fatalf("expected status %d to be permanent", status)
		}
	}
}
