package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/protofab/protofab/runtime/forge/model"
)

type stubCompletionsClient struct {
	lastParams sdk.ChatCompletionNewParams
	stream     *ssestream.Stream[sdk.ChatCompletionChunk]
}

func (s *stubCompletionsClient) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.ChatCompletionChunk](&testDecoder{}, nil)
	}
	return s.stream
}

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sseEvent(data string) ssestream.Event {
	return ssestream.Event{Data: []byte(data)}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "gpt-5"}); err == nil {
		t.Fatal("expected error for nil completions client")
	}
	if _, err := New(&stubCompletionsClient{}, Options{}); err == nil {
		t.Fatal("expected error for missing default model")
	}
}

func TestStreamBuildsCompletionParams(t *testing.T) {
	stub := &stubCompletionsClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5", MaxTokens: 2048, Temperature: 0.3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	s, err := cl.Stream(context.Background(), model.Request{
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
	if got := string(p.Model); got != "gpt-5" {
		t.Fatalf("unexpected model %q", got)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(p.Messages))
	}
	if !p.MaxCompletionTokens.Valid() || p.MaxCompletionTokens.Value != 2048 {
		t.Fatalf("unexpected max tokens %+v", p.MaxCompletionTokens)
	}
	if !p.Temperature.Valid() || p.Temperature.Value != 0.3 {
		t.Fatalf("unexpected temperature %+v", p.Temperature)
	}
	if len(p.Tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(p.Tools))
	}
	fn := p.Tools[0].Function
	if fn.Name != "write_file" {
		t.Fatalf("unexpected tool name %q", fn.Name)
	}
	if !fn.Description.Valid() || fn.Description.Value != "Write a file into the session workspace" {
		t.Fatalf("unexpected tool description %+v", fn.Description)
	}
	if fn.Parameters["type"] != "object" {
		t.Fatalf("unexpected tool parameters %+v", fn.Parameters)
	}
	raw, err := json.Marshal(p.Tools[0])
	if err != nil {
		t.Fatalf("marshal tool: %v", err)
	}
	if !strings.Contains(string(raw), `"type":"function"`) {
		t.Fatalf("tool payload missing function type: %s", raw)
	}
	if !p.StreamOptions.IncludeUsage.Valid() || !p.StreamOptions.IncludeUsage.Value {
		t.Fatal("expected usage reporting to be enabled")
	}
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	cl, err := New(&stubCompletionsClient{}, Options{DefaultModel: "gpt-5", MaxTokens: 2048})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Stream(context.Background(), model.Request{}); err == nil {
		t.Fatal("expected error for empty user message")
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(`{"id":"c1","choices":[{"index":0,"delta":{"content":"building "}}]}`),
		sseEvent(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"write_file","arguments":"{\"path\":"}}]}}]}`),
		sseEvent(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"src/App.tsx\"}"}}]}}]}`),
		sseEvent(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		sseEvent(`{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newOpenAIStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	var texts, toolNames, toolArgs []string
	var sawUsage, sawStop bool
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		switch ch.Type {
		case "text":
			texts = append(texts, ch.Text)
		case "tool_call":
			toolNames = append(toolNames, ch.ToolCall.Name)
			toolArgs = append(toolArgs, string(ch.ToolCall.Arguments))
		case "usage":
			sawUsage = true
			if ch.Usage.TotalTokens != 19 {
				t.Fatalf("unexpected total tokens %d", ch.Usage.TotalTokens)
			}
		case "stop":
			sawStop = true
		}
	}

	if len(texts) != 1 || texts[0] != "building " {
		t.Fatalf("unexpected texts %v", texts)
	}
	if len(toolNames) != 1 || toolNames[0] != "write_file" {
		t.Fatalf("unexpected tool names %v", toolNames)
	}
	if toolArgs[0] != `{"path":"src/App.tsx"}` {
		t.Fatalf("unexpected tool args %q", toolArgs[0])
	}
	if !sawUsage || !sawStop {
		t.Fatalf("expected usage and stop chunks, got usage=%v stop=%v", sawUsage, sawStop)
	}
}

func TestStreamerFlushesUnfinishedToolCallAtEOF(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"read_file","arguments":"{}"}}]}}]}`),
	}}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newOpenAIStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	ch, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ch.Type != "tool_call" || ch.ToolCall.Name != "read_file" {
		t.Fatalf("unexpected chunk %+v", ch)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamerDecoderErrorSurfaces(t *testing.T) {
	dec := &testDecoder{err: errors.New("bad gateway")}
	stream := ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)

	s := newOpenAIStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 429, 500, 503} {
		if !retryableStatus(status) {
			t.Fatalf("expected status %d to be retryable", status)
		}
	}
	for _, status := range []int{400, 401, 404} {
		if retryableStatus(status) {
			t.Fatalf("expected status %d to be permanent", status)
		}
	}
}
