package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

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

func sseEvent(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent("message_start", `{"type":"message_start","message":{"id":"m1"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"building "}}`),
		sseEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"write_file"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"src/App.tsx\"}"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":12,"output_tokens":7}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	var texts []string
	var toolNames []string
	var toolArgs []string
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

func TestStreamerEmptyToolInputDefaultsToObject(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"read_file"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	ch, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if ch.Type != "tool_call" || string(ch.ToolCall.Arguments) != "{}" {
		t.Fatalf("unexpected chunk %+v", ch)
	}
}

func TestStreamerDecoderErrorSurfaces(t *testing.T) {
	dec := &testDecoder{err: errors.New("connection reset by peer")}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestStreamerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)

	s := newAnthropicStreamer(ctx, stream)
	defer func() { _ = s.Close() }()

	for {
		_, err := s.Recv()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return
		}
		t.Fatalf("unexpected error %v", err)
	}
}

func TestStreamerMissingToolIDFails(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","name":"write_file"}}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected missing id error, got %v", err)
	}
}
