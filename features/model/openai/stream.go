package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/protofab/protofab/runtime/forge/model"
)

// openaiStreamer adapts an OpenAI chat completion stream to the
// model.Streamer interface. Tool call arguments arrive fragmented across
// deltas keyed by tool index and are buffered until the choice finishes.
type openaiStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	os := &openaiStreamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go os.run()
	return os
}

func (s *openaiStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return model.Chunk{}, err
			}
			return model.Chunk{}, wrapProviderError("chat.completions.stream", err)
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *openaiStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *openaiStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	acc := newToolAccumulator()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
				return
			}
			if err := s.ctx.Err(); err != nil {
				s.setErr(err)
				return
			}
			// Flush any tool calls left open by a stream that ended without
			// a finish_reason.
			if err := acc.flush(s.emitChunk); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		if err := s.handle(s.stream.Current(), acc); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *openaiStreamer) handle(chunk sdk.ChatCompletionChunk, acc *toolAccumulator) error {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if err := s.emitChunk(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for _, call := range choice.Delta.ToolCalls {
			acc.add(call)
		}
		if choice.FinishReason != "" {
			if err := acc.flush(s.emitChunk); err != nil {
				return err
			}
			if err := s.emitChunk(model.Chunk{Type: model.ChunkTypeStop}); err != nil {
				return err
			}
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		usage := model.TokenUsage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:  int(chunk.Usage.TotalTokens),
		}
		return s.emitChunk(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	}
	return nil
}

func (s *openaiStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *openaiStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *openaiStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// toolAccumulator rebuilds tool calls from per-index argument fragments.
type toolAccumulator struct {
	buffers map[int64]*toolBuffer
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{buffers: make(map[int64]*toolBuffer)}
}

func (a *toolAccumulator) add(call sdk.ChatCompletionChunkChoiceDeltaToolCall) {
	tb := a.buffers[call.Index]
	if tb == nil {
		tb = &toolBuffer{}
		a.buffers[call.Index] = tb
	}
	if call.ID != "" {
		tb.id = call.ID
	}
	if call.Function.Name != "" {
		tb.name = call.Function.Name
	}
	if call.Function.Arguments != "" {
		tb.fragments = append(tb.fragments, call.Function.Arguments)
	}
}

func (a *toolAccumulator) flush(emit func(model.Chunk) error) error {
	if len(a.buffers) == 0 {
		return nil
	}
	indexes := make([]int64, 0, len(a.buffers))
	for idx := range a.buffers {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		tb := a.buffers[idx]
		if tb.name == "" {
			continue
		}
		args := strings.TrimSpace(strings.Join(tb.fragments, ""))
		if args == "" {
			args = "{}"
		}
		err := emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCallRequest{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: json.RawMessage(args),
			},
		})
		if err != nil {
			return err
		}
	}
	a.buffers = make(map[int64]*toolBuffer)
	return nil
}
