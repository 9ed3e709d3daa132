package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/protofab/protofab/runtime/forge/events"
	"github.com/protofab/protofab/runtime/forge/model"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/prompt"
	"github.com/protofab/protofab/runtime/forge/retry"
	"github.com/protofab/protofab/runtime/forge/run"
	"github.com/protofab/protofab/runtime/forge/session"
)

// defaultTaskTimeout applies when a task carries no timeout of its own.
const defaultTaskTimeout = 30 * time.Second

// executeTask drives one model stream for the task, dispatching tool calls
// as they arrive. Task failures are reported in the result, not returned:
// the wave always completes and reflection sees every task.
func (k *Kernel) executeTask(ctx context.Context, r *run.Run, sess *session.Session, task plan.ExecutionTask, wave, iteration int, userMessage string, frozen *frozenState) TaskExecutionResult {
	started := k.now()
	res := TaskExecutionResult{TaskID: task.ID, Phase: task.Phase, Agent: task.AgentRole}
	waveID := fmt.Sprintf("wave-%d", wave)

	_ = r.Emitter.Emit(ctx, events.TypeTaskStarted, events.TaskPayload{
		TaskID: task.ID,
		Phase:  string(task.Phase),
		WaveID: waveID,
		Agent:  task.AgentRole,
	})

	timeout := defaultTaskTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := model.Request{
		AgentID:     task.AgentRole,
		SessionID:   sess.ID,
		Model:       sess.Model,
		System:      k.prompts[task.AgentRole],
		UserMessage: k.composeMessage(r, task, iteration, userMessage, frozen),
	}

	spec := retry.DefaultSpec()
	if task.MaxRetries >= 0 {
		spec.MaxAttempts = task.MaxRetries + 1
	}
	out, err := retry.Do(tctx, spec, func(ctx context.Context) (streamOutput, error) {
		return k.streamOnce(ctx, r, sess, task, iteration, req)
	})
	res.AssistantText = out.text
	res.ToolResults = append(res.ToolResults, out.tools...)
	res.FilesChanged = append(res.FilesChanged, out.files...)
	res.DurationMs = k.now().Sub(started).Milliseconds()

	if err != nil {
		res.Error = err.Error()
		_ = r.Emitter.Emit(ctx, events.TypeTaskCompleted, events.TaskPayload{
			TaskID: task.ID,
			Phase:  string(task.Phase),
			WaveID: waveID,
			Agent:  task.AgentRole,
			Error:  res.Error,
		})
		return res
	}

	for _, tr := range res.ToolResults {
		if tr.Blocked {
			_ = r.Emitter.Emit(ctx, events.TypeTaskBlocked, events.TaskPayload{
				TaskID: task.ID,
				Phase:  string(task.Phase),
				WaveID: waveID,
				Agent:  task.AgentRole,
				Detail: tr.Code,
			})
			break
		}
	}

	res.Success = true
	_ = r.Emitter.Emit(ctx, events.TypeTaskCompleted, events.TaskPayload{
		TaskID: task.ID,
		Phase:  string(task.Phase),
		WaveID: waveID,
		Agent:  task.AgentRole,
	})
	return res
}

// composeMessage appends the task's immutable-context blocks to the user
// message: the blueprint reasoning contract, the frozen contract bundle once
// the freeze has run, the skeleton execution policy, and iteration tags past
// the first pass.
func (k *Kernel) composeMessage(r *run.Run, task plan.ExecutionTask, iteration int, userMessage string, frozen *frozenState) string {
	b := prompt.NewBuilder()
	if r.Plan.Metadata.UIBlueprint != nil {
		b.BlueprintContract(r.Plan.Metadata.UIBlueprint)
	}
	if fc := frozen.get(); fc != nil {
		b.FrozenContracts(*fc)
	}
	if task.Phase == plan.PhaseSkeleton {
		b.ExecutionPolicy()
	}
	if r.Plan.Metadata.RequirementStrategy == plan.StrategyBrainstorm && task.Phase == plan.PhaseResearch {
		b.RequirementBrainstorm()
	}
	if iteration > 1 {
		b.AutonomousIteration(iteration)
	}
	return b.Append(userMessage)
}

type streamOutput struct {
	text  string
	tools []ToolResult
	files []string
}

// streamOnce is one model stream attempt for the task.
func (k *Kernel) streamOnce(ctx context.Context, r *run.Run, sess *session.Session, task plan.ExecutionTask, iteration int, req model.Request) (streamOutput, error) {
	var out streamOutput

	stream, err := k.model.Stream(ctx, req)
	if err != nil {
		return out, err
	}
	defer stream.Close()

	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.text = text.String()
			return out, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			text.WriteString(chunk.Text)
			_ = r.Emitter.Emit(ctx, events.TypeAssistantDelta, events.AssistantDeltaPayload{
				TaskID: task.ID,
				Delta:  chunk.Text,
			})
		case model.ChunkTypeToolCall:
			if chunk.ToolCall == nil {
				continue
			}
			tr := k.dispatchTool(ctx, r, sess, task, iteration, *chunk.ToolCall)
			out.tools = append(out.tools, tr)
			if tr.Path != "" && !tr.Blocked && tr.Error == "" && isMutatingTool(tr.Name) {
				out.files = append(out.files, tr.Path)
			}
		case model.ChunkTypeStop:
			// provider signaled end of turn; Recv returns io.EOF next
		}
	}
	out.text = text.String()
	return out, nil
}

func isMutatingTool(name string) bool {
	return name == toolWriteFile || name == toolApplyDiff
}

// Tool argument envelopes. Tools receive canonical JSON from the model
// adapters.
type (
	readArgs struct {
		Path string `json:"path"`
	}
	writeArgs struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	applyDiffArgs struct {
		Path                string `json:"path"`
		Patch               string `json:"patch"`
		NormalizeWhitespace *bool  `json:"normalizeWhitespace,omitempty"`
	}
)

func decodeArgs(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
