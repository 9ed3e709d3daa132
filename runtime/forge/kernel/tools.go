package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/protofab/protofab/runtime/forge/events"
	"github.com/protofab/protofab/runtime/forge/model"
	"github.com/protofab/protofab/runtime/forge/patch"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/policy"
	"github.com/protofab/protofab/runtime/forge/run"
	"github.com/protofab/protofab/runtime/forge/session"
)

// Tool names exposed to the model.
const (
	toolReadFile  = "read_file"
	toolWriteFile = "write_file"
	toolApplyDiff = "apply_diff"
)

// codeOverwriteBlocked marks a write rejected by the overwrite policy. Unlike
// the path and contract codes it is a soft block: the task keeps running and
// the result records the rejection.
const codeOverwriteBlocked = "WRITE_OVERWRITE_BLOCKED"

// dispatchTool routes one model-initiated tool call through the policy layer
// and the file store, emitting the tool.call lifecycle events around it.
func (k *Kernel) dispatchTool(ctx context.Context, r *run.Run, sess *session.Session, task plan.ExecutionTask, iteration int, call model.ToolCallRequest) ToolResult {
	res := ToolResult{CallID: call.ID, Name: call.Name}

	if !r.Tracker.RecordToolCall() {
		res.Error = "tool call budget exhausted"
		_ = r.Emitter.Emit(ctx, events.TypeToolCallFailed, events.ToolCallPayload{
			CallID: call.ID, ToolName: call.Name, TaskID: task.ID, Error: res.Error,
		})
		return res
	}

	_ = r.Emitter.Emit(ctx, events.TypeToolCallStarted, events.ToolCallPayload{
		CallID: call.ID, ToolName: call.Name, TaskID: task.ID,
	})

	switch call.Name {
	case toolReadFile:
		k.readFile(ctx, r, sess, iteration, call, &res)
	case toolWriteFile:
		k.writeFile(ctx, r, sess, task, call, &res)
	case toolApplyDiff:
		k.applyDiff(ctx, r, sess, call, &res)
	default:
		res.Error = fmt.Sprintf("unknown tool %q", call.Name)
	}

	if res.Error != "" {
		_ = r.Emitter.Emit(ctx, events.TypeToolCallFailed, events.ToolCallPayload{
			CallID: call.ID, ToolName: call.Name, TaskID: task.ID, Error: res.Error,
		})
		return res
	}
	_ = r.Emitter.Emit(ctx, events.TypeToolCallCompleted, events.ToolCallPayload{
		CallID: call.ID, ToolName: call.Name, TaskID: task.ID, Output: res.Output,
	})
	return res
}

func (k *Kernel) readFile(ctx context.Context, r *run.Run, sess *session.Session, iteration int, call model.ToolCallRequest, res *ToolResult) {
	var args readArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		res.Error = fmt.Sprintf("invalid read_file arguments: %v", err)
		return
	}

	existing, err := k.existingPaths(ctx, sess.ID)
	if err != nil {
		res.Error = err.Error()
		return
	}
	decision := policy.EvaluateArtifactPath(args.Path, existing)
	if !decision.Allowed {
		res.Blocked = true
		res.Code = policy.CodeArtifactPathBlocked
		res.Error = fmt.Sprintf("%s: %s", policy.CodeArtifactPathBlocked, decision.Reason)
		return
	}
	res.Path = decision.NormalizedPath

	// The budget only binds once the session has artifacts to read.
	err = k.policies.ReadBudget().Consume(sess.ID, iteration, decision.NormalizedPath, len(existing) > 0)
	if errors.Is(err, policy.ErrReadBudgetExceeded) {
		res.Blocked = true
		res.Code = policy.CodeReadBudgetExceeded
		res.Error = policy.CodeReadBudgetExceeded
		return
	}
	if err != nil {
		res.Error = err.Error()
		return
	}

	file, err := k.files.GetFile(ctx, sess.ID, decision.NormalizedPath)
	if err != nil {
		res.Error = err.Error()
		return
	}
	if file == nil {
		res.Error = fmt.Sprintf("file not found: %s", decision.NormalizedPath)
		return
	}
	res.Output = file.Content
}

func (k *Kernel) writeFile(ctx context.Context, r *run.Run, sess *session.Session, task plan.ExecutionTask, call model.ToolCallRequest, res *ToolResult) {
	var args writeArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		res.Error = fmt.Sprintf("invalid write_file arguments: %v", err)
		return
	}

	existing, err := k.existingPaths(ctx, sess.ID)
	if err != nil {
		res.Error = err.Error()
		return
	}
	decision := policy.EvaluateArtifactPath(args.Path, existing)
	if !decision.Allowed {
		res.Blocked = true
		res.Code = policy.CodeArtifactPathBlocked
		res.Error = fmt.Sprintf("%s: %s", policy.CodeArtifactPathBlocked, decision.Reason)
		return
	}
	res.Path = decision.NormalizedPath

	contract := k.policies.Contract(sess.ID)
	if err := contract.CheckWrite(decision.NormalizedPath); err != nil {
		res.Blocked = true
		res.Code = policy.CodeContractFrozen
		res.Error = err.Error()
		return
	}

	exists := false
	for _, p := range existing {
		if p == decision.NormalizedPath {
			exists = true
			break
		}
	}
	if exists && !policy.OverwriteAllowed(k.mode, task.AgentRole, string(sess.Mode)) {
		// Soft block: recorded on the result, no error surfaced to the model
		// loop beyond the record itself.
		res.Blocked = true
		res.Code = codeOverwriteBlocked
		res.Output = fmt.Sprintf("blocked: overwriting %s requires allow_full_overwrite", decision.NormalizedPath)
		return
	}

	if _, err := k.files.SaveFiles(ctx, sess.ID, []session.FileInput{{
		Path:    decision.NormalizedPath,
		Content: args.Content,
	}}); err != nil {
		res.Error = err.Error()
		return
	}

	operation := "create"
	if exists {
		operation = "update"
	}
	_ = r.Emitter.Emit(ctx, events.TypeArtifactFileChanged, events.FileChangedPayload{
		Path:      decision.NormalizedPath,
		Size:      len(args.Content),
		Operation: operation,
	})
	res.Output = fmt.Sprintf("wrote %s (%d bytes)", decision.NormalizedPath, len(args.Content))
}

func (k *Kernel) applyDiff(ctx context.Context, r *run.Run, sess *session.Session, call model.ToolCallRequest, res *ToolResult) {
	var args applyDiffArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		res.Error = fmt.Sprintf("invalid apply_diff arguments: %v", err)
		return
	}
	normalize := true
	if args.NormalizeWhitespace != nil {
		normalize = *args.NormalizeWhitespace
	}

	existing, err := k.existingPaths(ctx, sess.ID)
	if err != nil {
		res.Error = err.Error()
		return
	}
	decision := policy.EvaluateArtifactPath(args.Path, existing)
	if !decision.Allowed {
		res.Blocked = true
		res.Code = policy.CodeArtifactPathBlocked
		res.Error = fmt.Sprintf("%s: %s", policy.CodeArtifactPathBlocked, decision.Reason)
		return
	}
	res.Path = decision.NormalizedPath

	contract := k.policies.Contract(sess.ID)
	if err := contract.CheckWrite(decision.NormalizedPath); err != nil {
		res.Blocked = true
		res.Code = policy.CodeContractFrozen
		res.Error = err.Error()
		return
	}

	file, err := k.files.GetFile(ctx, sess.ID, decision.NormalizedPath)
	if err != nil {
		res.Error = err.Error()
		return
	}
	if file == nil {
		res.Error = fmt.Sprintf("file not found: %s", decision.NormalizedPath)
		return
	}

	next, err := patch.Apply(decision.NormalizedPath, file.Content, args.Patch, normalize)
	if err != nil {
		var me *patch.MatchError
		if errors.As(err, &me) {
			res.Code = me.Code
		}
		res.Error = err.Error()
		return
	}

	if _, err := k.files.SaveFiles(ctx, sess.ID, []session.FileInput{{
		Path:     decision.NormalizedPath,
		Content:  next,
		Language: file.Language,
	}}); err != nil {
		res.Error = err.Error()
		return
	}
	_ = r.Emitter.Emit(ctx, events.TypeArtifactFileChanged, events.FileChangedPayload{
		Path:      decision.NormalizedPath,
		Language:  file.Language,
		Size:      len(next),
		Operation: "patch",
	})
	res.Output = fmt.Sprintf("patched %s", decision.NormalizedPath)
}

func (k *Kernel) existingPaths(ctx context.Context, sessionID string) ([]string, error) {
	files, err := k.files.GetAllFiles(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths, nil
}
