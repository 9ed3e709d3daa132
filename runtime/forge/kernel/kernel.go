// Package kernel executes plans wave by wave. The kernel drives model streams
// for each task, dispatches tool invocations through the policy layer, and
// loops iterations under the run budget until its controller accepts the
// result or a budget trips. It never emits terminal events; the orchestrator
// owns those.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/protofab/protofab/runtime/forge/model"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/policy"
	"github.com/protofab/protofab/runtime/forge/run"
	"github.com/protofab/protofab/runtime/forge/schedule"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/telemetry"
)

type (
	// ToolResult records one tool invocation within a task.
	ToolResult struct {
		CallID string `json:"callId"`
		Name   string `json:"name"`
		// Path is the normalized target path for file tools.
		Path   string `json:"path,omitempty"`
		Output string `json:"output,omitempty"`
		// Blocked marks policy rejections. Code carries the policy code.
		Blocked bool   `json:"blocked,omitempty"`
		Code    string `json:"code,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	// TaskExecutionResult is the outcome of one task in one iteration.
	TaskExecutionResult struct {
		TaskID        string       `json:"taskId"`
		Phase         plan.Phase   `json:"phase"`
		Agent         string       `json:"agent"`
		Success       bool         `json:"success"`
		Error         string       `json:"error,omitempty"`
		AssistantText string       `json:"assistantText,omitempty"`
		FilesChanged  []string     `json:"filesChanged,omitempty"`
		ToolResults   []ToolResult `json:"toolResults,omitempty"`
		DurationMs    int64        `json:"durationMs"`
	}

	// Decision is the iteration controller verdict after one iteration.
	Decision struct {
		// Action is accept, iterate or abort.
		Action string
		// Score is the reflection score for the iteration.
		Score float64
		// ReplanMessage replaces the user message on iterate when non-empty.
		ReplanMessage string
		// Summary digests unresolved issues for terminal reporting.
		Summary string
	}

	// Controller decides whether an iteration's results end the loop.
	Controller interface {
		Decide(ctx context.Context, iteration int, results []TaskExecutionResult) (Decision, error)
	}

	// Outcome summarizes a finished execution loop.
	Outcome struct {
		// TerminationReason is accept, max_iterations, budget, error or
		// cancelled.
		TerminationReason string
		Success           bool
		Iterations        int
		FinalScore        float64
		// BudgetDimension names the tripped dimension for budget outcomes.
		BudgetDimension string
		Summary         string
	}

	// Config assembles kernel dependencies.
	Config struct {
		// Model streams LLM calls. Required.
		Model model.Client
		// Files is the session file store. Required.
		Files session.FileStore
		// Policies is the per-session policy store. Required.
		Policies policy.SessionPolicyStore
		// Controller decides accept/iterate/abort. Required.
		Controller Controller
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// SystemPrompts maps agent roles to system prompts.
		SystemPrompts map[string]string
		// WriteMode is the session write policy applied to overwrites.
		WriteMode policy.WriteMode
		// Now overrides the clock, for tests.
		Now func() time.Time
	}

	// Kernel executes plans. Safe for concurrent runs: all per-run state
	// lives on the Run handle.
	Kernel struct {
		model    model.Client
		files    session.FileStore
		policies policy.SessionPolicyStore
		ctrl     Controller
		log      telemetry.Logger
		prompts  map[string]string
		mode     policy.WriteMode
		now      func() time.Time
	}
)

// Controller actions and outcome termination reasons.
const (
	ActionAccept  = "accept"
	ActionIterate = "iterate"
	ActionAbort   = "abort"

	ReasonAccept        = "accept"
	ReasonMaxIterations = "max_iterations"
	ReasonBudget        = "budget"
	ReasonError         = "error"
	ReasonCancelled     = "cancelled"
)

// ErrCyclicPlan reports a plan whose dependency graph cannot be scheduled.
var ErrCyclicPlan = errors.New("kernel: plan dependency graph has a cycle")

// New constructs a Kernel and validates required dependencies.
func New(cfg Config) (*Kernel, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("kernel: model client is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("kernel: file store is required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("kernel: policy store is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("kernel: controller is required")
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Kernel{
		model:    cfg.Model,
		files:    cfg.Files,
		policies: cfg.Policies,
		ctrl:     cfg.Controller,
		log:      log,
		prompts:  cfg.SystemPrompts,
		mode:     cfg.WriteMode,
		now:      now,
	}, nil
}

// ExecutePlan runs the plan attached to r under the iteration control loop.
// It returns the loop outcome; the error return is reserved for faults that
// prevent the loop from producing an outcome (cyclic plans, controller
// failures, cancellation).
func (k *Kernel) ExecutePlan(r *run.Run, sess *session.Session, userMessage string) (Outcome, error) {
	if r.Plan == nil {
		return Outcome{}, fmt.Errorf("kernel: run has no plan")
	}
	sched := schedule.Build(r.Plan.Tasks)
	if sched.HasCycle {
		return Outcome{TerminationReason: ReasonError}, fmt.Errorf("%w: residual %v", ErrCyclicPlan, sched.ResidualTaskIDs)
	}

	ctx := r.Context()
	if err := r.Tracker.Advertise(ctx, r.Emitter); err != nil {
		return Outcome{TerminationReason: ReasonError}, err
	}

	maxIterations := r.Plan.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}

	msg := userMessage
	frozen := &frozenState{}
	var lastScore float64
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			return Outcome{TerminationReason: ReasonCancelled, Iterations: iteration - 1}, ctx.Err()
		}
		if !r.Tracker.BeginIteration() {
			if err := r.Tracker.EmitExhausted(ctx, r.Emitter, run.DimensionSteps); err != nil {
				return Outcome{TerminationReason: ReasonError}, err
			}
			return Outcome{
				TerminationReason: ReasonBudget,
				BudgetDimension:   run.DimensionSteps,
				Iterations:        iteration - 1,
				FinalScore:        lastScore,
			}, nil
		}

		results := k.executeWaves(ctx, r, sess, sched, iteration, msg, frozen)

		if ctx.Err() != nil {
			return Outcome{TerminationReason: ReasonCancelled, Iterations: iteration}, ctx.Err()
		}
		if dim := r.Tracker.Exceeded(); dim != "" {
			if err := r.Tracker.EmitExhausted(ctx, r.Emitter, dim); err != nil {
				return Outcome{TerminationReason: ReasonError}, err
			}
			return Outcome{
				TerminationReason: ReasonBudget,
				BudgetDimension:   dim,
				Iterations:        iteration,
				FinalScore:        lastScore,
			}, nil
		}

		decision, err := k.ctrl.Decide(ctx, iteration, results)
		if err != nil {
			return Outcome{TerminationReason: ReasonError, Iterations: iteration}, err
		}
		lastScore = decision.Score

		if target := r.Tracker.TargetScore(); target > 0 && decision.Score >= target {
			decision.Action = ActionAccept
		}

		switch decision.Action {
		case ActionAccept:
			return Outcome{
				TerminationReason: ReasonAccept,
				Success:           true,
				Iterations:        iteration,
				FinalScore:        decision.Score,
				Summary:           decision.Summary,
			}, nil
		case ActionAbort:
			return Outcome{
				TerminationReason: ReasonError,
				Iterations:        iteration,
				FinalScore:        decision.Score,
				Summary:           decision.Summary,
			}, nil
		default:
			if decision.ReplanMessage != "" {
				msg = decision.ReplanMessage
			}
		}
	}
	return Outcome{
		TerminationReason: ReasonMaxIterations,
		Iterations:        maxIterations,
		FinalScore:        lastScore,
	}, nil
}

// executeWaves walks the schedule: serial groups run their tasks one at a
// time, parallel groups fan out one goroutine per task. Results are appended
// in schedule order for serial groups and completion order within parallel
// groups. A completed contract-freeze task flips the session contract policy
// before the next task starts.
func (k *Kernel) executeWaves(ctx context.Context, r *run.Run, sess *session.Session, sched schedule.ExecutionSchedule, iteration int, userMessage string, frozen *frozenState) []TaskExecutionResult {
	var (
		mu      sync.Mutex
		results []TaskExecutionResult
	)
	runTask := func(task plan.ExecutionTask, wave int) {
		res := k.executeTask(ctx, r, sess, task, wave, iteration, userMessage, frozen)
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
		if res.Success && task.Phase == plan.PhaseContractFreeze {
			k.freezeContracts(ctx, sess, frozen)
		}
	}

	for _, group := range sched.Groups {
		if ctx.Err() != nil {
			return results
		}
		if group.Mode == plan.ModeParallel {
			var wg sync.WaitGroup
			for _, task := range group.Tasks {
				wg.Add(1)
				go func(task plan.ExecutionTask) {
					defer wg.Done()
					runTask(task, group.WaveIndex)
				}(task)
			}
			wg.Wait()
			continue
		}
		for _, task := range group.Tasks {
			if ctx.Err() != nil {
				return results
			}
			runTask(task, group.WaveIndex)
		}
	}
	return results
}
