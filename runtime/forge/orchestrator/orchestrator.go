// Package orchestrator drives a request through the three layers — Analysis,
// Planning, Execution — over a shared blackboard, with stage-level transient
// retry, stage task events, budget advertisement, and once-only terminal
// reporting. On completion it optionally hands the session artifact set to
// the self-repair loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/protofab/protofab/runtime/forge/events"
	"github.com/protofab/protofab/runtime/forge/kernel"
	"github.com/protofab/protofab/runtime/forge/model"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/policy"
	"github.com/protofab/protofab/runtime/forge/reflect"
	"github.com/protofab/protofab/runtime/forge/repair"
	"github.com/protofab/protofab/runtime/forge/retry"
	"github.com/protofab/protofab/runtime/forge/run"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/telemetry"
)

type (
	// DesignDocuments is the structured output of the analysis layer.
	DesignDocuments struct {
		// Route is the routing verdict the planner builds for.
		Route plan.RouteDecision `json:"route"`
		// ProjectType is the selected template (next-js, react-vite, ...).
		ProjectType string `json:"projectType"`
		// TechStack is the selected stack.
		TechStack []string `json:"techStack,omitempty"`
		// UILibraries are the selected UI libraries.
		UILibraries []string `json:"uiLibraries,omitempty"`
		// Summary is the analysis digest carried to the planner.
		Summary string `json:"summary,omitempty"`
	}

	// Analyzer produces design documents for a request.
	Analyzer interface {
		Analyze(ctx context.Context, sess *session.Session, userMessage string) (*DesignDocuments, error)
	}

	// RepairRunner runs the self-repair loop over the session artifact set.
	// *repair.Loop satisfies it.
	RepairRunner interface {
		Run(ctx context.Context, sessionID string) (repair.Result, error)
	}

	// Request is one orchestration invocation.
	Request struct {
		// Session is the owning session. Required.
		Session *session.Session
		// UserMessage is the request text. Required.
		UserMessage string
		// Sink receives the run's event stream. Required.
		Sink events.Sink
		// Budget bounds the run. Zero limits are absent.
		Budget run.Budget
		// RunID overrides the generated run id. Used by tests.
		RunID string
	}

	// Result reports a finished orchestration.
	Result struct {
		RunID   string
		Plan    *plan.ExecutionPlan
		Outcome kernel.Outcome
		// Repair is set when the self-repair loop ran.
		Repair *repair.Result
		// Blackboard exposes the stage outputs for inspection.
		Blackboard *Blackboard
	}

	// Config assembles an orchestrator.
	Config struct {
		// Analyzer drives the analysis layer. Required.
		Analyzer Analyzer
		// Model streams LLM calls for the execution kernel. Required.
		Model model.Client
		// Files is the session file store. Required.
		Files session.FileStore
		// Policies is the per-session policy store. Required.
		Policies policy.SessionPolicyStore
		// Generator defaults to plan.NewGenerator().
		Generator *plan.Generator
		// Repair runs the self-repair loop after execution for supported
		// templates. Optional.
		Repair RepairRunner
		// SystemPrompts maps agent roles to system prompts.
		SystemPrompts map[string]string
		// WriteMode is the session write policy applied to overwrites.
		WriteMode policy.WriteMode
		// Retry overrides the stage retry spec. Defaults to retry.DefaultSpec.
		Retry retry.Spec
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Metrics defaults to a no-op.
		Metrics telemetry.Metrics
		// Now overrides the clock. Used by tests.
		Now func() time.Time
	}

	// Orchestrator runs requests. Safe for concurrent use; all per-run state
	// lives on the Run handle and the per-request blackboard.
	Orchestrator struct {
		analyzer Analyzer
		modelc   model.Client
		files    session.FileStore
		policies policy.SessionPolicyStore
		gen      *plan.Generator
		repair   RepairRunner
		prompts  map[string]string
		mode     policy.WriteMode
		retry    retry.Spec
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}
)

// Stage names, also the suffix of the stage task ids.
const (
	StageAnalysis  = "analysis"
	StagePlanning  = "planning"
	StageExecution = "execution"
)

// orchestrationWaveID tags stage task events so transports can separate the
// orchestration protocol from plan-task traffic.
const orchestrationWaveID = "orchestration"

// repairableTemplates are the templates the self-repair loop understands.
var repairableTemplates = map[session.Template]bool{
	session.TemplateNextJS:    true,
	session.TemplateReactVite: true,
}

// New validates the config and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("orchestrator: analyzer is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("orchestrator: model client is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("orchestrator: file store is required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("orchestrator: policy store is required")
	}
	gen := cfg.Generator
	if gen == nil {
		gen = plan.NewGenerator()
	}
	spec := cfg.Retry
	if spec.MaxAttempts == 0 {
		spec = retry.DefaultSpec()
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		analyzer: cfg.Analyzer,
		modelc:   cfg.Model,
		files:    cfg.Files,
		policies: cfg.Policies,
		gen:      gen,
		repair:   cfg.Repair,
		prompts:  cfg.SystemPrompts,
		mode:     cfg.WriteMode,
		retry:    spec,
		log:      log,
		metrics:  metrics,
		now:      now,
	}, nil
}

// Execute walks one request through analysis, planning and execution, then
// the optional self-repair loop, and ends the run with exactly one terminal
// event. Stage failures emit run.error with "<stage> layer failed: <msg>";
// cancellation emits nothing and returns the context error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Session == nil {
		return Result{}, fmt.Errorf("orchestrator: session is required")
	}
	if req.Sink == nil {
		return Result{}, fmt.Errorf("orchestrator: sink is required")
	}

	r := run.New(ctx, run.Options{
		SessionID: req.Session.ID,
		AgentID:   req.Session.ActiveAgentID,
		Sink:      req.Sink,
		Budget:    req.Budget,
		RunID:     req.RunID,
		Now:       o.now,
	})
	defer r.Cancel()

	bb := NewBlackboard()
	res := Result{RunID: r.ID, Blackboard: bb}
	started := o.now()
	o.metrics.IncCounter("orchestrator.runs.started", 1)

	if err := r.Tracker.Advertise(r.Context(), r.Emitter); err != nil {
		return res, err
	}

	var docs *DesignDocuments
	err := o.stage(r, StageAnalysis, func(ctx context.Context) error {
		d, err := o.analyzer.Analyze(ctx, req.Session, req.UserMessage)
		if err != nil {
			return err
		}
		docs = d
		bb.Set(KeyDesignDocuments, d)
		return nil
	})
	if err != nil {
		return res, err
	}

	err = o.stage(r, StagePlanning, func(ctx context.Context) error {
		p, err := o.gen.Generate(plan.Input{
			UserMessage: req.UserMessage,
			Route:       docs.Route,
			AgentID:     req.Session.ActiveAgentID,
			SessionMode: string(req.Session.Mode),
			ProjectType: docs.ProjectType,
			TechStack:   toAny(docs.TechStack),
			UILibraries: docs.UILibraries,
		})
		if err != nil {
			return err
		}
		r.Plan = p
		res.Plan = p
		bb.Set(KeyExecutionPlan, p)
		return nil
	})
	if err != nil {
		return res, err
	}

	err = o.stage(r, StageExecution, func(ctx context.Context) error {
		ctrl, err := reflect.NewController(reflect.ControllerConfig{
			Plan:        res.Plan,
			Files:       o.files,
			SessionID:   req.Session.ID,
			BaseMessage: req.UserMessage,
			TargetScore: req.Budget.TargetScore,
		})
		if err != nil {
			return err
		}
		k, err := kernel.New(kernel.Config{
			Model:         o.modelc,
			Files:         o.files,
			Policies:      o.policies,
			Controller:    ctrl,
			Logger:        o.log,
			SystemPrompts: o.prompts,
			WriteMode:     o.mode,
			Now:           o.now,
		})
		if err != nil {
			return err
		}
		outcome, err := k.ExecutePlan(r, req.Session, req.UserMessage)
		if err != nil {
			return err
		}
		res.Outcome = outcome
		bb.Set(KeyExecutionOutcome, outcome)
		return nil
	})
	if err != nil {
		return res, err
	}

	if o.repair != nil && repairableTemplates[req.Session.Template] {
		repairRes, err := o.repair.Run(r.Context(), req.Session.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return res, err
			}
			return res, o.fail(r, "repair", err)
		}
		res.Repair = &repairRes
		bb.Set(KeyRepairResult, repairRes)
	}

	success := res.Outcome.Success && (res.Repair == nil || res.Repair.Success)
	summary := res.Outcome.Summary
	if res.Repair != nil && !res.Repair.Success {
		summary = repairDigest(*res.Repair)
	}
	if err := r.Emitter.Emit(r.Context(), events.TypeRunCompleted, events.RunCompletedPayload{
		Success:           success,
		TerminationReason: res.Outcome.TerminationReason,
		Summary:           summary,
	}); err != nil {
		return res, err
	}

	o.metrics.IncCounter("orchestrator.runs.completed", 1, "success", fmt.Sprintf("%t", success))
	o.metrics.RecordTimer("orchestrator.run.duration", o.now().Sub(started))
	return res, nil
}

// stage runs one layer under the retry spec with the stage task protocol:
// started event, invocation with the run's cancellation propagated, completed
// event, and on failure a run.error terminal with the layer-failed message.
func (o *Orchestrator) stage(r *run.Run, name string, fn func(ctx context.Context) error) error {
	taskID := "orchestrator-" + name
	if err := r.Emitter.Emit(r.Context(), events.TypeTaskStarted, events.TaskPayload{
		TaskID: taskID,
		Phase:  name,
		WaveID: orchestrationWaveID,
	}); err != nil {
		return err
	}

	_, err := retry.Do(r.Context(), o.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if emitErr := r.Emitter.Emit(r.Context(), events.TypeTaskCompleted, events.TaskPayload{
			TaskID: taskID,
			Phase:  name,
			WaveID: orchestrationWaveID,
			Error:  err.Error(),
		}); emitErr != nil {
			return emitErr
		}
		return o.fail(r, name, err)
	}

	return r.Emitter.Emit(r.Context(), events.TypeTaskCompleted, events.TaskPayload{
		TaskID: taskID,
		Phase:  name,
		WaveID: orchestrationWaveID,
	})
}

// fail emits the run.error terminal for a failed layer and returns the
// wrapped error.
func (o *Orchestrator) fail(r *run.Run, stage string, err error) error {
	msg := fmt.Sprintf("%s layer failed: %s", stage, err.Error())
	o.log.Error(r.Context(), "orchestration stage failed", "run_id", r.ID, "stage", stage, "err", err)
	o.metrics.IncCounter("orchestrator.stage.failed", 1, "stage", stage)
	if emitErr := r.Emitter.Emit(r.Context(), events.TypeRunError, events.RunErrorPayload{Error: msg}); emitErr != nil {
		return emitErr
	}
	return fmt.Errorf("orchestrator: %s: %w", msg, err)
}

func repairDigest(res repair.Result) string {
	return fmt.Sprintf("self-repair ended after %d attempts with %d unresolved errors (strategy %s, %d rollbacks)",
		res.Attempts, len(res.Remaining), res.Strategy, res.Rollbacks)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
