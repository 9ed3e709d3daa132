package reflect

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/protofab/protofab/runtime/forge/kernel"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/prompt"
	"github.com/protofab/protofab/runtime/forge/session"
)

type (
	// ReplanDiagnosticBundle captures why an iteration did not accept.
	ReplanDiagnosticBundle struct {
		Issues         []Issue `json:"issues"`
		Summary        string  `json:"summary"`
		Iteration      int     `json:"iteration"`
		ReplanDepth    int     `json:"replanDepth"`
		MaxReplanDepth int     `json:"maxReplanDepth"`
	}

	// ControllerConfig assembles an iteration controller for one run.
	ControllerConfig struct {
		// Plan is the executing plan. Required.
		Plan *plan.ExecutionPlan
		// Files is the session file store, used to count and sample
		// artifacts. Required.
		Files session.FileStore
		// SessionID scopes file lookups. Required.
		SessionID string
		// BaseMessage is the original user message replans rewrite.
		BaseMessage string
		// TargetScore is the accept threshold. Defaults to 80.
		TargetScore float64
	}

	// IterationController implements the kernel's Controller using Reflect.
	// One controller serves one run; it tracks replan depth and the file
	// total across iterations.
	IterationController struct {
		mu          sync.Mutex
		plan        *plan.ExecutionPlan
		files       session.FileStore
		sessionID   string
		baseMessage string
		target      float64

		replanDepth int
		lastReport  *Report
		lastBundle  *ReplanDiagnosticBundle
	}
)

// Artifact sampling bounds for reflection probes.
const (
	maxSampledArtifacts = 8
	maxSampleChars      = 1500

	defaultTargetScore = 80
)

// NewController validates the config and returns an iteration controller.
func NewController(cfg ControllerConfig) (*IterationController, error) {
	if cfg.Plan == nil {
		return nil, fmt.Errorf("reflect: plan is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("reflect: file store is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("reflect: session ID is required")
	}
	target := cfg.TargetScore
	if target <= 0 {
		target = defaultTargetScore
	}
	return &IterationController{
		plan:        cfg.Plan,
		files:       cfg.Files,
		sessionID:   cfg.SessionID,
		baseMessage: cfg.BaseMessage,
		target:      target,
	}, nil
}

// Decide reflects on the iteration results and returns accept, iterate with
// a rewritten replan message, or abort when the iteration budget is spent.
func (c *IterationController) Decide(ctx context.Context, iteration int, results []kernel.TaskExecutionResult) (kernel.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := c.files.GetAllFiles(ctx, c.sessionID)
	if err != nil {
		return kernel.Decision{}, fmt.Errorf("reflect: list session files: %w", err)
	}

	touched := touchedPaths(results)
	samples := make(map[string]string, min(len(files), maxSampledArtifacts))
	for _, f := range files {
		if len(samples) >= maxSampledArtifacts {
			break
		}
		content := f.Content
		if len(content) > maxSampleChars {
			content = content[:maxSampleChars]
		}
		samples[f.Path] = content
	}

	report := Reflect(Input{
		Plan:                        c.plan,
		Results:                     results,
		FilesGeneratedTotal:         len(files),
		FilesGeneratedThisIteration: len(touched),
		TouchedPaths:                touched,
		ArtifactSamples:             samples,
		Iteration:                   iteration,
	})
	c.lastReport = &report

	accept := report.Score >= c.target &&
		report.Failed == 0 &&
		report.StrictGatePassed &&
		len(report.MissingCriticalPhases) == 0
	if accept {
		c.lastBundle = nil
		return kernel.Decision{Action: kernel.ActionAccept, Score: report.Score}, nil
	}

	bundle := &ReplanDiagnosticBundle{
		Issues:         report.Issues,
		Summary:        summarize(report),
		Iteration:      iteration,
		ReplanDepth:    c.replanDepth,
		MaxReplanDepth: c.plan.ReplanPolicy.MaxReplanDepth,
	}
	c.lastBundle = bundle

	if iteration < c.plan.MaxIterations && c.replanDepth <= c.plan.ReplanPolicy.MaxReplanDepth {
		c.replanDepth++
		return kernel.Decision{
			Action:        kernel.ActionIterate,
			Score:         report.Score,
			ReplanMessage: c.composeReplan(iteration+1, bundle),
			Summary:       bundle.Summary,
		}, nil
	}
	return kernel.Decision{
		Action:  kernel.ActionAbort,
		Score:   report.Score,
		Summary: bundle.Summary,
	}, nil
}

// LastReport returns the most recent reflection report, nil before the first
// iteration.
func (c *IterationController) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport
}

// LastBundle returns the most recent replan bundle, nil after an accept.
func (c *IterationController) LastBundle() *ReplanDiagnosticBundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBundle
}

// composeReplan rewrites the user message for the next iteration: the base
// request plus iteration tags, the top issues with suggestions, next-task
// hints, and any active policy blocks.
func (c *IterationController) composeReplan(nextIteration int, bundle *ReplanDiagnosticBundle) string {
	b := prompt.NewBuilder()
	b.AutonomousIteration(nextIteration)
	b.ReplanDepth(bundle.ReplanDepth, bundle.MaxReplanDepth)

	if len(bundle.Issues) > 0 {
		var sb strings.Builder
		for i, issue := range bundle.Issues {
			if i == 3 {
				break
			}
			fmt.Fprintf(&sb, "%d. %s", i+1, issue.Message)
			if issue.Suggestion != "" {
				fmt.Fprintf(&sb, " — %s", issue.Suggestion)
			}
			sb.WriteString("\n")
		}
		b.Section("IterationIssues", strings.TrimRight(sb.String(), "\n"))
	}

	if hints := c.nextTaskHints(bundle); len(hints) > 0 {
		b.Section("NextTasks", strings.Join(hints, "\n"))
	}

	if c.plan.Metadata.RequirementStrategy == plan.StrategyBrainstorm {
		b.RequirementBrainstorm()
	}
	if c.lastReport != nil && c.lastReport.StrictPrototypeRequired {
		b.RichPrototypeQualityGate()
	}
	return b.Append(c.baseMessage)
}

// nextTaskHints derives up to three follow-up task hints from the bundle.
func (c *IterationController) nextTaskHints(bundle *ReplanDiagnosticBundle) []string {
	var hints []string
	seen := make(map[string]bool)
	add := func(h string) {
		if len(hints) < 3 && !seen[h] {
			seen[h] = true
			hints = append(hints, h)
		}
	}
	for _, issue := range bundle.Issues {
		switch issue.Code {
		case IssueMissingPhase, IssueTaskFailed:
			add("complete " + firstPhaseWord(issue.Message) + " end to end")
		case IssueSignalMissing:
			add(issue.Suggestion)
		case IssuePlaceholderContent:
			add("replace placeholder content with realistic data")
		case IssueStandaloneHTML:
			add("convert standalone HTML into framework components")
		}
	}
	return hints
}

func firstPhaseWord(message string) string {
	fields := strings.Fields(message)
	for i, f := range fields {
		if (f == "phase" || f == "task") && i+1 < len(fields) {
			return strings.Trim(fields[i+1], "():,")
		}
	}
	if len(fields) > 1 {
		return fields[1]
	}
	return "the failing work"
}

func summarize(r Report) string {
	return fmt.Sprintf("score %.1f (demand %d, consistency %d, quality %d, practice %d, coverage %d); %d failed, %d missing critical phases, %d issues",
		r.Score, r.DemandMatch, r.Consistency, r.CodeQuality, r.BestPractice,
		r.SignalCoverage, r.Failed, len(r.MissingCriticalPhases), len(r.Issues))
}

func touchedPaths(results []kernel.TaskExecutionResult) []string {
	var out []string
	seen := make(map[string]bool)
	for _, res := range results {
		for _, p := range res.FilesChanged {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
