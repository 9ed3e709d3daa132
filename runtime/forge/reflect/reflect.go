// Package reflect scores one execution iteration and decides whether the run
// keeps iterating. Scoring is fully deterministic: signals come from regex
// probes over touched paths and artifact samples, and the composite score is
// a fixed weighting of four sub-scores plus signal coverage.
package reflect

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/protofab/protofab/runtime/forge/kernel"
	"github.com/protofab/protofab/runtime/forge/plan"
)

type (
	// Signals are the eight interaction probes over generated artifacts.
	Signals struct {
		LayoutShell      bool `json:"layoutShell"`
		RouteStructure   bool `json:"routeStructure"`
		DataSurface      bool `json:"dataSurface"`
		FormFlow         bool `json:"formFlow"`
		Validation       bool `json:"validation"`
		StateManagement  bool `json:"stateManagement"`
		AsyncInteraction bool `json:"asyncInteraction"`
		MultipleViews    bool `json:"multipleViews"`
	}

	// Issue is one reflection finding.
	Issue struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion,omitempty"`
	}

	// Input feeds one reflection pass.
	Input struct {
		Plan    *plan.ExecutionPlan
		Results []kernel.TaskExecutionResult
		// FilesGeneratedTotal counts session files after the iteration.
		FilesGeneratedTotal int
		// FilesGeneratedThisIteration counts files created or changed by the
		// iteration.
		FilesGeneratedThisIteration int
		// TouchedPaths are the paths written this iteration.
		TouchedPaths []string
		// ArtifactSamples maps touched paths to sampled content.
		ArtifactSamples map[string]string
		// Iteration is the 1-based iteration number.
		Iteration int
	}

	// Report is the reflection output for one iteration.
	Report struct {
		StrictPrototypeRequired bool         `json:"strictPrototypeRequired"`
		Signals                 Signals      `json:"signals"`
		SignalCoverage          int          `json:"signalCoverage"`
		MissingCriticalPhases   []plan.Phase `json:"missingCriticalPhases,omitempty"`
		DemandMatch             int          `json:"demandMatch"`
		Consistency             int          `json:"consistency"`
		CodeQuality             int          `json:"codeQuality"`
		BestPractice            int          `json:"bestPractice"`
		Score                   float64      `json:"score"`
		Issues                  []Issue      `json:"issues,omitempty"`
		StrictGatePassed        bool         `json:"strictGatePassed"`
		Completed               int          `json:"completed"`
		Failed                  int          `json:"failed"`
		Skipped                 int          `json:"skipped"`
	}
)

// Issue codes.
const (
	IssueTaskFailed         = "task_failed"
	IssueMissingPhase       = "missing_critical_phase"
	IssueSignalMissing      = "signal_missing"
	IssueStandaloneHTML     = "standalone_html_only"
	IssuePlaceholderContent = "placeholder_content"
	IssueInsufficientDelta  = "insufficient_incremental_changes"
)

// Coverage baselines and low-file penalties by strictness.
const (
	strictCoverageBaseline = 80
	laxCoverageBaseline    = 58
	strictLowFileThreshold = 10
	laxLowFileThreshold    = 6
	strictLowFilePenalty   = 12
	laxLowFilePenalty      = 6
)

var (
	layoutShellRe = regexp.MustCompile(`(?i)layout|shell|_app\.|app\.(t|j)sx`)
	routeRe       = regexp.MustCompile(`(?im)(^|/)(pages|app|routes|views|screens)/|react-router|createBrowserRouter|next/navigation`)
	dataSurfaceRe = regexp.MustCompile(`(?i)<table|datagrid|columns|\.map\(|datasource|list\b|rows`)
	formFlowRe    = regexp.MustCompile(`(?i)<form|onsubmit|useform|form\.`)
	validationRe  = regexp.MustCompile(`(?i)required|validat|zod|yup|rules|errormessage|error message`)
	stateMgmtRe   = regexp.MustCompile(`(?im)usestate|usereducer|zustand|createstore|redux|usecontext|(^|/)store/`)
	asyncRe       = regexp.MustCompile(`(?i)\basync\b|\bawait\b|fetch\(|axios|useeffect|loading|isloading`)
	viewFileRe    = regexp.MustCompile(`(?i)(^|/)(pages|app|views|screens)/.+\.(tsx|jsx|vue|ts|js)$`)

	placeholderRe = regexp.MustCompile(`占位|placeholder|TODO|待补充|coming soon|to be implemented|可扩展`)
)

// Reflect scores an iteration.
func Reflect(in Input) Report {
	var r Report
	r.StrictPrototypeRequired = in.Plan.RouteDecision.Mode == "creator" &&
		(in.Plan.RouteDecision.Platform == "web" || in.Plan.RouteDecision.Platform == "desktop")

	completedPhases := make(map[plan.Phase]bool)
	for _, res := range in.Results {
		if res.Success {
			r.Completed++
			completedPhases[res.Phase] = true
		} else {
			r.Failed++
		}
	}
	if n := len(in.Plan.Tasks) - len(in.Results); n > 0 {
		r.Skipped = n
	}

	planPhases := make(map[plan.Phase]bool)
	for _, t := range in.Plan.Tasks {
		planPhases[t.Phase] = true
	}
	for _, phase := range plan.CriticalPhases {
		if planPhases[phase] && !completedPhases[phase] {
			r.MissingCriticalPhases = append(r.MissingCriticalPhases, phase)
		}
	}

	r.Signals = probeSignals(in.TouchedPaths, in.ArtifactSamples)
	r.SignalCoverage = clamp(int(math.Round(float64(countSignals(r.Signals)) / 8 * 100)))

	baseline := laxCoverageBaseline
	if r.StrictPrototypeRequired {
		baseline = strictCoverageBaseline
	}
	coveragePenalty := baseline - r.SignalCoverage
	if coveragePenalty < 0 {
		coveragePenalty = 0
	}

	lowFilePenalty := 0
	switch {
	case r.StrictPrototypeRequired && in.FilesGeneratedTotal < strictLowFileThreshold:
		lowFilePenalty = strictLowFilePenalty
	case !r.StrictPrototypeRequired && in.FilesGeneratedTotal < laxLowFileThreshold:
		lowFilePenalty = laxLowFilePenalty
	}

	missing := len(r.MissingCriticalPhases)
	completionRatio := 0.0
	if len(in.Plan.Tasks) > 0 {
		completionRatio = float64(r.Completed) / float64(len(in.Plan.Tasks))
	}

	r.DemandMatch = clamp(int(math.Round(completionRatio*100 - 10*float64(missing))))
	r.Consistency = clamp(100 - 18*r.Failed - 5*r.Skipped - int(math.Round(0.25*float64(coveragePenalty))))
	r.CodeQuality = clamp(70 + min(in.FilesGeneratedTotal, 25) - 15*r.Failed - coveragePenalty - lowFilePenalty - 8*missing)
	r.BestPractice = clamp(75 + 4*min(r.Completed, 5) - 12*r.Failed - int(math.Round(0.7*float64(coveragePenalty))) - 8*missing)
	r.Score = 0.3*float64(r.DemandMatch) + 0.2*float64(r.Consistency) +
		0.25*float64(r.CodeQuality) + 0.15*float64(r.BestPractice) + 0.1*float64(r.SignalCoverage)

	htmlOnly := standaloneHTMLOnly(in.TouchedPaths)
	placeholders := placeholdersPresent(in.ArtifactSamples)
	r.Issues = collectIssues(in, r, htmlOnly, placeholders)

	if !r.StrictPrototypeRequired {
		r.StrictGatePassed = true
	} else {
		r.StrictGatePassed = r.Signals.DataSurface &&
			r.Signals.FormFlow &&
			r.Signals.StateManagement &&
			r.Signals.MultipleViews &&
			r.Signals.RouteStructure &&
			r.SignalCoverage >= strictCoverageBaseline &&
			!placeholders &&
			!htmlOnly &&
			in.FilesGeneratedThisIteration > 0
	}
	return r
}

func collectIssues(in Input, r Report, htmlOnly, placeholders bool) []Issue {
	var issues []Issue
	for _, res := range in.Results {
		if !res.Success {
			issues = append(issues, Issue{
				Code:       IssueTaskFailed,
				Message:    fmt.Sprintf("task %s (%s) failed: %s", res.TaskID, res.Phase, res.Error),
				Suggestion: fmt.Sprintf("re-run the %s phase and address the reported error", res.Phase),
			})
		}
	}
	for _, phase := range r.MissingCriticalPhases {
		issues = append(issues, Issue{
			Code:       IssueMissingPhase,
			Message:    fmt.Sprintf("critical phase %s did not complete", phase),
			Suggestion: fmt.Sprintf("prioritize completing the %s phase next iteration", phase),
		})
	}
	if r.StrictPrototypeRequired {
		gateSignals := []struct {
			name string
			ok   bool
		}{
			{"routeStructure", r.Signals.RouteStructure},
			{"dataSurface", r.Signals.DataSurface},
			{"formFlow", r.Signals.FormFlow},
			{"stateManagement", r.Signals.StateManagement},
			{"multipleViews", r.Signals.MultipleViews},
		}
		for _, sig := range gateSignals {
			name := sig.name
			if !sig.ok {
				issues = append(issues, Issue{
					Code:       IssueSignalMissing,
					Message:    fmt.Sprintf("interaction signal %s not detected", name),
					Suggestion: fmt.Sprintf("add artifacts demonstrating %s", name),
				})
			}
		}
	}
	if htmlOnly {
		issues = append(issues, Issue{
			Code:       IssueStandaloneHTML,
			Message:    "output consists of standalone HTML only",
			Suggestion: "generate framework components instead of static HTML pages",
		})
	}
	if placeholders {
		issues = append(issues, Issue{
			Code:       IssuePlaceholderContent,
			Message:    "placeholder content detected in generated artifacts",
			Suggestion: "replace placeholder sections with realistic mock data and flows",
		})
	}
	if in.Iteration > 1 && in.FilesGeneratedThisIteration == 0 {
		issues = append(issues, Issue{
			Code:       IssueInsufficientDelta,
			Message:    "iteration produced no file changes",
			Suggestion: "focus the next iteration on the highest-priority unresolved issue",
		})
	}
	return issues
}

func probeSignals(paths []string, samples map[string]string) Signals {
	joinedPaths := strings.Join(paths, "\n")
	var text strings.Builder
	text.WriteString(joinedPaths)
	for _, sample := range samples {
		text.WriteString("\n")
		text.WriteString(sample)
	}
	all := text.String()

	viewFiles := 0
	for _, p := range paths {
		if viewFileRe.MatchString(p) {
			viewFiles++
		}
	}

	return Signals{
		LayoutShell:      layoutShellRe.MatchString(all),
		RouteStructure:   routeRe.MatchString(all),
		DataSurface:      dataSurfaceRe.MatchString(all),
		FormFlow:         formFlowRe.MatchString(all),
		Validation:       validationRe.MatchString(all),
		StateManagement:  stateMgmtRe.MatchString(all),
		AsyncInteraction: asyncRe.MatchString(all),
		MultipleViews:    viewFiles >= 2,
	}
}

func standaloneHTMLOnly(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !strings.HasSuffix(strings.ToLower(p), ".html") {
			return false
		}
	}
	return true
}

func placeholdersPresent(samples map[string]string) bool {
	for _, sample := range samples {
		if placeholderRe.MatchString(sample) {
			return true
		}
	}
	return false
}

func countSignals(s Signals) int {
	n := 0
	for _, b := range []bool{
		s.LayoutShell, s.RouteStructure, s.DataSurface, s.FormFlow,
		s.Validation, s.StateManagement, s.AsyncInteraction, s.MultipleViews,
	} {
		if b {
			n++
		}
	}
	return n
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
