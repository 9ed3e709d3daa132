package reflect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protofab/protofab/runtime/forge/kernel"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/session/inmem"
)

func creatorWebPlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		ID:            "p1",
		RouteDecision: plan.RouteDecision{Mode: "creator", Platform: "web"},
		MaxIterations: 3,
		ReplanPolicy:  plan.ReplanPolicy{MaxReplanDepth: 2},
		Tasks: []plan.ExecutionTask{
			{ID: "pages", Phase: plan.PhasePages},
			{ID: "interactions", Phase: plan.PhaseInteractions},
			{ID: "states", Phase: plan.PhaseStates},
			{ID: "quality", Phase: plan.PhaseQuality},
		},
	}
}

func successResults() []kernel.TaskExecutionResult {
	return []kernel.TaskExecutionResult{
		{TaskID: "pages", Phase: plan.PhasePages, Success: true, FilesChanged: []string{"pages/index.tsx", "pages/items.tsx"}},
		{TaskID: "interactions", Phase: plan.PhaseInteractions, Success: true, FilesChanged: []string{"components/ItemForm.tsx"}},
		{TaskID: "states", Phase: plan.PhaseStates, Success: true, FilesChanged: []string{"store/items.ts"}},
		{TaskID: "quality", Phase: plan.PhaseQuality, Success: true},
	}
}

// richSamples satisfies all eight interaction signals.
func richSamples() map[string]string {
	return map[string]string{
		"app/layout.tsx":          "export default function RootLayout({children}) { return <main>{children}</main> }",
		"pages/index.tsx":         "const rows = items.map(i => <tr key={i.id} />); return <table>{rows}</table>",
		"pages/items.tsx":         "async function load() { const res = await fetch('/api/items'); setLoading(false) }",
		"components/ItemForm.tsx": "<form onSubmit={submit}><input required name=\"title\" /></form> // validate with zod rules",
		"store/items.ts":          "import { create } from 'zustand'; export const useItems = create(set => ({ items: [] }))",
	}
}

func TestReflectHealthyIterationScoresHigh(t *testing.T) {
	r := Reflect(Input{
		Plan:                        creatorWebPlan(),
		Results:                     successResults(),
		FilesGeneratedTotal:         14,
		FilesGeneratedThisIteration: 4,
		TouchedPaths:                []string{"pages/index.tsx", "pages/items.tsx", "components/ItemForm.tsx", "store/items.ts"},
		ArtifactSamples:             richSamples(),
		Iteration:                   1,
	})

	require.True(t, r.StrictPrototypeRequired)
	require.Equal(t, 100, r.SignalCoverage)
	require.Empty(t, r.MissingCriticalPhases)
	require.Zero(t, r.Failed)
	require.True(t, r.StrictGatePassed)
	require.Equal(t, 100, r.DemandMatch)
	require.Equal(t, 100, r.Consistency)
	require.GreaterOrEqual(t, r.Score, 80.0)
	require.Empty(t, r.Issues)
}

func TestReflectFailedTaskPenalizesAndReports(t *testing.T) {
	results := successResults()
	results[0].Success = false
	results[0].Error = "stream timeout"

	r := Reflect(Input{
		Plan:                        creatorWebPlan(),
		Results:                     results,
		FilesGeneratedTotal:         14,
		FilesGeneratedThisIteration: 3,
		TouchedPaths:                []string{"components/ItemForm.tsx", "store/items.ts"},
		ArtifactSamples:             richSamples(),
		Iteration:                   1,
	})

	require.Equal(t, 1, r.Failed)
	require.Contains(t, r.MissingCriticalPhases, plan.PhasePages)
	require.Less(t, r.Score, 80.0)

	var codes []string
	for _, issue := range r.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, IssueTaskFailed)
	require.Contains(t, codes, IssueMissingPhase)
}

func TestReflectPlaceholderDetectionFailsStrictGate(t *testing.T) {
	samples := richSamples()
	samples["pages/about.tsx"] = "return <div>TODO: fill this in</div>"

	r := Reflect(Input{
		Plan:                        creatorWebPlan(),
		Results:                     successResults(),
		FilesGeneratedTotal:         14,
		FilesGeneratedThisIteration: 4,
		TouchedPaths:                []string{"pages/index.tsx", "pages/items.tsx"},
		ArtifactSamples:             samples,
		Iteration:                   1,
	})

	require.False(t, r.StrictGatePassed)
	var codes []string
	for _, issue := range r.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, IssuePlaceholderContent)
}

func TestReflectStandaloneHTMLOnly(t *testing.T) {
	r := Reflect(Input{
		Plan:                        creatorWebPlan(),
		Results:                     successResults(),
		FilesGeneratedTotal:         2,
		FilesGeneratedThisIteration: 2,
		TouchedPaths:                []string{"index.html", "about.html"},
		ArtifactSamples:             map[string]string{"index.html": "<html><body>hi</body></html>"},
		Iteration:                   1,
	})

	require.False(t, r.StrictGatePassed)
	var codes []string
	for _, issue := range r.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, IssueStandaloneHTML)
}

func TestReflectLaxModeSkipsStrictGate(t *testing.T) {
	p := creatorWebPlan()
	p.RouteDecision = plan.RouteDecision{Mode: "implementer", Platform: "web"}

	r := Reflect(Input{
		Plan:                        p,
		Results:                     successResults(),
		FilesGeneratedTotal:         8,
		FilesGeneratedThisIteration: 0,
		Iteration:                   1,
	})

	require.False(t, r.StrictPrototypeRequired)
	require.True(t, r.StrictGatePassed)
}

func TestControllerAcceptsHealthyIteration(t *testing.T) {
	files := inmem.NewFileStore()
	var inputs []session.FileInput
	for path, content := range richSamples() {
		inputs = append(inputs, session.FileInput{Path: path, Content: content})
	}
	// Pad the store above the strict low-file threshold.
	for _, p := range []string{"types/item.ts", "components/Nav.tsx", "components/Empty.tsx", "app/page.tsx", "lib/mock.ts"} {
		inputs = append(inputs, session.FileInput{Path: p, Content: "export {}"})
	}
	_, err := files.SaveFiles(context.Background(), "s1", inputs)
	require.NoError(t, err)

	ctrl, err := NewController(ControllerConfig{
		Plan: creatorWebPlan(), Files: files, SessionID: "s1", BaseMessage: "build it",
	})
	require.NoError(t, err)

	d, err := ctrl.Decide(context.Background(), 1, successResults())
	require.NoError(t, err)
	require.Equal(t, kernel.ActionAccept, d.Action)
	require.Nil(t, ctrl.LastBundle())
	require.NotNil(t, ctrl.LastReport())
}

func TestControllerIteratesWithReplanMessage(t *testing.T) {
	files := inmem.NewFileStore()
	_, err := files.SaveFiles(context.Background(), "s1", []session.FileInput{
		{Path: "pages/index.tsx", Content: "export default function Page() { return <div/> }"},
	})
	require.NoError(t, err)

	results := successResults()
	results[1].Success = false
	results[1].Error = "model stream reset"

	ctrl, err := NewController(ControllerConfig{
		Plan: creatorWebPlan(), Files: files, SessionID: "s1", BaseMessage: "生成外卖管理系统",
	})
	require.NoError(t, err)

	d, err := ctrl.Decide(context.Background(), 1, results)
	require.NoError(t, err)
	require.Equal(t, kernel.ActionIterate, d.Action)
	require.Contains(t, d.ReplanMessage, "生成外卖管理系统")
	require.Contains(t, d.ReplanMessage, "[AutonomousIteration:2]")
	require.Contains(t, d.ReplanMessage, "[ReplanDepth:0/2]")
	require.Contains(t, d.ReplanMessage, "[IterationIssues]")
	require.Contains(t, d.ReplanMessage, "[RichPrototypeQualityGate]")

	bundle := ctrl.LastBundle()
	require.NotNil(t, bundle)
	require.NotEmpty(t, bundle.Issues)
}

func TestControllerAbortsWhenBudgetSpent(t *testing.T) {
	files := inmem.NewFileStore()
	p := creatorWebPlan()
	p.MaxIterations = 1

	results := successResults()
	results[0].Success = false
	results[0].Error = "boom"

	ctrl, err := NewController(ControllerConfig{
		Plan: p, Files: files, SessionID: "s1", BaseMessage: "msg",
	})
	require.NoError(t, err)

	d, err := ctrl.Decide(context.Background(), 1, results)
	require.NoError(t, err)
	require.Equal(t, kernel.ActionAbort, d.Action)
	require.NotEmpty(t, d.Summary)
}
