package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/protofab/protofab/runtime/forge/events"
	"github.com/protofab/protofab/runtime/forge/kernel"
	"github.com/protofab/protofab/runtime/forge/model"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/policy"
	"github.com/protofab/protofab/runtime/forge/repair"
	"github.com/protofab/protofab/runtime/forge/retry"
	"github.com/protofab/protofab/runtime/forge/run"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/session/inmem"
	"github.com/protofab/protofab/runtime/forge/validate"
)

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Send(_ context.Context, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) byType(typ events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, evt := range s.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func (s *captureSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

// scriptedAnalyzer returns canned documents after optional scripted failures.
type scriptedAnalyzer struct {
	docs     *DesignDocuments
	failures []error
	calls    int
}

func (a *scriptedAnalyzer) Analyze(context.Context, *session.Session, string) (*DesignDocuments, error) {
	a.calls++
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return nil, err
	}
	return a.docs, nil
}

// scriptedClient replays a fixed chunk sequence per agent role.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[string][]model.Chunk
}

func (c *scriptedClient) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &scriptedStream{chunks: c.scripts[req.AgentID]}, nil
}

type scriptedStream struct {
	chunks []model.Chunk
	pos    int
}

func (s *scriptedStream) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

type staticRepair struct {
	result repair.Result
	calls  int
}

func (r *staticRepair) Run(context.Context, string) (repair.Result, error) {
	r.calls++
	return r.result, nil
}

func implementerDocs() *DesignDocuments {
	return &DesignDocuments{
		Route:       plan.RouteDecision{Mode: "implementer", Platform: "web"},
		ProjectType: "react-vite",
		TechStack:   []string{"react", "typescript"},
	}
}

func repairFlowClient() *scriptedClient {
	write, _ := json.Marshal(map[string]string{
		"path":    "pages/login.tsx",
		"content": "export default function Login() { return <form/> }",
	})
	return &scriptedClient{scripts: map[string][]model.Chunk{
		"frontend-repair": {
			{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallRequest{ID: "c1", Name: "write_file", Arguments: write}},
			{Type: model.ChunkTypeText, Text: "login page repaired"},
		},
		"quality": {
			{Type: model.ChunkTypeText, Text: "verified"},
		},
	}}
}

func testSession(template session.Template) *session.Session {
	return &session.Session{
		ID:            "s1",
		Mode:          session.ModeImplementer,
		ActiveAgentID: "frontend-repair",
		Template:      template,
	}
}

func newTestOrchestrator(t *testing.T, analyzer Analyzer, client model.Client, rep RepairRunner) (*Orchestrator, session.FileStore) {
	t.Helper()
	files := inmem.NewFileStore()
	o, err := New(Config{
		Analyzer: analyzer,
		Model:    client,
		Files:    files,
		Policies: policy.NewMemoryPolicyStore(),
		Repair:   rep,
		Retry:    retry.Spec{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	return o, files
}

func TestExecuteCompletesRepairPlan(t *testing.T) {
	analyzer := &scriptedAnalyzer{docs: implementerDocs()}
	o, files := newTestOrchestrator(t, analyzer, repairFlowClient(), nil)
	sink := &captureSink{}

	res, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
		Budget:      run.Budget{MaxToolCalls: 50, TargetScore: 20},
	})
	require.NoError(t, err)

	require.NotNil(t, res.Plan)
	require.Equal(t, []plan.Phase{plan.PhaseRepair, plan.PhaseQuality}, res.Plan.Phases())
	require.Equal(t, kernel.ReasonAccept, res.Outcome.TerminationReason)
	require.True(t, res.Outcome.Success)

	// The repaired file landed in the session store.
	f, err := files.GetFile(context.Background(), "s1", "pages/login.tsx")
	require.NoError(t, err)
	require.NotNil(t, f)

	completed := sink.byType(events.TypeRunCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(events.RunCompletedPayload)
	require.True(t, payload.Success)
	require.Equal(t, kernel.ReasonAccept, payload.TerminationReason)
	require.Empty(t, sink.byType(events.TypeRunError))
}

func TestExecuteStageEventProtocol(t *testing.T) {
	analyzer := &scriptedAnalyzer{docs: implementerDocs()}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), nil)
	sink := &captureSink{}

	_, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
		Budget:      run.Budget{MaxToolCalls: 50, TargetScore: 20},
	})
	require.NoError(t, err)

	all := sink.all()

	// Budget advertisement precedes every stage event, exactly once.
	budgets := sink.byType(events.TypeBudget)
	require.Len(t, budgets, 1)
	require.Equal(t, run.DimensionCalls, budgets[0].Payload.(events.BudgetPayload).Dimension)
	require.Equal(t, uint64(1), budgets[0].Sequence)

	var stageIDs []string
	for _, evt := range all {
		if evt.Type != events.TypeTaskStarted {
			continue
		}
		tp := evt.Payload.(events.TaskPayload)
		if tp.WaveID == orchestrationWaveID {
			stageIDs = append(stageIDs, tp.TaskID)
		}
	}
	require.Equal(t, []string{"orchestrator-analysis", "orchestrator-planning", "orchestrator-execution"}, stageIDs)

	// Sequence numbers are strictly monotone starting at 1.
	for i, evt := range all {
		require.Equal(t, uint64(i+1), evt.Sequence)
	}

	// The execution stage closes after all plan task traffic.
	last := all[len(all)-1]
	require.Equal(t, events.TypeRunCompleted, last.Type)
	prev := all[len(all)-2]
	require.Equal(t, events.TypeTaskCompleted, prev.Type)
	require.Equal(t, "orchestrator-execution", prev.Payload.(events.TaskPayload).TaskID)
}

func TestExecuteAnalysisFailureEmitsRunError(t *testing.T) {
	analyzer := &scriptedAnalyzer{failures: []error{errors.New("router state document malformed")}}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), nil)
	sink := &captureSink{}

	_, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "build a dashboard",
		Sink:        sink,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "analysis layer failed: router state document malformed")

	// Non-transient failure: no retry.
	require.Equal(t, 1, analyzer.calls)

	errEvents := sink.byType(events.TypeRunError)
	require.Len(t, errEvents, 1)
	require.Equal(t, "analysis layer failed: router state document malformed",
		errEvents[0].Payload.(events.RunErrorPayload).Error)
	require.Empty(t, sink.byType(events.TypeRunCompleted))

	// The stage completion event carries the failure.
	var stageErr string
	for _, evt := range sink.byType(events.TypeTaskCompleted) {
		tp := evt.Payload.(events.TaskPayload)
		if tp.TaskID == "orchestrator-analysis" {
			stageErr = tp.Error
		}
	}
	require.Contains(t, stageErr, "malformed")
}

func TestExecuteRetriesTransientAnalysisFailure(t *testing.T) {
	transient := model.NewProviderError("anthropic", "messages.stream", 529, "overloaded_error", "overloaded", true, nil)
	analyzer := &scriptedAnalyzer{docs: implementerDocs(), failures: []error{transient}}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), nil)
	sink := &captureSink{}

	res, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
		Budget:      run.Budget{TargetScore: 20},
	})
	require.NoError(t, err)
	require.Equal(t, 2, analyzer.calls)
	require.True(t, res.Outcome.Success)
	require.Empty(t, sink.byType(events.TypeRunError))
}

func TestExecuteRunsRepairLoopForSupportedTemplate(t *testing.T) {
	analyzer := &scriptedAnalyzer{docs: implementerDocs()}
	rep := &staticRepair{result: repair.Result{
		Success: false, Attempts: 5, Strategy: repair.StrategyBuildFirst,
		Remaining: []validate.ParsedError{{Category: validate.CategoryTypeError, Message: "TS2345 mismatch"}},
	}}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), rep)
	sink := &captureSink{}

	res, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateReactVite),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
		Budget:      run.Budget{TargetScore: 20},
	})
	require.NoError(t, err)
	require.Equal(t, 1, rep.calls)
	require.NotNil(t, res.Repair)

	completed := sink.byType(events.TypeRunCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(events.RunCompletedPayload)
	require.False(t, payload.Success)
	require.Contains(t, payload.Summary, "self-repair")

	_, ok := res.Blackboard.Get(KeyRepairResult)
	require.True(t, ok)
}

func TestExecuteSkipsRepairForUnknownTemplate(t *testing.T) {
	analyzer := &scriptedAnalyzer{docs: implementerDocs()}
	rep := &staticRepair{result: repair.Result{Success: true}}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), rep)
	sink := &captureSink{}

	_, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
		Budget:      run.Budget{TargetScore: 20},
	})
	require.NoError(t, err)
	require.Zero(t, rep.calls)
}

func TestExecutePopulatesBlackboard(t *testing.T) {
	analyzer := &scriptedAnalyzer{docs: implementerDocs()}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), nil)
	sink := &captureSink{}

	res, err := o.Execute(context.Background(), Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
		Budget:      run.Budget{TargetScore: 20},
	})
	require.NoError(t, err)

	docs, ok := res.Blackboard.Get(KeyDesignDocuments)
	require.True(t, ok)
	require.Equal(t, "react-vite", docs.(*DesignDocuments).ProjectType)

	p, ok := res.Blackboard.Get(KeyExecutionPlan)
	require.True(t, ok)
	require.Equal(t, res.Plan.ID, p.(*plan.ExecutionPlan).ID)

	outcome, ok := res.Blackboard.Get(KeyExecutionOutcome)
	require.True(t, ok)
	require.True(t, outcome.(kernel.Outcome).Success)
}

func TestExecuteCancelledContextEmitsNoTerminal(t *testing.T) {
	analyzer := &scriptedAnalyzer{docs: implementerDocs()}
	o, _ := newTestOrchestrator(t, analyzer, repairFlowClient(), nil)
	sink := &captureSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Execute(ctx, Request{
		Session:     testSession(session.TemplateUnknown),
		UserMessage: "请修复登录页问题",
		Sink:        sink,
	})
	require.Error(t, err)
	require.Empty(t, sink.byType(events.TypeRunCompleted))
	require.Empty(t, sink.byType(events.TypeRunError))
}
