// Command protofab-demo wires the orchestrator end-to-end with in-memory
// stores and runs a single request, printing the event stream as JSON lines.
// By default it replays a scripted model conversation so the demo needs no
// credentials; set model.provider to anthropic or openai in the config (plus
// the matching API key environment variable) to stream from a real provider.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"github.com/protofab/protofab/features/model/anthropic"
	"github.com/protofab/protofab/features/model/openai"
	"github.com/protofab/protofab/runtime/forge/events"
	"github.com/protofab/protofab/runtime/forge/model"
	"github.com/protofab/protofab/runtime/forge/orchestrator"
	"github.com/protofab/protofab/runtime/forge/plan"
	"github.com/protofab/protofab/runtime/forge/policy"
	"github.com/protofab/protofab/runtime/forge/run"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/session/inmem"
	"github.com/protofab/protofab/runtime/forge/telemetry"
)

// config is the demo YAML configuration.
type config struct {
	Model struct {
		Provider string `yaml:"provider"`
		Name     string `yaml:"name"`
	} `yaml:"model"`
	Session struct {
		ID       string `yaml:"id"`
		Mode     string `yaml:"mode"`
		Agent    string `yaml:"agent"`
		Template string `yaml:"template"`
	} `yaml:"session"`
	Message string `yaml:"message"`
	Budget  struct {
		MaxIterations int     `yaml:"maxIterations"`
		MaxToolCalls  int     `yaml:"maxToolCalls"`
		TargetScore   float64 `yaml:"targetScore"`
	} `yaml:"budget"`
}

func defaultConfig() config {
	var cfg config
	cfg.Model.Provider = "scripted"
	cfg.Session.ID = "demo-session"
	cfg.Session.Mode = string(session.ModeImplementer)
	cfg.Session.Agent = "frontend-repair"
	cfg.Session.Template = string(session.TemplateReactVite)
	cfg.Message = "fix the login page form submit bug"
	cfg.Budget.MaxToolCalls = 50
	cfg.Budget.TargetScore = 20
	return cfg
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// demoAnalyzer returns fixed design documents derived from the configuration.
type demoAnalyzer struct {
	projectType string
}

func (a demoAnalyzer) Analyze(_ context.Context, sess *session.Session, _ string) (*orchestrator.DesignDocuments, error) {
	return &orchestrator.DesignDocuments{
		Route:       plan.RouteDecision{Mode: string(sess.Mode), Platform: "web"},
		ProjectType: a.projectType,
		TechStack:   []string{"react", "typescript"},
		Summary:     "demo analysis",
	}, nil
}

// scriptedClient replays a fixed chunk sequence per agent role so the demo
// runs without provider credentials.
type scriptedClient struct {
	scripts map[string][]model.Chunk
}

func (c *scriptedClient) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	chunks, ok := c.scripts[req.AgentID]
	if !ok {
		chunks = []model.Chunk{{Type: model.ChunkTypeText, Text: "done"}}
	}
	return &scriptedStream{chunks: chunks}, nil
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

func newScriptedClient() *scriptedClient {
	write, _ := json.Marshal(map[string]string{
		"path":    "src/pages/login.tsx",
		"content": "export default function Login() {\n  return <form onSubmit={submit} />\n}\n",
	})
	return &scriptedClient{scripts: map[string][]model.Chunk{
		"frontend-repair": {
			{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallRequest{ID: "call-1", Name: "write_file", Arguments: write}},
			{Type: model.ChunkTypeText, Text: "login submit handler repaired"},
		},
		"quality": {
			{Type: model.ChunkTypeText, Text: "verified the fix against the acceptance gates"},
		},
	}}
}

// printSink writes each run event to stdout as one JSON line.
type printSink struct {
	enc *json.Encoder
}

func (s *printSink) Send(_ context.Context, evt events.Event) error {
	return s.enc.Encode(evt)
}

func (s *printSink) Close(context.Context) error { return nil }

func buildModelClient(cfg config) (model.Client, error) {
	switch cfg.Model.Provider {
	case "", "scripted":
		return newScriptedClient(), nil
	case "anthropic":
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.Model.Name)
	case "openai":
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.Model.Name)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(ctx, err)
	}

	client, err := buildModelClient(cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	files := inmem.NewFileStore()
	o, err := orchestrator.New(orchestrator.Config{
		Analyzer: demoAnalyzer{projectType: cfg.Session.Template},
		Model:    client,
		Files:    files,
		Policies: policy.NewMemoryPolicyStore(),
		Logger:   telemetry.NewClueLogger(),
		Metrics:  telemetry.NewNoopMetrics(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	sess := &session.Session{
		ID:            cfg.Session.ID,
		Mode:          session.Mode(cfg.Session.Mode),
		ActiveAgentID: cfg.Session.Agent,
		Template:      session.Template(cfg.Session.Template),
	}

	log.Infof(ctx, "starting run: session=%s provider=%s", sess.ID, cfg.Model.Provider)

	res, err := o.Execute(ctx, orchestrator.Request{
		Session:     sess,
		UserMessage: cfg.Message,
		Sink:        &printSink{enc: json.NewEncoder(os.Stdout)},
		Budget: run.Budget{
			MaxIterations: cfg.Budget.MaxIterations,
			MaxToolCalls:  cfg.Budget.MaxToolCalls,
			TargetScore:   cfg.Budget.TargetScore,
		},
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	log.Infof(ctx, "run %s finished: reason=%s score=%.1f iterations=%d",
		res.RunID, res.Outcome.TerminationReason, res.Outcome.FinalScore, res.Outcome.Iterations)

	stored, err := files.GetAllFiles(ctx, sess.ID)
	if err != nil {
		log.Fatal(ctx, err)
	}
	for _, f := range stored {
		fmt.Printf("artifact %s (%d bytes, %s)\n", f.Path, f.Size, f.Language)
	}
}
