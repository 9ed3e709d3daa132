package validate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/protofab/protofab/runtime/forge/procrunner"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/telemetry"
)

type (
	// Stage names one validation layer.
	Stage string

	// CommandRunner executes vetted external commands. *procrunner.Runner
	// satisfies it; tests substitute scripted fakes.
	CommandRunner interface {
		Run(ctx context.Context, executable string, args []string, opts procrunner.Options) (procrunner.Result, error)
	}

	// Config assembles a validation pipeline.
	Config struct {
		// Files is the session file store. Required.
		Files session.FileStore
		// Runner executes install, lint, type-check, and build commands.
		// Required.
		Runner CommandRunner
		// Root is the parent directory for per-session validation mirrors.
		// Empty uses the OS temp directory.
		Root string
		// Probe drives the optional runtime smoke check. Nil skips it.
		Probe BrowserProbe
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Options tune one validation pass.
	Options struct {
		// SmokeURL enables the runtime smoke check when non-empty and a
		// probe is configured.
		SmokeURL string
	}

	// Outcome reports one validation pass. A clean pass has no findings and
	// an empty Stage.
	Outcome struct {
		// Stage is the first layer that produced findings.
		Stage Stage `json:"stage,omitempty"`
		// Errors are the repairable findings.
		Errors []ParsedError `json:"errors,omitempty"`
		// Fatal are findings the repair loop must not act on.
		Fatal []ParsedError `json:"fatal,omitempty"`
	}

	// Pipeline validates a session's generated project. One pipeline serves
	// many sessions; install signatures are tracked per session.
	Pipeline struct {
		files  session.FileStore
		runner CommandRunner
		root   string
		probe  BrowserProbe
		log    telemetry.Logger

		mu         sync.Mutex
		installSig map[string]string
	}
)

// Validation stages in execution order.
const (
	StageStatic  Stage = "static"
	StageInstall Stage = "install"
	StageSyntax  Stage = "syntax"
	StageLint    Stage = "lint"
	StageTypes   Stage = "types"
	StageBuild   Stage = "build"
	StageSmoke   Stage = "smoke"
)

// NewPipeline validates the config and returns a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Files == nil {
		return nil, fmt.Errorf("validate: file store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("validate: command runner is required")
	}
	root := cfg.Root
	if root == "" {
		root = os.TempDir()
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Pipeline{
		files:      cfg.Files,
		runner:     cfg.Runner,
		root:       root,
		probe:      cfg.Probe,
		log:        log,
		installSig: make(map[string]string),
	}, nil
}

// Clean reports whether the pass produced no findings at all.
func (o Outcome) Clean() bool { return len(o.Errors) == 0 && len(o.Fatal) == 0 }

// Run executes one validation pass for the session: static checks, mirror,
// install, then the gated syntax / lint / type-check / build stack and the
// optional smoke probe. The pass stops at the first stage with findings.
// The mirror directory is removed before return on every path.
func (p *Pipeline) Run(ctx context.Context, sessionID string, opts Options) (Outcome, error) {
	files, err := p.files.GetAllFiles(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("validate: list session files: %w", err)
	}

	if static := PreBuildChecks(files); len(static) > 0 {
		return p.outcome(ctx, sessionID, StageStatic, static), nil
	}

	dir, err := os.MkdirTemp(p.root, "validate-"+sanitize(sessionID)+"-")
	if err != nil {
		return Outcome{}, fmt.Errorf("validate: create mirror: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := mirror(dir, files); err != nil {
		return Outcome{}, err
	}

	if errs, err := p.install(ctx, sessionID, dir, files); err != nil {
		return Outcome{}, err
	} else if len(errs) > 0 {
		return p.outcome(ctx, sessionID, StageInstall, errs), nil
	}

	if errs := QuickSyntaxCheck(files); len(errs) > 0 {
		return p.outcome(ctx, sessionID, StageSyntax, errs), nil
	}

	if errs, err := p.lint(ctx, dir); err != nil {
		return Outcome{}, err
	} else if len(errs) > 0 {
		return p.outcome(ctx, sessionID, StageLint, errs), nil
	}

	if errs, err := p.typeCheck(ctx, dir); err != nil {
		return Outcome{}, err
	} else if len(errs) > 0 {
		return p.outcome(ctx, sessionID, StageTypes, errs), nil
	}

	if errs, err := p.build(ctx, dir); err != nil {
		return Outcome{}, err
	} else if len(errs) > 0 {
		return p.outcome(ctx, sessionID, StageBuild, errs), nil
	}

	if opts.SmokeURL != "" && p.probe != nil {
		if _, err := RunSmoke(ctx, p.probe, opts.SmokeURL); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return p.outcome(ctx, sessionID, StageSmoke, SmokeErrors(err)), nil
		}
	}
	return Outcome{}, nil
}

func (p *Pipeline) outcome(ctx context.Context, sessionID string, stage Stage, errs []ParsedError) Outcome {
	repairable, fatal := SplitRepairable(errs)
	p.log.Info(ctx, "validation findings",
		"session_id", sessionID, "stage", string(stage),
		"repairable", len(repairable), "fatal", len(fatal))
	return Outcome{Stage: stage, Errors: repairable, Fatal: fatal}
}

// install runs the package install, skipping when the package.json signature
// matches the last successful install for the session.
func (p *Pipeline) install(ctx context.Context, sessionID, dir string, files []session.StoredFile) ([]ParsedError, error) {
	sig := packageJSONSignature(files)

	p.mu.Lock()
	unchanged := sig != "" && p.installSig[sessionID] == sig
	p.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	res, err := p.runner.Run(ctx, "npm", []string{"install", "--no-audit", "--no-fund"}, procrunner.Options{Cwd: dir})
	if err != nil {
		return nil, fmt.Errorf("validate: npm install: %w", err)
	}
	if res.ExitCode != 0 {
		return ClassifyBuildOutput(res.Stdout + "\n" + res.Stderr), nil
	}

	p.mu.Lock()
	p.installSig[sessionID] = sig
	p.mu.Unlock()
	return nil, nil
}

func (p *Pipeline) lint(ctx context.Context, dir string) ([]ParsedError, error) {
	res, err := p.runner.Run(ctx, "npx", []string{"eslint", ".", "--no-color"}, procrunner.Options{Cwd: dir})
	if err != nil {
		return nil, fmt.Errorf("validate: eslint: %w", err)
	}
	if res.ExitCode == 0 {
		return nil, nil
	}
	errs := recognizedLines(res.Stdout + "\n" + res.Stderr)
	if len(errs) == 0 {
		errs = []ParsedError{{
			Category: CategoryBuildError,
			Message:  "lint failed",
			Raw:      tail(res.Stdout+"\n"+res.Stderr, 2000),
		}}
	}
	return errs, nil
}

func (p *Pipeline) typeCheck(ctx context.Context, dir string) ([]ParsedError, error) {
	res, err := p.runner.Run(ctx, "npx", []string{"tsc", "--noEmit", "--pretty", "false"}, procrunner.Options{Cwd: dir})
	if err != nil {
		return nil, fmt.Errorf("validate: tsc: %w", err)
	}
	if res.ExitCode == 0 {
		return nil, nil
	}
	errs := ParseTypeScriptOutput(res.Stdout + "\n" + res.Stderr)
	if len(errs) == 0 {
		errs = []ParsedError{{
			Category: CategoryTypeError,
			Message:  "type check failed",
			Raw:      tail(res.Stdout+"\n"+res.Stderr, 2000),
		}}
	}
	return errs, nil
}

func (p *Pipeline) build(ctx context.Context, dir string) ([]ParsedError, error) {
	res, err := p.runner.Run(ctx, "npm", []string{"run", "build"}, procrunner.Options{Cwd: dir})
	if err != nil {
		return nil, fmt.Errorf("validate: build: %w", err)
	}
	if res.ExitCode == 0 {
		return nil, nil
	}
	return ClassifyBuildOutput(res.Stdout + "\n" + res.Stderr), nil
}

// PreBuildChecks runs the template-level static validators: package.json
// presence and shape, a build script, and a recognizable entry point.
func PreBuildChecks(files []session.StoredFile) []ParsedError {
	var pkgContent string
	found := false
	for _, f := range files {
		if f.Path == "package.json" {
			pkgContent, found = f.Content, true
			break
		}
	}
	if !found {
		return []ParsedError{{
			Category: CategoryConfigError,
			Message:  "package.json is missing",
			Raw:      "package.json",
		}}
	}

	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(pkgContent), &pkg); err != nil {
		return []ParsedError{{
			Category: CategoryConfigError,
			Message:  "package.json is not valid JSON: " + err.Error(),
			Raw:      "package.json",
			File:     "package.json",
		}}
	}

	var errs []ParsedError
	if pkg.Scripts["build"] == "" {
		errs = append(errs, ParsedError{
			Category: CategoryConfigError,
			Message:  "package.json declares no build script",
			Raw:      "package.json",
			File:     "package.json",
		})
	}
	if !hasEntryPoint(files) {
		errs = append(errs, ParsedError{
			Category: CategoryConfigError,
			Message:  "no entry point found (index.html, src/main.*, src/index.*, app/page.*, or pages/index.*)",
			Raw:      "entry point",
		})
	}
	return errs
}

var entryPrefixes = []string{"index.html", "src/main.", "src/index.", "app/page.", "pages/index."}

func hasEntryPoint(files []session.StoredFile) bool {
	for _, f := range files {
		for _, prefix := range entryPrefixes {
			if f.Path == prefix || strings.HasPrefix(f.Path, prefix) {
				return true
			}
		}
	}
	return false
}

func recognizedLines(out string) []ParsedError {
	var errs []ParsedError
	for _, line := range strings.Split(out, "\n") {
		if e := ClassifyToolOutput(line); e.Category != CategoryUnknown {
			errs = append(errs, e)
		}
	}
	return errs
}

// mirror writes the session files under dir, rejecting any path that would
// escape it.
func mirror(dir string, files []session.StoredFile) error {
	for _, f := range files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return fmt.Errorf("validate: refusing to mirror non-local path %q", f.Path)
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("validate: mirror %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("validate: mirror %s: %w", f.Path, err)
		}
	}
	return nil
}

func packageJSONSignature(files []session.StoredFile) string {
	for _, f := range files {
		if f.Path == "package.json" {
			sum := sha1.Sum([]byte(f.Content))
			return hex.EncodeToString(sum[:])
		}
	}
	return ""
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
