// Package procrunner executes build and validation commands without shell
// interpolation. Every command is vetted before spawn: the executable must be
// allow-listed, tokens must be free of shell operators, inline-interpreter
// flags are rejected, and the working directory must stay inside the
// workspace.
package procrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type (
	// Options tune one command execution.
	Options struct {
		// Cwd is the working directory, relative to the runner workspace or
		// absolute within it. Empty runs in the workspace root.
		Cwd string
		// Timeout bounds execution. Zero uses DefaultTimeout.
		Timeout time.Duration
		// MaxBuffer caps captured stdout/stderr bytes each. Zero uses
		// DefaultMaxBuffer.
		MaxBuffer int
		// Env appends KEY=VALUE pairs to the inherited environment.
		Env []string
	}

	// Result captures a finished command.
	Result struct {
		ExitCode int           `json:"exitCode"`
		Stdout   string        `json:"stdout"`
		Stderr   string        `json:"stderr"`
		Duration time.Duration `json:"duration"`
		TimedOut bool          `json:"timedOut"`
	}

	// Runner executes vetted commands inside a workspace directory.
	Runner struct {
		workspace string
		allowed   map[string]bool
		now       func() time.Time
	}
)

// Default execution bounds.
const (
	DefaultTimeout   = 2 * time.Minute
	DefaultMaxBuffer = 4 << 20
)

// DefaultAllowList is the executable allow-list applied when none is given.
var DefaultAllowList = []string{"npm", "npx", "pnpm", "yarn", "node", "tsx", "python", "python3", "git"}

// Rejection errors. All are returned before any process spawns.
var (
	ErrExecutableNotAllowed = errors.New("procrunner: executable not in allow-list")
	ErrShellOperator        = errors.New("procrunner: token contains shell operator")
	ErrInlineInterpreter    = errors.New("procrunner: inline interpreter flag rejected")
	ErrCwdEscapesWorkspace  = errors.New("procrunner: cwd escapes workspace")
)

// inlineInterpreterFlags maps executables to the flags that turn them into
// arbitrary-code interpreters.
var inlineInterpreterFlags = map[string][]string{
	"node":    {"-e", "--eval", "-p", "--print"},
	"tsx":     {"-e", "--eval", "-p", "--print"},
	"python":  {"-c"},
	"python3": {"-c"},
	"pwsh":    {"-command", "-encodedcommand", "-c", "-ec"},
}

const shellOperators = ";&|<>`\r\n"

// New constructs a Runner rooted at workspace. Extra executables extend the
// default allow-list.
func New(workspace string, extraAllowed ...string) (*Runner, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("procrunner: resolve workspace: %w", err)
	}
	allowed := make(map[string]bool, len(DefaultAllowList)+len(extraAllowed))
	for _, name := range DefaultAllowList {
		allowed[name] = true
	}
	for _, name := range extraAllowed {
		allowed[strings.ToLower(name)] = true
	}
	return &Runner{workspace: abs, allowed: allowed, now: time.Now}, nil
}

// Run vets and executes one command. Policy rejections return before spawn;
// execution failures are reported through Result (non-zero ExitCode,
// TimedOut) with a nil error.
func (r *Runner) Run(ctx context.Context, executable string, args []string, opts Options) (Result, error) {
	if err := r.vet(executable, args); err != nil {
		return Result{}, err
	}
	cwd, err := r.resolveCwd(opts.Cwd)
	if err != nil {
		return Result{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBuffer := opts.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, executable, args...)
	cmd.Dir = cwd
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxBuffer}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxBuffer}

	started := r.now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: r.now().Sub(started),
		TimedOut: errors.Is(cctx.Err(), context.DeadlineExceeded),
	}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		// spawn failure (executable missing, permission)
		return res, fmt.Errorf("procrunner: spawn %s: %w", executable, runErr)
	}
	return res, nil
}

// vet applies the allow-list, shell-operator, and inline-interpreter checks.
func (r *Runner) vet(executable string, args []string) error {
	name := strings.ToLower(filepath.Base(strings.TrimSpace(executable)))
	name = strings.TrimSuffix(name, ".exe")
	if !r.allowed[name] {
		return fmt.Errorf("%w: %s", ErrExecutableNotAllowed, executable)
	}

	for _, token := range append([]string{executable}, args...) {
		if strings.ContainsAny(token, shellOperators) {
			return fmt.Errorf("%w: %q", ErrShellOperator, token)
		}
	}

	for _, arg := range args {
		lowered := strings.ToLower(arg)
		for _, flag := range inlineInterpreterFlags[name] {
			if lowered == flag {
				return fmt.Errorf("%w: %s %s", ErrInlineInterpreter, name, arg)
			}
		}
	}
	return nil
}

// resolveCwd normalizes the working directory and confirms it stays inside
// the workspace.
func (r *Runner) resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		return r.workspace, nil
	}
	target := cwd
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.workspace, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(r.workspace, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrCwdEscapesWorkspace, cwd)
	}
	return target, nil
}

// limitedWriter caps captured output without failing the command.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if l.remaining <= 0 {
		return n, nil
	}
	if n > l.remaining {
		l.w.Write(p[:l.remaining])
		l.remaining = 0
		return n, nil
	}
	l.w.Write(p)
	l.remaining -= n
	return n, nil
}
