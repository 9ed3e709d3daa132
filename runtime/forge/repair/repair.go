// Package repair drives the self-repair loop: validate the session project,
// fingerprint the repairable errors, detect stuck loops, pick a strategy
// profile, snapshot before each LLM repair iteration, and roll back when an
// iteration makes things worse.
package repair

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/protofab/protofab/runtime/forge/prompt"
	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/telemetry"
	"github.com/protofab/protofab/runtime/forge/validate"
)

type (
	// StrategyProfile selects the repair-iteration emphasis.
	StrategyProfile string

	// Snapshot captures the session file set before a repair iteration so a
	// worsening outcome can be rolled back.
	Snapshot struct {
		ID          string
		Files       []session.FileInput
		Fingerprint string
		ErrorCount  int
		TakenAt     time.Time
	}

	// Request is one LLM repair invocation.
	Request struct {
		SessionID string
		Attempt   int
		Strategy  StrategyProfile
		Errors    []validate.ParsedError
		// Message is the composed repair prompt with immutable context
		// blocks for the selected strategy.
		Message string
	}

	// Repairer performs one LLM repair iteration, mutating session files
	// through the normal tool path.
	Repairer interface {
		Repair(ctx context.Context, req Request) error
	}

	// Validator runs one validation pass. *validate.Pipeline satisfies it.
	Validator interface {
		Run(ctx context.Context, sessionID string, opts validate.Options) (validate.Outcome, error)
	}

	// Guide supplies the optional search-augmented guidance block for stuck
	// loops. ok=false means no guidance is available.
	Guide interface {
		Guidance(ctx context.Context, errs []validate.ParsedError) (block string, ok bool)
	}

	// Config assembles a repair loop.
	Config struct {
		// Files is the session file store. Required.
		Files session.FileStore
		// Validator produces the error set each attempt. Required.
		Validator Validator
		// Repairer runs the LLM repair iteration. Required.
		Repairer Repairer
		// Guide is consulted when the same fingerprint has failed three or
		// more times. Optional.
		Guide Guide
		// FrozenContracts is the contract bundle appended in types-first
		// iterations. Optional.
		FrozenContracts string
		// SmokeURL is forwarded to the validator. Optional.
		SmokeURL string
		// MaxAttempts bounds the loop. Zero uses DefaultMaxAttempts.
		MaxAttempts int
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Result reports a finished repair loop.
	Result struct {
		// Success is true when a validation pass found no repairable errors.
		Success bool
		// Attempts counts loop iterations consumed.
		Attempts int
		// Repairs counts LLM repair invocations.
		Repairs int
		// Rollbacks counts snapshot restores.
		Rollbacks int
		// Strategy is the profile in effect when the loop ended.
		Strategy StrategyProfile
		// Remaining holds the repairable errors still present at exit.
		Remaining []validate.ParsedError
		// Fatal holds non-repairable findings from the last pass.
		Fatal []validate.ParsedError
	}

	// Loop is the self-repair driver. One loop serves one invocation.
	Loop struct {
		files       session.FileStore
		validator   Validator
		repairer    Repairer
		guide       Guide
		contracts   string
		smokeURL    string
		maxAttempts int
		log         telemetry.Logger
		now         func() time.Time
	}
)

// Strategy profiles in stuck-loop escalation order.
const (
	StrategyDefault      StrategyProfile = "default"
	StrategyImportsFirst StrategyProfile = "imports-first"
	StrategyTypesFirst   StrategyProfile = "types-first"
	StrategyBuildFirst   StrategyProfile = "build-first"
)

// DefaultMaxAttempts bounds the repair loop when the config leaves it unset.
const DefaultMaxAttempts = 5

// guidanceThreshold is the same-fingerprint failure count at which search
// guidance joins the repair prompt.
const guidanceThreshold = 3

var numericLiteralRe = regexp.MustCompile(`\d+`)

// New validates the config and returns a repair loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Files == nil {
		return nil, fmt.Errorf("repair: file store is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("repair: validator is required")
	}
	if cfg.Repairer == nil {
		return nil, fmt.Errorf("repair: repairer is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		files:       cfg.Files,
		validator:   cfg.Validator,
		repairer:    cfg.Repairer,
		guide:       cfg.Guide,
		contracts:   cfg.FrozenContracts,
		smokeURL:    cfg.SmokeURL,
		maxAttempts: maxAttempts,
		log:         log,
		now:         now,
	}, nil
}

// Fingerprint hashes a repairable error list into a stable identity: messages
// with numeric literals stripped, sorted, SHA-1. Two lists differing only in
// line numbers or other numerics share a fingerprint.
func Fingerprint(errs []validate.ParsedError) string {
	keys := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := numericLiteralRe.ReplaceAllString(e.Message, "#")
		keys = append(keys, string(e.Category)+"|"+e.File+"|"+msg)
	}
	sort.Strings(keys)
	sum := sha1.Sum([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:])
}

// Run executes the repair loop for the session until validation is clean,
// attempts run out, or the context is cancelled.
func (l *Loop) Run(ctx context.Context, sessionID string) (Result, error) {
	var (
		res             Result
		snapshot        *Snapshot
		prevFingerprint string
		sameFingerprint int
	)
	res.Strategy = StrategyDefault

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt

		files, err := l.files.GetAllFiles(ctx, sessionID)
		if err != nil {
			return res, fmt.Errorf("repair: list session files: %w", err)
		}

		// Phase 0: dependency scan short-circuits the heavier stack.
		if report := validate.ScanDependencies(files); len(report.Missing) > 0 {
			errs := validate.MissingDependencyErrors(report)
			res.Remaining = errs
			if err := l.invokeRepair(ctx, sessionID, attempt, StrategyImportsFirst, errs, files, nil, false); err != nil {
				return res, err
			}
			res.Repairs++
			continue
		}

		outcome, err := l.validator.Run(ctx, sessionID, validate.Options{SmokeURL: l.smokeURL})
		if err != nil {
			return res, err
		}
		errs := outcome.Errors
		res.Remaining = errs
		res.Fatal = outcome.Fatal

		// Worsening outcome: restore the snapshot taken before the previous
		// repair iteration.
		if snapshot != nil && len(errs) > snapshot.ErrorCount {
			if err := l.rollback(ctx, sessionID, snapshot); err != nil {
				return res, err
			}
			res.Rollbacks++
			l.log.Warn(ctx, "repair iteration worsened error count, rolled back",
				"session_id", sessionID, "attempt", attempt,
				"errors", len(errs), "snapshot_errors", snapshot.ErrorCount)
			snapshot = nil
			continue
		}

		if len(errs) == 0 {
			res.Success = true
			res.Remaining = nil
			return res, nil
		}

		fp := Fingerprint(errs)
		if fp == prevFingerprint {
			sameFingerprint++
		} else {
			prevFingerprint = fp
			sameFingerprint = 1
		}
		res.Strategy = strategyFor(sameFingerprint)

		snapshot = l.takeSnapshot(files, fp, len(errs))
		if err := l.invokeRepair(ctx, sessionID, attempt, res.Strategy, errs, files, outcome.Errors, sameFingerprint >= guidanceThreshold); err != nil {
			return res, err
		}
		res.Repairs++
	}
	return res, nil
}

// strategyFor maps the same-fingerprint observation count to a profile.
func strategyFor(sameFingerprint int) StrategyProfile {
	switch {
	case sameFingerprint >= 4:
		return StrategyBuildFirst
	case sameFingerprint >= 3:
		return StrategyTypesFirst
	case sameFingerprint >= 2:
		return StrategyImportsFirst
	default:
		return StrategyDefault
	}
}

func (l *Loop) takeSnapshot(files []session.StoredFile, fingerprint string, errorCount int) *Snapshot {
	snap := &Snapshot{
		ID:          "snap-" + uuid.NewString(),
		Fingerprint: fingerprint,
		ErrorCount:  errorCount,
		TakenAt:     l.now(),
	}
	for _, f := range files {
		snap.Files = append(snap.Files, session.FileInput{Path: f.Path, Content: f.Content, Language: f.Language})
	}
	return snap
}

// rollback replaces the session file set with the snapshot's.
func (l *Loop) rollback(ctx context.Context, sessionID string, snap *Snapshot) error {
	if _, err := l.files.DeleteFiles(ctx, sessionID); err != nil {
		return fmt.Errorf("repair: rollback delete: %w", err)
	}
	if _, err := l.files.SaveFiles(ctx, sessionID, snap.Files); err != nil {
		return fmt.Errorf("repair: rollback restore: %w", err)
	}
	return nil
}

func (l *Loop) invokeRepair(ctx context.Context, sessionID string, attempt int, strategy StrategyProfile, errs []validate.ParsedError, files []session.StoredFile, buildErrs []validate.ParsedError, withGuidance bool) error {
	msg := l.composeMessage(ctx, strategy, errs, files, buildErrs, withGuidance)
	return l.repairer.Repair(ctx, Request{
		SessionID: sessionID,
		Attempt:   attempt,
		Strategy:  strategy,
		Errors:    errs,
		Message:   msg,
	})
}

// composeMessage builds the repair prompt: the error digest plus the
// strategy's immutable context blocks, with search guidance prepended for
// stuck loops.
func (l *Loop) composeMessage(ctx context.Context, strategy StrategyProfile, errs []validate.ParsedError, files []session.StoredFile, buildErrs []validate.ParsedError, withGuidance bool) string {
	b := prompt.NewBuilder()

	if withGuidance && l.guide != nil {
		if block, ok := l.guide.Guidance(ctx, errs); ok {
			b.Section("SearchGuidance", block)
		}
	}

	b.Section("RepairStrategy", string(strategy))

	switch strategy {
	case StrategyImportsFirst:
		if pkg := fileContent(files, "package.json"); pkg != "" {
			b.Section("PackageManifest", pkg)
		}
		if hints := installedTypeHints(files); len(hints) > 0 {
			b.Section("InstalledTypes", strings.Join(hints, "\n"))
		}
	case StrategyTypesFirst:
		if l.contracts != "" {
			b.Section("FrozenContracts", l.contracts)
		}
	case StrategyBuildFirst:
		if lines := buildErrorTail(buildErrs, 20); lines != "" {
			b.Section("BuildErrorTail", lines)
		}
	}

	var sb strings.Builder
	sb.WriteString("Fix the following validation errors without changing unrelated files:\n")
	for i, e := range errs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.String())
	}
	return b.Append(strings.TrimRight(sb.String(), "\n"))
}

func fileContent(files []session.StoredFile, path string) string {
	for _, f := range files {
		if f.Path == path {
			return f.Content
		}
	}
	return ""
}

// installedTypeHints lists the .d.ts files present in the session, the
// closest available stand-in for an installed-types inventory.
func installedTypeHints(files []session.StoredFile) []string {
	var hints []string
	for _, f := range files {
		if strings.HasSuffix(f.Path, ".d.ts") {
			hints = append(hints, f.Path)
		}
	}
	sort.Strings(hints)
	return hints
}

// buildErrorTail renders the last n raw error lines.
func buildErrorTail(errs []validate.ParsedError, n int) string {
	var lines []string
	for _, e := range errs {
		if e.Raw != "" {
			lines = append(lines, e.Raw)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
