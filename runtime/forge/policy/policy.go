// Package policy implements the per-session write and read policies consulted
// by the execution kernel before mutating session files. It is a leaf package:
// it knows nothing about orchestration, plans, or transports.
//
// Three orthogonal policies live here:
//
//   - Contract freeze: after the contract-freeze phase, writes under frozen
//     path prefixes are blocked for the remainder of the run.
//   - Runtime artifact path: every write target is validated against
//     traversal/absolute/UNC escapes and synthetic generator roots are
//     unwrapped (generated-web-app/src/App.tsx -> src/App.tsx).
//   - Read budget: bounded read-tool calls and unique paths per
//     (session, iteration) once the session already has artifacts.
//
// All policy state is in-memory and owned by a SessionPolicyStore so it can
// be cleared when a session is deleted.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Policy violation codes surfaced in tool results. The code strings are part
// of the runtime's user-visible contract.
const (
	CodeContractFrozen      = "CONTRACT_FROZEN_WRITE_BLOCKED"
	CodeArtifactPathBlocked = "RUNTIME_ARTIFACT_PATH_BLOCKED"
	CodeReadBudgetExceeded  = "READ_BUDGET_EXCEEDED"
)

var (
	// ErrContractFrozen indicates a write targeted a frozen contract prefix.
	ErrContractFrozen = errors.New(CodeContractFrozen)
	// ErrArtifactPathBlocked indicates a write target escaped the workspace.
	ErrArtifactPathBlocked = errors.New(CodeArtifactPathBlocked)
	// ErrReadBudgetExceeded indicates the per-iteration read budget is spent.
	ErrReadBudgetExceeded = errors.New(CodeReadBudgetExceeded)
)

// DefaultFrozenPrefixes are the contract path prefixes frozen after the
// contract-freeze phase completes.
var DefaultFrozenPrefixes = []string{"types/", "store/", "components/ui/"}

type (
	// ContractPolicy controls write access to frozen contract paths.
	ContractPolicy struct {
		// ReadOnly is set once the contract-freeze phase has run.
		ReadOnly bool
		// FrozenPrefixes are workspace-relative path prefixes blocked for
		// writes while ReadOnly is true.
		FrozenPrefixes []string
	}

	// PathDecision records the outcome of a runtime-artifact path check.
	PathDecision struct {
		// Allowed reports whether the write may proceed.
		Allowed bool
		// NormalizedPath is the workspace-relative path after cleaning and
		// synthetic-root unwrapping. Empty when blocked.
		NormalizedPath string
		// Reason explains a blocked decision.
		Reason string
	}
)

// NewContractPolicy returns the default (unfrozen) contract policy.
func NewContractPolicy() ContractPolicy {
	return ContractPolicy{FrozenPrefixes: append([]string(nil), DefaultFrozenPrefixes...)}
}

// Freeze marks the policy read-only with the given prefixes. Empty prefixes
// keep the defaults.
func (p *ContractPolicy) Freeze(prefixes []string) {
	p.ReadOnly = true
	if len(prefixes) > 0 {
		p.FrozenPrefixes = append([]string(nil), prefixes...)
	}
}

// CheckWrite returns ErrContractFrozen when the policy is read-only and the
// normalized path starts with a frozen prefix.
func (p ContractPolicy) CheckWrite(normalizedPath string) error {
	if !p.ReadOnly {
		return nil
	}
	for _, prefix := range p.FrozenPrefixes {
		if strings.HasPrefix(normalizedPath, prefix) {
			return fmt.Errorf("%w: %s is frozen under %s", ErrContractFrozen, normalizedPath, prefix)
		}
	}
	return nil
}

// EvaluateArtifactPath validates a write target. It rejects empty paths,
// ".", "..", parent traversal, absolute paths (POSIX and drive-letter) and
// Windows UNC paths, then unwraps one level of synthetic generator root when
// the top segment looks like a generated project directory (contains "-" or
// "_" and no dot) and stripping it does not collide with an existing
// top-level file.
func EvaluateArtifactPath(path string, existing []string) PathDecision {
	blocked := func(reason string) PathDecision {
		return PathDecision{Allowed: false, Reason: reason}
	}

	raw := strings.TrimSpace(path)
	if raw == "" {
		return blocked("empty path")
	}
	normalized := strings.ReplaceAll(raw, "\\", "/")
	if normalized == "." || normalized == ".." {
		return blocked("path resolves to workspace root or parent")
	}
	if strings.HasPrefix(normalized, "../") || strings.Contains(normalized, "/../") || strings.HasSuffix(normalized, "/..") {
		return blocked("path traverses outside the workspace")
	}
	if strings.HasPrefix(normalized, "/") {
		return blocked("absolute path")
	}
	if len(normalized) >= 2 && normalized[1] == ':' && isASCIILetter(normalized[0]) {
		return blocked("absolute drive path")
	}
	if strings.HasPrefix(raw, `\\`) {
		return blocked("UNC path")
	}

	normalized = strings.TrimPrefix(normalized, "./")
	normalized = unwrapSyntheticRoot(normalized, existing)
	if normalized == "" {
		return blocked("empty path after normalization")
	}
	return PathDecision{Allowed: true, NormalizedPath: normalized}
}

// unwrapSyntheticRoot strips one leading segment such as "generated-web-app/"
// or "web_prototype/". The segment must contain '-' or '_' and carry no dot
// (so "src", "pages" and "next.config.js" are left alone). Unwrapping is
// skipped when it would collide with an existing top-level entry of the same
// name, which indicates the directory is a real part of the project.
func unwrapSyntheticRoot(path string, existing []string) string {
	idx := strings.Index(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return path
	}
	top := path[:idx]
	if !strings.ContainsAny(top, "-_") || strings.Contains(top, ".") {
		return path
	}
	for _, p := range existing {
		if p == top || strings.HasPrefix(p, top+"/") {
			return path
		}
	}
	return path[idx+1:]
}

// NormalizeGenerated applies EvaluateArtifactPath to a batch of generated
// file paths, returning the normalized paths of allowed entries in order.
// Blocked entries are dropped; callers needing per-entry reasons should call
// EvaluateArtifactPath directly.
func NormalizeGenerated(paths []string, existing []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if d := EvaluateArtifactPath(p, existing); d.Allowed {
			out = append(out, d.NormalizedPath)
		}
	}
	return out
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
