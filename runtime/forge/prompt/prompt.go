// Package prompt composes the immutable-context blocks appended to user
// messages before model invocation. Block wording is part of the runtime
// contract: downstream agents key off the exact tags, so renderers never
// localize or reword them.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/protofab/protofab/runtime/forge/plan"
)

type (
	// FrozenFileDigest summarizes one frozen contract file.
	FrozenFileDigest struct {
		Path       string   `json:"path"`
		Exports    []string `json:"exports,omitempty"`
		Signatures []string `json:"signatures,omitempty"`
		TypeNames  []string `json:"typeNames,omitempty"`
		MockShapes []string `json:"mockShapes,omitempty"`
		// Degraded marks digests extracted under parse errors.
		Degraded bool `json:"degraded,omitempty"`
	}

	// FrozenContracts is the contract bundle captured at contract-freeze.
	FrozenContracts struct {
		GeneratedAt time.Time          `json:"generatedAt"`
		Summary     string             `json:"summary"`
		Files       []FrozenFileDigest `json:"files"`
	}

	// Builder accumulates immutable-context blocks in append order.
	Builder struct {
		blocks []string
	}
)

// NewBuilder returns an empty block builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) add(block string) *Builder {
	b.blocks = append(b.blocks, block)
	return b
}

// BlueprintContract appends the UI blueprint as the reasoning contract.
func (b *Builder) BlueprintContract(bp *plan.UIBlueprint) *Builder {
	if bp == nil {
		return b
	}
	raw, err := json.MarshalIndent(bp, "", "  ")
	if err != nil {
		// Blueprints are plain data; a marshal failure is a programming error.
		panic(fmt.Sprintf("prompt: marshal blueprint: %v", err))
	}
	return b.add("[ReasoningContract:UIBlueprint]\n" + string(raw))
}

// FrozenContracts appends the frozen contract bundle.
func (b *Builder) FrozenContracts(fc FrozenContracts) *Builder {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[FrozenContracts]\ngeneratedAt: %s\nsummary: %s\n", fc.GeneratedAt.UTC().Format(time.RFC3339), fc.Summary)
	for _, f := range fc.Files {
		fmt.Fprintf(&sb, "- %s", f.Path)
		if f.Degraded {
			sb.WriteString(" (degraded)")
		}
		sb.WriteString("\n")
		writeDigestList(&sb, "exports", f.Exports)
		writeDigestList(&sb, "signatures", f.Signatures)
		writeDigestList(&sb, "types", f.TypeNames)
		writeDigestList(&sb, "mocks", f.MockShapes)
	}
	return b.add(strings.TrimRight(sb.String(), "\n"))
}

// ExecutionPolicy appends the skeleton-phase execution rules.
func (b *Builder) ExecutionPolicy() *Builder {
	return b.add("[ExecutionPolicy]\n" +
		"Structure first: create every route shell and layout before filling page bodies.\n" +
		"Contracts first: define shared types, stores, and mock data shapes before consuming them.\n" +
		"Never edit frozen contract files; extend through new files instead.")
}

// RequirementBrainstorm appends the brainstorm policy block.
func (b *Builder) RequirementBrainstorm() *Builder {
	return b.add("[RequirementBrainstorm]\n" +
		"Elaborate the stated intent into concrete modules, views, and flows before implementing.\n" +
		"Prefer breadth of realistic features over placeholder depth.")
}

// RichPrototypeQualityGate appends the strict-prototype policy block.
func (b *Builder) RichPrototypeQualityGate() *Builder {
	return b.add("[RichPrototypeQualityGate]\n" +
		"Every view renders real mock data, every form validates input, every async surface has loading, empty, and error states.")
}

// AutonomousIteration tags the message with the current iteration number.
func (b *Builder) AutonomousIteration(n int) *Builder {
	return b.add(fmt.Sprintf("[AutonomousIteration:%d]", n))
}

// ReplanDepth tags the message with the replan depth.
func (b *Builder) ReplanDepth(depth, max int) *Builder {
	return b.add(fmt.Sprintf("[ReplanDepth:%d/%d]", depth, max))
}

// Section appends a custom tagged block.
func (b *Builder) Section(tag, body string) *Builder {
	if body == "" {
		return b.add("[" + tag + "]")
	}
	return b.add("[" + tag + "]\n" + body)
}

// Empty reports whether no blocks were added.
func (b *Builder) Empty() bool { return len(b.blocks) == 0 }

// Append returns the user message with the accumulated blocks attached under
// a single [ImmutableContext] header. Without blocks the message is returned
// unchanged.
func (b *Builder) Append(userMessage string) string {
	if len(b.blocks) == 0 {
		return userMessage
	}
	var sb strings.Builder
	sb.WriteString(userMessage)
	sb.WriteString("\n\n[ImmutableContext]\n")
	sb.WriteString(strings.Join(b.blocks, "\n\n"))
	return sb.String()
}

func writeDigestList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "  %s: %s\n", label, strings.Join(items, ", "))
}
