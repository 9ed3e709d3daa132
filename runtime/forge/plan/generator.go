package plan

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

type (
	// Input carries everything the generator needs to produce a plan.
	Input struct {
		// UserMessage is the free-form request text.
		UserMessage string
		// Route is the routing verdict (mode + platform).
		Route RouteDecision
		// AgentID identifies the session's active agent.
		AgentID string
		// SessionMode is the session's creator/implementer mode.
		SessionMode string
		// ProjectType is the project template (next-js, react-vite, ...).
		ProjectType string
		// TechStack is the declared stack. Entries must be strings; the
		// generator rejects anything else.
		TechStack []any
		// UILibraries are the selected UI libraries (shadcn, antd, ...).
		UILibraries []string
	}

	// DependencyRequirement is one entry of the research dependency checklist.
	DependencyRequirement struct {
		// Package is the npm package name.
		Package string `json:"package"`
		// Dev marks devDependency installation.
		Dev bool `json:"dev"`
		// Reason records which stack selection demanded the package.
		Reason string `json:"reason"`
	}

	// Generator produces execution plans. It is stateless and safe for
	// concurrent use.
	Generator struct {
		now func() time.Time
	}
)

// Iteration budgets by plan flavor.
const (
	repairMaxIterations     = 2
	brainstormMaxIterations = 6
	directMaxIterations     = 5

	defaultMaxReplanDepth = 2
)

// repairKeywords mark a message as a repair request.
var repairKeywords = []string{"修复", "修正", "排查", "优化", "fix", "bug", "error", "issue", "refactor", "improve"}

var (
	separatorRe = regexp.MustCompile("[,，;；\n]")
	colonRe     = regexp.MustCompile("[:：]")
	bulletRe    = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.、)])\s*\S`)
	latinToken  = regexp.MustCompile(`[A-Za-z0-9]+`)
)

// libraryPackages maps UI library selections to the npm packages they demand.
var libraryPackages = map[string][]DependencyRequirement{
	"shadcn":       {{Package: "@radix-ui/react-slot"}, {Package: "class-variance-authority"}},
	"antd":         {{Package: "antd"}},
	"element-plus": {{Package: "element-plus"}},
	"mui":          {{Package: "@mui/material"}, {Package: "@emotion/react"}, {Package: "@emotion/styled"}},
	"tailwind":     {{Package: "tailwindcss", Dev: true}, {Package: "postcss", Dev: true}, {Package: "autoprefixer", Dev: true}},
	"zustand":      {{Package: "zustand"}},
	"redux":        {{Package: "@reduxjs/toolkit"}, {Package: "react-redux"}},
	"router":       {{Package: "react-router-dom"}},
}

// NewGenerator constructs a plan generator.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Generate builds a deterministic execution plan for the input. The plan id
// derives from a stable hash of the normalized message and routing inputs, so
// identical inputs yield identical ids and task sequences; only CreatedAt
// varies between invocations.
func (g *Generator) Generate(in Input) (*ExecutionPlan, error) {
	techStack, err := stringifyTechStack(in.TechStack)
	if err != nil {
		return nil, err
	}

	repair := HasRepairIntent(in.UserMessage)
	detail := DetailScore(in.UserMessage)
	strategy := StrategyDirect
	if !repair && (detail <= 1 || (in.Route.Mode == "creator" && detail <= 2)) {
		strategy = StrategyBrainstorm
	}

	maxIterations := directMaxIterations
	switch {
	case repair:
		maxIterations = repairMaxIterations
	case strategy == StrategyBrainstorm:
		maxIterations = brainstormMaxIterations
	}

	p := &ExecutionPlan{
		ID:            PlanID(in.UserMessage, in.AgentID, in.Route.Mode, in.Route.Platform, in.ProjectType),
		CreatedAt:     g.now().UTC(),
		UserMessage:   in.UserMessage,
		RouteDecision: in.Route,
		MaxIterations: maxIterations,
		ReplanPolicy:  ReplanPolicy{MaxReplanDepth: defaultMaxReplanDepth},
		Metadata: Metadata{
			Platform:            in.Route.Platform,
			TechStack:           techStack,
			ProjectType:         in.ProjectType,
			RequirementStrategy: strategy,
		},
	}

	if repair {
		p.Metadata.RequirementStrategy = StrategyDirect
		p.Tasks = repairTasks()
		return p, nil
	}

	blueprint := buildBlueprint(in.UserMessage, in.Route.Platform, strategy)
	p.Metadata.UIBlueprint = blueprint
	checklist := BuildDependencyChecklist(in.ProjectType, techStack, in.UILibraries)
	withComponents := len(in.UILibraries) > 0
	p.Tasks = buildTasks(strategy, withComponents, blueprint, checklist)
	return p, nil
}

// PlanID derives the stable plan identifier: a 160-bit digest of the
// |-joined normalized key, truncated to 8 hex characters.
func PlanID(userMessage, agentID, mode, platform, projectType string) string {
	key := strings.Join([]string{
		normalizeMessage(userMessage), agentID, mode, platform, projectType,
	}, "|")
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:8]
}

// HasRepairIntent reports whether the message asks for a fix rather than a
// new build. Matching is case-insensitive.
func HasRepairIntent(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range repairKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DetailScore measures how much structure the message carries. Units are CJK
// characters plus Latin tokens. The score gains one point for each of:
// >= 18 units, >= 32 units, >= 2 comma/semicolon/newline separators, >= 1
// colon marker, >= 1 bullet line.
func DetailScore(message string) int {
	units := 0
	for _, r := range message {
		if unicode.Is(unicode.Han, r) {
			units++
		}
	}
	units += len(latinToken.FindAllString(message, -1))

	score := 0
	if units >= 18 {
		score++
	}
	if units >= 32 {
		score++
	}
	if len(separatorRe.FindAllString(message, -1)) >= 2 {
		score++
	}
	if colonRe.MatchString(message) {
		score++
	}
	if bulletRe.MatchString(message) {
		score++
	}
	return score
}

// BuildDependencyChecklist maps the project template and selected libraries
// to the npm packages the generated project must declare. The checklist
// always contains at least the react runtime entries.
func BuildDependencyChecklist(projectType string, techStack, uiLibraries []string) []DependencyRequirement {
	out := []DependencyRequirement{
		{Package: "react", Reason: "react runtime"},
		{Package: "react-dom", Reason: "react runtime"},
	}
	switch projectType {
	case "next-js":
		out = append(out, DependencyRequirement{Package: "next", Reason: "next-js template"})
	case "react-vite":
		out = append(out,
			DependencyRequirement{Package: "vite", Dev: true, Reason: "react-vite template"},
			DependencyRequirement{Package: "@vitejs/plugin-react", Dev: true, Reason: "react-vite template"},
		)
	case "react-native":
		out = append(out, DependencyRequirement{Package: "react-native", Reason: "react-native template"})
	}

	seen := make(map[string]bool, len(out))
	for _, d := range out {
		seen[d.Package] = true
	}
	addAll := func(reason string, reqs []DependencyRequirement) {
		for _, req := range reqs {
			if seen[req.Package] {
				continue
			}
			seen[req.Package] = true
			req.Reason = reason
			out = append(out, req)
		}
	}
	for _, lib := range uiLibraries {
		key := strings.ToLower(strings.TrimSpace(lib))
		if reqs, ok := libraryPackages[key]; ok {
			addAll("ui library "+key, reqs)
		}
	}
	for _, entry := range techStack {
		key := strings.ToLower(strings.TrimSpace(entry))
		if reqs, ok := libraryPackages[key]; ok {
			addAll("tech stack "+key, reqs)
		}
	}
	return out
}

// repairTasks is the two-task plan for repair-intent requests.
func repairTasks() []ExecutionTask {
	return []ExecutionTask{
		{
			ID: "repair", Phase: PhaseRepair, AgentRole: "frontend-repair",
			Mode: ModeSerial, Priority: 5, TimeoutMs: 180000, MaxRetries: 1,
			Description: "Diagnose and fix the reported defects in the existing project",
		},
		{
			ID: "quality", Phase: PhaseQuality, AgentRole: "quality",
			Mode: ModeSerial, DependsOn: []string{"repair"}, Priority: 1,
			TimeoutMs: 120000, MaxRetries: 1,
			Description: "Verify the repaired project against the original requirements",
		},
	}
}

// buildTasks emits the non-repair phase graph. Plans with an explicit UI
// library selection add a shared-components task between design-system and
// the skeleton gate.
func buildTasks(strategy RequirementStrategy, withComponents bool, blueprint *UIBlueprint, checklist []DependencyRequirement) []ExecutionTask {
	researchDescription := "Consolidate the stated requirements into an implementation brief."
	if strategy == StrategyBrainstorm {
		researchDescription = "Run requirement-brainstorm pass first, then consolidate the elaborated requirements into an implementation brief."
	}

	tasks := []ExecutionTask{
		{
			ID: "design-system", Phase: PhaseDesignSystem, AgentRole: "frontend-design",
			Mode: ModeSerial, Priority: 5, TimeoutMs: 120000, MaxRetries: 1,
			Description: "Establish design tokens, typography, and base layout primitives",
		},
		{
			ID: "skeleton", Phase: PhaseSkeleton, AgentRole: "frontend-skeleton",
			Mode: ModeSerial, DependsOn: []string{"design-system"}, Priority: 5,
			TimeoutMs: 180000, MaxRetries: 1,
			Description: "Scaffold routes, shells, and typed contracts before feature work",
		},
	}
	gateDeps := []string{"skeleton"}
	if withComponents {
		tasks = append(tasks, ExecutionTask{
			ID: "shared-components", Phase: PhaseSharedComponents, AgentRole: "frontend-components",
			Mode: ModeSerial, DependsOn: []string{"design-system"}, Priority: 4,
			TimeoutMs: 150000, MaxRetries: 1,
			Description: "Build the shared component library on top of the design system",
		})
		gateDeps = append(gateDeps, "shared-components")
	}
	tasks = append(tasks,
		ExecutionTask{
			ID: "skeleton-l1-gate", Phase: PhaseSkeletonL1Gate, AgentRole: "quality-gate",
			Mode: ModeSerial, DependsOn: gateDeps, Priority: 5,
			TimeoutMs: 90000, MaxRetries: 1,
			Description: "Type-check the skeleton before contracts freeze",
		},
		ExecutionTask{
			ID: "contract-freeze", Phase: PhaseContractFreeze, AgentRole: "contract-curator",
			Mode: ModeSerial, DependsOn: []string{"skeleton-l1-gate"}, Priority: 5,
			TimeoutMs: 90000, MaxRetries: 1,
			Description: "Freeze shared types, stores, and UI primitives for the run",
		},
		ExecutionTask{
			ID: "research", Phase: PhaseResearch, AgentRole: "research",
			Mode: ModeSerial, DependsOn: []string{"contract-freeze"}, Priority: 5,
			TimeoutMs: 120000, MaxRetries: 1,
			Description: researchDescription,
			Metadata: map[string]any{
				"dependencyChecklist": checklist,
				"requirementStrategy": string(strategy),
				"uiBlueprint":         blueprint,
			},
		},
		ExecutionTask{
			ID: "pages", Phase: PhasePages, AgentRole: "frontend-pages",
			Mode: ModeParallel, DependsOn: []string{"research"}, Priority: 3,
			TimeoutMs: 180000, MaxRetries: 1,
			Description: "Implement every blueprint route with real data surfaces",
		},
		ExecutionTask{
			ID: "interactions", Phase: PhaseInteractions, AgentRole: "frontend-interactions",
			Mode: ModeParallel, DependsOn: []string{"research"}, Priority: 2,
			TimeoutMs: 180000, MaxRetries: 1,
			Description: "Wire the mandatory interactions across views",
		},
		ExecutionTask{
			ID: "states", Phase: PhaseStates, AgentRole: "frontend-states",
			Mode: ModeParallel, DependsOn: []string{"research"}, Priority: 1,
			TimeoutMs: 180000, MaxRetries: 1,
			Description: "Cover loading, empty, and error states on async surfaces",
		},
		ExecutionTask{
			ID: "quality", Phase: PhaseQuality, AgentRole: "quality",
			Mode: ModeSerial, DependsOn: []string{"pages", "interactions", "states"}, Priority: 1,
			TimeoutMs: 120000, MaxRetries: 1,
			Description: "Review the assembled prototype against the acceptance gates",
		},
	)
	return tasks
}

// normalizeMessage collapses whitespace and lowercases for hashing.
func normalizeMessage(message string) string {
	return strings.ToLower(strings.Join(strings.Fields(message), " "))
}

// stringifyTechStack validates that every entry is a string.
func stringifyTechStack(stack []any) ([]string, error) {
	out := make([]string, 0, len(stack))
	for i, entry := range stack {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("tech stack entry %d is %T, want string", i, entry)
		}
		out = append(out, s)
	}
	return out, nil
}
