// Package plan defines typed execution plans and the deterministic generator
// that turns a routed user request into one. A plan owns its tasks; the
// orchestrator owns the plan for the duration of a run.
package plan

import (
	"time"
)

type (
	// Phase identifies the pipeline phase a task belongs to.
	Phase string

	// TaskMode selects how tasks in a wave execute.
	TaskMode string

	// RequirementStrategy selects how requirements are elaborated.
	RequirementStrategy string

	// RouteDecision carries the routing verdict for a request.
	RouteDecision struct {
		// Mode is creator or implementer.
		Mode string `json:"mode"`
		// Platform is web, desktop, mobile, or miniprogram.
		Platform string `json:"platform"`
	}

	// ExecutionTask is one schedulable unit of agent work.
	ExecutionTask struct {
		// ID is unique within the plan.
		ID string `json:"id"`
		// Phase is the pipeline phase.
		Phase Phase `json:"phase"`
		// AgentRole selects the agent that executes the task.
		AgentRole string `json:"agentRole"`
		// Mode is serial, parallel, or pipeline.
		Mode TaskMode `json:"mode"`
		// DependsOn lists task ids that must complete first. Every id must
		// resolve inside the same plan and the graph must be acyclic.
		DependsOn []string `json:"dependsOn,omitempty"`
		// Priority orders ready tasks; higher runs earlier on ties.
		Priority int `json:"priority"`
		// TimeoutMs bounds task execution.
		TimeoutMs int `json:"timeoutMs"`
		// MaxRetries bounds task-level retry.
		MaxRetries int `json:"maxRetries"`
		// Description is a human-facing summary of the task's goal.
		Description string `json:"description,omitempty"`
		// Metadata carries phase-specific data (dependency checklist,
		// requirement strategy, UI blueprint for the research phase).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// ReplanPolicy bounds autonomous replanning.
	ReplanPolicy struct {
		// MaxReplanDepth caps how many times a run may rewrite its plan.
		MaxReplanDepth int `json:"maxReplanDepth"`
	}

	// Metadata carries plan-level context.
	Metadata struct {
		Platform            string              `json:"platform"`
		TechStack           []string            `json:"techStack,omitempty"`
		ProjectType         string              `json:"projectType"`
		RequirementStrategy RequirementStrategy `json:"requirementStrategy"`
		UIBlueprint         *UIBlueprint        `json:"uiBlueprint,omitempty"`
	}

	// ExecutionPlan is the typed output of the planning layer.
	//
	// Invariants: MaxIterations >= 1, ReplanPolicy.MaxReplanDepth >= 0, task
	// ids unique, dependencies resolve in-plan, dependency graph acyclic.
	ExecutionPlan struct {
		// ID derives from a stable hash of the normalized input, so identical
		// requests produce identical plan ids (timestamps excepted).
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"createdAt"`
		// UserMessage is the originating request text.
		UserMessage string `json:"userMessage"`
		// RouteDecision is the routing verdict the plan was built for.
		RouteDecision RouteDecision `json:"routeDecision"`
		// MaxIterations caps the execution iteration loop.
		MaxIterations int             `json:"maxIterations"`
		Tasks         []ExecutionTask `json:"tasks"`
		ReplanPolicy  ReplanPolicy    `json:"replanPolicy"`
		Metadata      Metadata        `json:"metadata"`
	}
)

// Pipeline phases in canonical order.
const (
	PhaseDesignSystem     Phase = "design-system"
	PhaseSkeleton         Phase = "skeleton"
	PhaseSkeletonL1Gate   Phase = "skeleton-l1-gate"
	PhaseContractFreeze   Phase = "contract-freeze"
	PhaseResearch         Phase = "research"
	PhaseSharedComponents Phase = "shared-components"
	PhasePages            Phase = "pages"
	PhaseInteractions     Phase = "interactions"
	PhaseStates           Phase = "states"
	PhaseQuality          Phase = "quality"
	PhaseRepair           Phase = "repair"
)

const (
	// ModeSerial forces a scheduling barrier around the task.
	ModeSerial TaskMode = "serial"
	// ModeParallel allows concurrent execution within a wave.
	ModeParallel TaskMode = "parallel"
	// ModePipeline streams output of one task into the next.
	ModePipeline TaskMode = "pipeline"

	// StrategyDirect implements the stated requirements as-is.
	StrategyDirect RequirementStrategy = "direct"
	// StrategyBrainstorm runs a requirement-brainstorm elaboration pass first.
	StrategyBrainstorm RequirementStrategy = "brainstorm"
)

// CriticalPhases are the execution phases whose absence from the completed
// set marks a run as incomplete during reflection.
var CriticalPhases = []Phase{PhasePages, PhaseInteractions, PhaseStates, PhaseQuality}

// TaskByID returns the task with the given id, or nil.
func (p *ExecutionPlan) TaskByID(id string) *ExecutionTask {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Phases returns the ordered phase list of the plan's tasks.
func (p *ExecutionPlan) Phases() []Phase {
	out := make([]Phase, len(p.Tasks))
	for i, t := range p.Tasks {
		out[i] = t.Phase
	}
	return out
}
