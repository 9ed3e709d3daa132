package orchestrator

import "sync"

// Blackboard is the in-run shared store the three layers communicate
// through: analysis writes design documents, planning writes the execution
// plan, execution writes its outcome. Keys are namespaced by stage.
type Blackboard struct {
	mu      sync.RWMutex
	entries map[string]any
}

// Blackboard keys written by the stages.
const (
	KeyDesignDocuments  = "analysis.documents"
	KeyExecutionPlan    = "planning.plan"
	KeyExecutionOutcome = "execution.outcome"
	KeyRepairResult     = "repair.result"
)

// NewBlackboard returns an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{entries: make(map[string]any)}
}

// Set stores a value under key, replacing any previous value.
func (b *Blackboard) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = value
}

// Get returns the value under key and whether it is present.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.entries[key]
	return v, ok
}

// Len returns the number of stored entries.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
