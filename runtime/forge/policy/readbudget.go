package policy

import (
	"fmt"
	"sync"
)

// Read budget limits per (session, iteration). The budget only applies once
// the session already holds artifacts: the first iteration of an empty
// session reads nothing of interest and is never throttled.
const (
	// MaxReadCalls caps read-tool invocations per iteration.
	MaxReadCalls = 24
	// MaxUniqueReadPaths caps distinct normalized paths read per iteration.
	MaxUniqueReadPaths = 12
	// maxTrackedBudgets bounds the number of (session, iteration) entries
	// kept in memory; the oldest entries are evicted beyond this.
	maxTrackedBudgets = 500
)

type (
	// ReadBudget tracks read-tool usage per (session, iteration) pair.
	// Safe for concurrent use.
	ReadBudget struct {
		mu      sync.Mutex
		entries map[budgetKey]*budgetEntry
		order   []budgetKey
	}

	budgetKey struct {
		sessionID string
		iteration int
	}

	budgetEntry struct {
		calls int
		paths map[string]struct{}
	}
)

// NewReadBudget constructs an empty read budget tracker.
func NewReadBudget() *ReadBudget {
	return &ReadBudget{entries: make(map[budgetKey]*budgetEntry)}
}

// Consume records one read of normalizedPath for the given session iteration
// and returns ErrReadBudgetExceeded when either the call cap or the unique
// path cap would be exceeded. When hasArtifacts is false the budget does not
// apply and the read is always admitted.
func (b *ReadBudget) Consume(sessionID string, iteration int, normalizedPath string, hasArtifacts bool) error {
	if !hasArtifacts {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := budgetKey{sessionID: sessionID, iteration: iteration}
	entry, ok := b.entries[key]
	if !ok {
		entry = &budgetEntry{paths: make(map[string]struct{})}
		b.entries[key] = entry
		b.order = append(b.order, key)
		b.evictLocked()
	}

	if entry.calls+1 > MaxReadCalls {
		return fmt.Errorf("%w: %d read calls in one iteration", ErrReadBudgetExceeded, MaxReadCalls)
	}
	if _, seen := entry.paths[normalizedPath]; !seen && len(entry.paths)+1 > MaxUniqueReadPaths {
		return fmt.Errorf("%w: %d unique paths in one iteration", ErrReadBudgetExceeded, MaxUniqueReadPaths)
	}
	entry.calls++
	entry.paths[normalizedPath] = struct{}{}
	return nil
}

// Reset drops all tracked budgets for a session, typically on session delete.
func (b *ReadBudget) Reset(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.order[:0]
	for _, key := range b.order {
		if key.sessionID == sessionID {
			delete(b.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	b.order = kept
}

// evictLocked drops the oldest tracked pairs beyond the cap. Caller holds b.mu.
func (b *ReadBudget) evictLocked() {
	for len(b.order) > maxTrackedBudgets {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
	}
}
