package policy

import (
	"strings"
	"sync"
)

type (
	// WriteMode controls overwrite behavior for the write tool.
	WriteMode string

	// SessionPolicyStore holds per-session policy records. The default
	// implementation is an in-memory map behind a mutex; the interface
	// supports clearing on session deletion so no state outlives a session.
	SessionPolicyStore interface {
		// Contract returns the session's contract policy.
		Contract(sessionID string) ContractPolicy
		// FreezeContract marks the session's contract policy read-only.
		FreezeContract(sessionID string, prefixes []string)
		// ReadBudget returns the shared read budget tracker.
		ReadBudget() *ReadBudget
		// Clear drops all policy state for the session.
		Clear(sessionID string)
	}

	// MemoryPolicyStore is the in-memory SessionPolicyStore.
	MemoryPolicyStore struct {
		mu        sync.RWMutex
		contracts map[string]ContractPolicy
		reads     *ReadBudget
	}
)

const (
	// WriteModeDefault blocks overwrites of existing files.
	WriteModeDefault WriteMode = "default"
	// WriteModeAllowFullOverwrite permits overwriting existing files.
	WriteModeAllowFullOverwrite WriteMode = "allow_full_overwrite"
)

// NewMemoryPolicyStore constructs the default in-memory policy store.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		contracts: make(map[string]ContractPolicy),
		reads:     NewReadBudget(),
	}
}

// Contract returns the session's contract policy, defaulting to unfrozen.
func (s *MemoryPolicyStore) Contract(sessionID string) ContractPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.contracts[sessionID]; ok {
		return p
	}
	return NewContractPolicy()
}

// FreezeContract marks the session's contract policy read-only with the given
// prefixes (defaults kept when empty).
func (s *MemoryPolicyStore) FreezeContract(sessionID string, prefixes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.contracts[sessionID]
	if !ok {
		p = NewContractPolicy()
	}
	p.Freeze(prefixes)
	s.contracts[sessionID] = p
}

// ReadBudget returns the shared read budget tracker.
func (s *MemoryPolicyStore) ReadBudget() *ReadBudget {
	return s.reads
}

// Clear drops all policy state for the session.
func (s *MemoryPolicyStore) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.contracts, sessionID)
	s.mu.Unlock()
	s.reads.Reset(sessionID)
}

// OverwriteAllowed reports whether a write may replace an existing file.
// Overwrites are permitted when the write mode is allow_full_overwrite, the
// invoking agent is a frontend-* agent, or the session runs in creator mode.
func OverwriteAllowed(mode WriteMode, agentID, sessionMode string) bool {
	if mode == WriteModeAllowFullOverwrite {
		return true
	}
	if strings.HasPrefix(agentID, "frontend-") {
		return true
	}
	return sessionMode == "creator"
}
