// Package inmem provides in-memory session and file stores for tests and
// single-process deployments. Writes to the same path are serialized under a
// store-wide mutex with latest-write-wins semantics.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protofab/protofab/runtime/forge/session"
)

type (
	// SessionStore is the in-memory session.Store.
	SessionStore struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
	}

	// FileStore is the in-memory session.FileStore.
	FileStore struct {
		mu    sync.Mutex
		files map[string]map[string]session.StoredFile // sessionID -> path -> file
		now   func() time.Time
	}
)

// NewSessionStore constructs an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]session.Session)}
}

// NewFileStore constructs an empty in-memory file store.
func NewFileStore() *FileStore {
	return &FileStore{
		files: make(map[string]map[string]session.StoredFile),
		now:   time.Now,
	}
}

// Create persists the session. Creating an existing session returns the
// stored record unchanged.
func (s *SessionStore) Create(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.ID]; ok {
		return existing, nil
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	s.sessions[sess.ID] = sess
	return sess, nil
}

// Load returns the session, enforcing the owner invariant: a session with a
// declared owner is accessible only to that owner.
func (s *SessionStore) Load(_ context.Context, sessionID, ownerID string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if sess.OwnerID != "" && sess.OwnerID != ownerID {
		return session.Session{}, session.ErrAccessDenied
	}
	return sess, nil
}

// Update mutates session attributes.
func (s *SessionStore) Update(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return session.ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = sess
	return nil
}

// Delete removes the session record.
func (s *SessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// GetFile returns the latest file at path, or nil when absent.
func (f *FileStore) GetFile(_ context.Context, sessionID, path string) (*session.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[sessionID][path]
	if !ok {
		return nil, nil
	}
	return &file, nil
}

// GetAllFiles returns all current session files ordered by path.
func (f *FileStore) GetAllFiles(_ context.Context, sessionID string) ([]session.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.StoredFile, 0, len(f.files[sessionID]))
	for _, file := range f.files[sessionID] {
		out = append(out, file)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// SaveFiles persists the batch with latest-write-wins per path. Entries with
// empty paths are reported in the result errors without failing the batch.
func (f *FileStore) SaveFiles(_ context.Context, sessionID string, files []session.FileInput) (session.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result session.SaveResult
	if f.files[sessionID] == nil {
		f.files[sessionID] = make(map[string]session.StoredFile)
	}
	for _, in := range files {
		if strings.TrimSpace(in.Path) == "" {
			result.Errors = append(result.Errors, fmt.Errorf("empty path"))
			continue
		}
		f.files[sessionID][in.Path] = session.StoredFile{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Path:      in.Path,
			Content:   in.Content,
			Language:  in.Language,
			Size:      len(in.Content),
			CreatedAt: f.now().UTC(),
		}
		result.Saved++
	}
	return result, nil
}

// DeleteFiles removes all session files.
func (f *FileStore) DeleteFiles(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.files[sessionID])
	delete(f.files, sessionID)
	return n, nil
}

// QueryFiles returns a filtered, sorted page of session files.
func (f *FileStore) QueryFiles(ctx context.Context, sessionID string, q session.FileQuery) ([]session.StoredFile, error) {
	if err := session.ValidateFileQuery(q); err != nil {
		return nil, err
	}
	all, err := f.GetAllFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	filtered := all[:0]
	for _, file := range all {
		if q.PathPrefix != "" && !strings.HasPrefix(file.Path, q.PathPrefix) {
			continue
		}
		if q.Language != "" && file.Language != q.Language {
			continue
		}
		filtered = append(filtered, file)
	}

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "path"
	}
	less := func(a, b session.StoredFile) bool {
		switch sortBy {
		case "createdAt":
			return a.CreatedAt.Before(b.CreatedAt)
		case "size":
			return a.Size < b.Size
		case "language":
			return a.Language < b.Language
		default:
			return a.Path < b.Path
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if q.Order == "desc" {
			return less(filtered[j], filtered[i])
		}
		return less(filtered[i], filtered[j])
	})

	if q.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[q.Offset:]
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}
