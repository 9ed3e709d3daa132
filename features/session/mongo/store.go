package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/protofab/protofab/features/session/mongo/clients/mongo"
	"github.com/protofab/protofab/runtime/forge/session"
)

// Store implements session.Store and session.FileStore by delegating to the
// Mongo client. The owner invariant is enforced here so the low-level client
// stays a pure persistence layer.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create persists a new session. Idempotent for an existing active session.
func (s *Store) Create(ctx context.Context, sess session.Session) (session.Session, error) {
	return s.client.CreateSession(ctx, sess)
}

// Load returns the session, enforcing the owner invariant: a session with a
// declared owner is accessible only to that owner.
func (s *Store) Load(ctx context.Context, sessionID, ownerID string) (session.Session, error) {
	sess, err := s.client.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.OwnerID != "" && sess.OwnerID != ownerID {
		return session.Session{}, session.ErrAccessDenied
	}
	return sess, nil
}

// Update mutates session attributes.
func (s *Store) Update(ctx context.Context, sess session.Session) error {
	return s.client.UpdateSession(ctx, sess)
}

// Delete removes the session record. Callers delete files and clear policies
// alongside.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.DeleteSession(ctx, sessionID)
}

// GetFile returns the latest file at path, or nil when absent.
func (s *Store) GetFile(ctx context.Context, sessionID, path string) (*session.StoredFile, error) {
	return s.client.GetFile(ctx, sessionID, path)
}

// GetAllFiles returns all current session files ordered by path.
func (s *Store) GetAllFiles(ctx context.Context, sessionID string) ([]session.StoredFile, error) {
	return s.client.ListFiles(ctx, sessionID)
}

// SaveFiles persists a batch with latest-write-wins per path.
func (s *Store) SaveFiles(ctx context.Context, sessionID string, files []session.FileInput) (session.SaveResult, error) {
	return s.client.SaveFiles(ctx, sessionID, files)
}

// DeleteFiles removes all session files, returning the count removed.
func (s *Store) DeleteFiles(ctx context.Context, sessionID string) (int, error) {
	return s.client.DeleteFiles(ctx, sessionID)
}

// QueryFiles returns a filtered, sorted page of session files.
func (s *Store) QueryFiles(ctx context.Context, sessionID string, q session.FileQuery) ([]session.StoredFile, error) {
	return s.client.QueryFiles(ctx, sessionID, q)
}
