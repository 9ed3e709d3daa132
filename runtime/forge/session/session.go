// Package session defines the durable session and file-store contracts the
// runtime consumes. Sessions own their generated files, their policies, and
// their execution plan; deleting a session deletes its files transitively.
//
// Store implementations must be durable in production (see features/files for
// the Mongo backend); the inmem subpackage provides the default in-process
// implementation used by tests and single-node deployments.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Mode distinguishes how a session drives generation.
	Mode string

	// Template identifies the frontend project template of a session.
	Template string

	// Session is the durable handle owning files, policies, and plan.
	//
	// Contract:
	// - IDs are stable and caller-provided.
	// - A session with a declared owner is accessible only to that owner.
	// - Deleting a session deletes its files transitively.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// OwnerID identifies the owning user. Empty means unowned (open access).
		OwnerID string
		// Mode selects creator or implementer behavior.
		Mode Mode
		// ActiveAgentID is the agent currently driving the session.
		ActiveAgentID string
		// Model is the session's model selection.
		Model string
		// Template is the detected or declared project template.
		Template Template
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records the last orchestrator mutation.
		UpdatedAt time.Time
	}

	// StoredFile is one generated artifact belonging to a session. Paths are
	// workspace-relative, never absolute, never traversing parents. Multiple
	// writes to the same path keep latest-write-wins semantics.
	StoredFile struct {
		// ID is unique per stored file row.
		ID string
		// SessionID is the owning session.
		SessionID string
		// Path is the workspace-relative file path.
		Path string
		// Content is the file content.
		Content string
		// Language is the detected source language (e.g., "typescript").
		Language string
		// Size is len(Content) at save time.
		Size int
		// CreatedAt records when this version was saved.
		CreatedAt time.Time
	}

	// FileInput is one file to save.
	FileInput struct {
		Path     string
		Content  string
		Language string
	}

	// SaveResult reports the outcome of a batch save.
	SaveResult struct {
		// Saved is the number of files persisted.
		Saved int
		// Errors collects per-file failures; a partial batch still saves the
		// valid entries.
		Errors []error
	}

	// FileQuery selects a filtered, sorted page of session files.
	FileQuery struct {
		// PathPrefix filters to paths starting with the prefix. Optional.
		PathPrefix string
		// Language filters by language. Optional.
		Language string
		// SortBy is one of createdAt, path, size, language. Defaults to path.
		SortBy string
		// Order is asc or desc. Defaults to asc.
		Order string
		// Offset/Limit page the result. Limit 0 means no limit.
		Offset int
		Limit  int
	}

	// FileStore is the capability-level file persistence contract the core
	// consumes. Implementations must serialize writes to the same path
	// (last-write-wins at the row level).
	FileStore interface {
		// GetFile returns the latest file at path, or nil when absent.
		GetFile(ctx context.Context, sessionID, path string) (*StoredFile, error)
		// GetAllFiles returns all current session files.
		GetAllFiles(ctx context.Context, sessionID string) ([]StoredFile, error)
		// SaveFiles persists a batch with latest-write-wins per path.
		SaveFiles(ctx context.Context, sessionID string, files []FileInput) (SaveResult, error)
		// DeleteFiles removes all session files, returning the count removed.
		DeleteFiles(ctx context.Context, sessionID string) (int, error)
		// QueryFiles returns a filtered, sorted page of session files.
		// Invalid sort fields or order values yield ErrInvalidFileQuery.
		QueryFiles(ctx context.Context, sessionID string, q FileQuery) ([]StoredFile, error)
	}

	// Store persists session records.
	Store interface {
		// Create persists a new session. Idempotent for an existing active session.
		Create(ctx context.Context, sess Session) (Session, error)
		// Load returns the session. Returns ErrSessionNotFound when missing and
		// ErrAccessDenied when ownerID does not match a declared owner.
		Load(ctx context.Context, sessionID, ownerID string) (Session, error)
		// Update mutates session attributes.
		Update(ctx context.Context, sess Session) error
		// Delete removes the session; callers must delete files and clear
		// policies alongside.
		Delete(ctx context.Context, sessionID string) error
	}
)

const (
	// ModeCreator drives exploratory creator-quality generation.
	ModeCreator Mode = "creator"
	// ModeImplementer drives direct implementation of stated requirements.
	ModeImplementer Mode = "implementer"

	// TemplateNextJS is a Next.js project.
	TemplateNextJS Template = "next-js"
	// TemplateReactVite is a React + Vite project.
	TemplateReactVite Template = "react-vite"
	// TemplateReactNative is a React Native project.
	TemplateReactNative Template = "react-native"
	// TemplateUniapp is a uni-app miniprogram project.
	TemplateUniapp Template = "uniapp"
	// TemplateUnknown marks sessions without a detected template.
	TemplateUnknown Template = "unknown"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAccessDenied indicates the caller is not the session owner.
	ErrAccessDenied = errors.New("session access denied")
	// ErrInvalidFileQuery indicates an invalid sort field or order value.
	// The code string is part of the user-visible contract.
	ErrInvalidFileQuery = errors.New("INVALID_FILE_QUERY_PARAMS")
)

// fileSortFields is the allow-list for FileQuery.SortBy.
var fileSortFields = map[string]bool{
	"createdAt": true,
	"path":      true,
	"size":      true,
	"language":  true,
}

// ValidateFileQuery checks sort field and order against the allow-lists.
// Values never reach a storage query as raw strings; backends switch on the
// validated values.
func ValidateFileQuery(q FileQuery) error {
	if q.SortBy != "" && !fileSortFields[q.SortBy] {
		return ErrInvalidFileQuery
	}
	if q.Order != "" && q.Order != "asc" && q.Order != "desc" {
		return ErrInvalidFileQuery
	}
	if q.Offset < 0 || q.Limit < 0 {
		return ErrInvalidFileQuery
	}
	return nil
}

// SupportedRepairTemplate reports whether the self-repair loop can validate
// projects of this template.
func (t Template) SupportedRepairTemplate() bool {
	switch t {
	case TemplateNextJS, TemplateReactVite:
		return true
	default:
		return false
	}
}
