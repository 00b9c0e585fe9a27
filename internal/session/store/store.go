// Package store persists sessions and their event logs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentor/agentor/internal/session/models"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a distinct session already holds the name.
	ErrConflict = errors.New("session name already in use")
)

// Store is the persistence interface for sessions and events.
type Store interface {
	// CreateSession inserts a session. Re-inserting the same session_id is
	// a no-op; a session_name held by a different session returns ErrConflict.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	UpdateSessionMetadata(ctx context.Context, sessionID string, name, projectDir *string) error
	TouchResumed(ctx context.Context, sessionID string, at time.Time) error
	// ListChildren returns the session ids whose parent_session_id matches.
	ListChildren(ctx context.Context, parentSessionID string) ([]string, error)
	// DeleteSession removes one session; its events go with it (FK cascade).
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendEvent writes the event and fills in its store-assigned id.
	AppendEvent(ctx context.Context, event *models.Event) error
	// GetEvents returns the session's events in ascending (id, timestamp) order.
	GetEvents(ctx context.Context, sessionID string) ([]*models.Event, error)
	// GetLatestResult returns the most recent result event, or ErrNotFound.
	GetLatestResult(ctx context.Context, sessionID string) (*models.Event, error)
}
