// Package service drives the session state machine from incoming events
// and serves session queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	busevents "github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/session/models"
	"github.com/agentor/agentor/internal/session/store"
)

// ErrNotTerminal is returned when a result is requested before the
// session has reached a terminal state.
var ErrNotTerminal = errors.New("session is not terminal")

// Broadcaster pushes frames to realtime subscribers. Broadcasts go through
// this interface directly (not the bus) so per-session ordering is
// preserved end to end.
type Broadcaster interface {
	SessionCreated(session *models.Session)
	SessionUpdated(session *models.Session)
	SessionDeleted(sessionID string)
	EventAppended(event *models.Event)
}

// SessionCreate carries the caller-supplied fields for a new session.
type SessionCreate struct {
	SessionID       string  `json:"session_id,omitempty"`
	SessionName     *string `json:"session_name,omitempty"`
	ProjectDir      *string `json:"project_dir,omitempty"`
	AgentName       *string `json:"agent_name,omitempty"`
	ParentSessionID *string `json:"parent_session_id,omitempty"`
}

// MetadataUpdate patches mutable session metadata.
type MetadataUpdate struct {
	SessionName *string `json:"session_name,omitempty"`
	ProjectDir  *string `json:"project_dir,omitempty"`
}

// Service owns session lifecycle and the event append pipeline.
type Service struct {
	store       store.Store
	bus         bus.EventBus
	broadcaster Broadcaster
	logger      *logger.Logger
}

// NewService creates the session service.
func NewService(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "sessions")),
	}
}

// SetBroadcaster wires the realtime hub once it exists. The gateway is
// constructed after the services, so this is setter injection by design
// of the boot order, not an optional dependency.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Create inserts a new pending session and broadcasts session_created.
func (s *Service) Create(ctx context.Context, create *SessionCreate) (*models.Session, error) {
	session := &models.Session{
		SessionID:       create.SessionID,
		SessionName:     create.SessionName,
		Status:          models.SessionPending,
		CreatedAt:       time.Now().UTC(),
		ProjectDir:      create.ProjectDir,
		AgentName:       create.AgentName,
		ParentSessionID: create.ParentSessionID,
	}
	if session.SessionID == "" {
		session.SessionID = models.NewSessionID()
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if s.broadcaster != nil {
		s.broadcaster.SessionCreated(session)
	}
	s.publish(ctx, busevents.SubjectSessionCreated, map[string]interface{}{
		"session_id": session.SessionID,
		"status":     string(session.Status),
	})
	s.logger.Info("session created", zap.String("session_id", session.SessionID))
	return session, nil
}

// Get fetches one session.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// List returns all sessions.
func (s *Service) List(ctx context.Context) ([]*models.Session, error) {
	return s.store.ListSessions(ctx)
}

// SetStatus persists a status transition and broadcasts session_updated.
// Transitions out of a terminal state are refused.
func (s *Service) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == status {
		return session, nil
	}
	// Terminal sessions can only be reopened by a resume taking them back
	// to running; any other transition out of terminal is refused.
	if session.Status.IsTerminal() && status != models.SessionRunning {
		return nil, fmt.Errorf("session %s is already %s", sessionID, session.Status)
	}

	if err := s.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		return nil, err
	}
	session.Status = status

	if s.broadcaster != nil {
		s.broadcaster.SessionUpdated(session)
	}
	s.publish(ctx, busevents.SubjectSessionUpdated, map[string]interface{}{
		"session_id": sessionID,
		"status":     string(status),
	})
	return session, nil
}

// MarkResumed records a resume timestamp and returns the session to running.
func (s *Service) MarkResumed(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := s.store.TouchResumed(ctx, sessionID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.SetStatus(ctx, sessionID, models.SessionRunning)
}

// UpdateMetadata patches session_name/project_dir and broadcasts the change.
func (s *Service) UpdateMetadata(ctx context.Context, sessionID string, update *MetadataUpdate) (*models.Session, error) {
	if err := s.store.UpdateSessionMetadata(ctx, sessionID, update.SessionName, update.ProjectDir); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.broadcaster != nil {
		s.broadcaster.SessionUpdated(session)
	}
	return session, nil
}

// AppendEvent validates and persists one event, advances the session state
// machine for session_stop events, and broadcasts both the event and any
// session change. Returns the stored event and the (possibly updated)
// session.
func (s *Service) AppendEvent(ctx context.Context, sessionID string, event *models.Event) (*models.Event, *models.Session, error) {
	if err := event.Validate(); err != nil {
		return nil, nil, err
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	event.SessionID = sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, nil, err
	}

	if s.broadcaster != nil {
		s.broadcaster.EventAppended(event)
	}
	s.publish(ctx, busevents.SubjectEventAppended, map[string]interface{}{
		"session_id": sessionID,
		"event_id":   event.ID,
		"event_type": string(event.Type),
	})

	if event.Type == models.EventSessionStop && !session.Status.IsTerminal() {
		next := models.SessionFinished
		if event.ExitCode != nil && *event.ExitCode != 0 {
			next = models.SessionFailed
		}
		session, err = s.SetStatus(ctx, sessionID, next)
		if err != nil {
			return nil, nil, fmt.Errorf("event stored but session transition failed: %w", err)
		}
	}

	return event, session, nil
}

// GetEvents returns the session log oldest-first.
func (s *Service) GetEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, sessionID)
}

// GetResult returns the most recent result payload. It refuses while the
// session is still live.
func (s *Service) GetResult(ctx context.Context, sessionID string) (*models.Result, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.IsTerminal() {
		return nil, ErrNotTerminal
	}

	event, err := s.store.GetLatestResult(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &models.Result{}, nil
		}
		return nil, err
	}
	return &models.Result{ResultText: event.ResultText, ResultData: event.ResultData}, nil
}

// Delete removes the session, its events, and all descendant sessions.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	children, err := s.store.ListChildren(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.Delete(ctx, child); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete child session %s: %w", child, err)
		}
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	if s.broadcaster != nil {
		s.broadcaster.SessionDeleted(sessionID)
	}
	s.publish(ctx, busevents.SubjectSessionDeleted, map[string]interface{}{
		"session_id": sessionID,
	})
	s.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := busevents.Publish(ctx, s.bus, subject, "sessions", data); err != nil {
		s.logger.Warn("failed to publish bus event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
