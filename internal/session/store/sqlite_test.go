package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/db"
	"github.com/agentor/agentor/internal/session/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store, err := NewSQLStore(pool)
	require.NoError(t, err)
	return store
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func createSession(t *testing.T, s *SQLStore, id string, name *string) *models.Session {
	t.Helper()
	session := &models.Session{
		SessionID:   id,
		SessionName: name,
		Status:      models.SessionPending,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func TestCreateSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "ses_one", strPtr("alpha"))

	// Same session_id again is a no-op.
	again := &models.Session{SessionID: "ses_one", Status: models.SessionPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateSession(ctx, again))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestCreateSessionNameConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createSession(t, s, "ses_one", strPtr("alpha"))

	other := &models.Session{
		SessionID:   "ses_two",
		SessionName: strPtr("alpha"),
		Status:      models.SessionPending,
		CreatedAt:   time.Now().UTC(),
	}
	assert.ErrorIs(t, s.CreateSession(ctx, other), ErrConflict)

	// Unnamed sessions never collide.
	createSession(t, s, "ses_three", nil)
	createSession(t, s, "ses_four", nil)
}

func TestStatusAndResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "ses_life", nil)

	require.NoError(t, s.UpdateSessionStatus(ctx, "ses_life", models.SessionRunning))
	resumedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchResumed(ctx, "ses_life", resumedAt))

	session, err := s.GetSession(ctx, "ses_life")
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, session.Status)
	require.NotNil(t, session.LastResumedAt)
	assert.WithinDuration(t, resumedAt, *session.LastResumedAt, time.Second)

	assert.ErrorIs(t, s.UpdateSessionStatus(ctx, "ses_missing", models.SessionRunning), ErrNotFound)
}

func TestEventLogOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "ses_log", nil)

	base := time.Now().UTC()
	for i, text := range []string{"one", "two", "three"} {
		event := &models.Event{
			SessionID: "ses_log",
			Type:      models.EventMessage,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Role:      strPtr("assistant"),
			Content:   []interface{}{map[string]interface{}{"type": "text", "text": text}},
		}
		require.NoError(t, s.AppendEvent(ctx, event))
		assert.Greater(t, event.ID, int64(0), "append must assign the id")
	}

	events, err := s.GetEvents(ctx, "ses_log")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestLatestResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "ses_res", nil)

	_, err := s.GetLatestResult(ctx, "ses_res")
	assert.ErrorIs(t, err, ErrNotFound)

	first := &models.Event{
		SessionID:  "ses_res",
		Type:       models.EventResult,
		Timestamp:  time.Now().UTC(),
		ResultText: strPtr("draft"),
	}
	require.NoError(t, s.AppendEvent(ctx, first))

	second := &models.Event{
		SessionID:  "ses_res",
		Type:       models.EventResult,
		Timestamp:  time.Now().UTC(),
		ResultText: strPtr("final"),
		ResultData: map[string]interface{}{"answer": 42.0},
	}
	require.NoError(t, s.AppendEvent(ctx, second))

	latest, err := s.GetLatestResult(ctx, "ses_res")
	require.NoError(t, err)
	require.NotNil(t, latest.ResultText)
	assert.Equal(t, "final", *latest.ResultText)
	assert.Equal(t, map[string]interface{}{"answer": 42.0}, latest.ResultData)
}

func TestDeleteCascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "ses_gone", nil)

	stop := &models.Event{
		SessionID: "ses_gone",
		Type:      models.EventSessionStop,
		Timestamp: time.Now().UTC(),
		ExitCode:  intPtr(0),
		Reason:    strPtr("completed"),
	}
	require.NoError(t, s.AppendEvent(ctx, stop))

	require.NoError(t, s.DeleteSession(ctx, "ses_gone"))
	_, err := s.GetSession(ctx, "ses_gone")
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := s.GetEvents(ctx, "ses_gone")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "ses_parent", nil)

	for _, id := range []string{"ses_kid1", "ses_kid2"} {
		child := &models.Session{
			SessionID:       id,
			Status:          models.SessionPending,
			CreatedAt:       time.Now().UTC(),
			ParentSessionID: strPtr("ses_parent"),
		}
		require.NoError(t, s.CreateSession(ctx, child))
	}

	children, err := s.ListChildren(ctx, "ses_parent")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ses_kid1", "ses_kid2"}, children)
}
