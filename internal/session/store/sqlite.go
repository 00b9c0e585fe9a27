package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentor/agentor/internal/db"
	"github.com/agentor/agentor/internal/db/dialect"
	"github.com/agentor/agentor/internal/session/models"
)

// SQLStore persists sessions and events through the shared pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and ensures the schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	writer := s.pool.Writer()
	driver := writer.DriverName()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			session_name TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			last_resumed_at TIMESTAMP,
			project_dir TEXT,
			agent_name TEXT,
			parent_session_id TEXT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			tool_name TEXT,
			tool_input TEXT,
			tool_output TEXT,
			error TEXT,
			exit_code INTEGER,
			reason TEXT,
			role TEXT,
			content TEXT,
			result_text TEXT,
			result_data TEXT
		)`, dialect.AutoIncrementPK(driver)),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_name
			ON sessions(session_name) WHERE session_name IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := writer.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession inserts a session; same-id reinserts are no-ops.
func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	if existing, err := s.GetSession(ctx, session.SessionID); err == nil {
		*session = *existing
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO sessions
		(session_id, session_name, status, created_at, last_resumed_at,
		 project_dir, agent_name, parent_session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := writer.ExecContext(ctx, query,
		session.SessionID, session.SessionName, string(session.Status),
		session.CreatedAt, session.LastResumedAt, session.ProjectDir,
		session.AgentName, session.ParentSessionID)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

type sessionRow struct {
	SessionID       string         `db:"session_id"`
	SessionName     sql.NullString `db:"session_name"`
	Status          string         `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	LastResumedAt   sql.NullTime   `db:"last_resumed_at"`
	ProjectDir      sql.NullString `db:"project_dir"`
	AgentName       sql.NullString `db:"agent_name"`
	ParentSessionID sql.NullString `db:"parent_session_id"`
}

func (r *sessionRow) toModel() *models.Session {
	session := &models.Session{
		SessionID: r.SessionID,
		Status:    models.SessionStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.SessionName.Valid {
		session.SessionName = &r.SessionName.String
	}
	if r.LastResumedAt.Valid {
		t := r.LastResumedAt.Time.UTC()
		session.LastResumedAt = &t
	}
	if r.ProjectDir.Valid {
		session.ProjectDir = &r.ProjectDir.String
	}
	if r.AgentName.Valid {
		session.AgentName = &r.AgentName.String
	}
	if r.ParentSessionID.Valid {
		session.ParentSessionID = &r.ParentSessionID.String
	}
	return session
}

// GetSession fetches one session by id.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	reader := s.pool.Reader()
	var row sessionRow
	err := reader.GetContext(ctx, &row,
		reader.Rebind(`SELECT * FROM sessions WHERE session_id = ?`), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toModel(), nil
}

// ListSessions returns all sessions, newest first.
func (s *SQLStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	reader := s.pool.Reader()
	var rows []sessionRow
	err := reader.SelectContext(ctx, &rows,
		`SELECT * FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toModel())
	}
	return sessions, nil
}

// UpdateSessionStatus persists a status transition.
func (s *SQLStore) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET status = ? WHERE session_id = ?`),
		string(status), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// UpdateSessionMetadata patches name and project_dir; nil leaves a field as is.
func (s *SQLStore) UpdateSessionMetadata(ctx context.Context, sessionID string, name, projectDir *string) error {
	sets := make([]string, 0, 2)
	args := make([]interface{}, 0, 3)
	if name != nil {
		sets = append(sets, "session_name = ?")
		args = append(args, *name)
	}
	if projectDir != nil {
		sets = append(sets, "project_dir = ?")
		args = append(args, *projectDir)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, sessionID)

	writer := s.pool.Writer()
	query := writer.Rebind(
		fmt.Sprintf(`UPDATE sessions SET %s WHERE session_id = ?`, strings.Join(sets, ", ")))
	result, err := writer.ExecContext(ctx, query, args...)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// TouchResumed records a resume and flips the session back to running.
func (s *SQLStore) TouchResumed(ctx context.Context, sessionID string, at time.Time) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET last_resumed_at = ? WHERE session_id = ?`),
		at.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session resume: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// ListChildren returns direct child session ids.
func (s *SQLStore) ListChildren(ctx context.Context, parentSessionID string) ([]string, error) {
	reader := s.pool.Reader()
	var ids []string
	err := reader.SelectContext(ctx, &ids,
		reader.Rebind(`SELECT session_id FROM sessions WHERE parent_session_id = ? ORDER BY created_at`),
		parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child sessions: %w", err)
	}
	return ids, nil
}

// DeleteSession removes one session row; events cascade through the FK.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// AppendEvent inserts one event and assigns its monotonic id.
func (s *SQLStore) AppendEvent(ctx context.Context, event *models.Event) error {
	toolInput, err := marshalJSONColumn(event.ToolInput)
	if err != nil {
		return fmt.Errorf("failed to encode tool_input: %w", err)
	}
	toolOutput, err := marshalJSONColumn(event.ToolOutput)
	if err != nil {
		return fmt.Errorf("failed to encode tool_output: %w", err)
	}
	content, err := marshalJSONColumn(event.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	resultData, err := marshalJSONColumn(event.ResultData)
	if err != nil {
		return fmt.Errorf("failed to encode result_data: %w", err)
	}

	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(), `
		INSERT INTO events
		(session_id, event_type, timestamp, tool_name, tool_input, tool_output,
		 error, exit_code, reason, role, content, result_text, result_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, string(event.Type), event.Timestamp.UTC(),
		event.ToolName, toolInput, toolOutput, event.Error, event.ExitCode,
		event.Reason, event.Role, content, event.ResultText, resultData)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	event.ID = id
	return nil
}

type eventRow struct {
	ID         int64          `db:"id"`
	SessionID  string         `db:"session_id"`
	EventType  string         `db:"event_type"`
	Timestamp  time.Time      `db:"timestamp"`
	ToolName   sql.NullString `db:"tool_name"`
	ToolInput  sql.NullString `db:"tool_input"`
	ToolOutput sql.NullString `db:"tool_output"`
	Error      sql.NullString `db:"error"`
	ExitCode   sql.NullInt64  `db:"exit_code"`
	Reason     sql.NullString `db:"reason"`
	Role       sql.NullString `db:"role"`
	Content    sql.NullString `db:"content"`
	ResultText sql.NullString `db:"result_text"`
	ResultData sql.NullString `db:"result_data"`
}

func (r *eventRow) toModel() (*models.Event, error) {
	event := &models.Event{
		ID:        r.ID,
		SessionID: r.SessionID,
		Type:      models.EventType(r.EventType),
		Timestamp: r.Timestamp.UTC(),
	}
	if r.ToolName.Valid {
		event.ToolName = &r.ToolName.String
	}
	if r.Error.Valid {
		event.Error = &r.Error.String
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		event.ExitCode = &code
	}
	if r.Reason.Valid {
		event.Reason = &r.Reason.String
	}
	if r.Role.Valid {
		event.Role = &r.Role.String
	}
	if r.ResultText.Valid {
		event.ResultText = &r.ResultText.String
	}
	for _, col := range []struct {
		src  sql.NullString
		dest *interface{}
	}{
		{r.ToolInput, &event.ToolInput},
		{r.ToolOutput, &event.ToolOutput},
		{r.Content, &event.Content},
		{r.ResultData, &event.ResultData},
	} {
		if col.src.Valid && col.src.String != "" {
			var decoded interface{}
			if err := json.Unmarshal([]byte(col.src.String), &decoded); err != nil {
				return nil, fmt.Errorf("event %d: bad JSON column: %w", r.ID, err)
			}
			*col.dest = decoded
		}
	}
	return event, nil
}

// GetEvents returns the session's events oldest-first.
func (s *SQLStore) GetEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	reader := s.pool.Reader()
	var rows []eventRow
	err := reader.SelectContext(ctx, &rows,
		reader.Rebind(`SELECT * FROM events WHERE session_id = ? ORDER BY id ASC`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		event, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// GetLatestResult returns the most recent result event for a session.
func (s *SQLStore) GetLatestResult(ctx context.Context, sessionID string) (*models.Event, error) {
	reader := s.pool.Reader()
	var row eventRow
	err := reader.GetContext(ctx, &row,
		reader.Rebind(`SELECT * FROM events WHERE session_id = ? AND event_type = 'result'
			ORDER BY id DESC LIMIT 1`),
		sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest result: %w", err)
	}
	return row.toModel()
}

func marshalJSONColumn(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func requireRowAffected(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

var _ Store = (*SQLStore)(nil)
