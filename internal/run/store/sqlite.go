package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/db"
	"github.com/agentor/agentor/internal/run/models"
)

// SQLStore persists runs through the shared pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and ensures the schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize run schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	writer := s.pool.Writer()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			run_type TEXT NOT NULL,
			agent_name TEXT,
			parameters TEXT NOT NULL DEFAULT '{}',
			project_dir TEXT,
			parent_session_id TEXT,
			execution_mode TEXT NOT NULL DEFAULT 'async_poll',
			demands TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			runner_id TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			claimed_at TIMESTAMP,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			timeout_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_runner ON runs(runner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := writer.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type runRow struct {
	RunID           string         `db:"run_id"`
	SessionID       string         `db:"session_id"`
	RunType         string         `db:"run_type"`
	AgentName       sql.NullString `db:"agent_name"`
	Parameters      string         `db:"parameters"`
	ProjectDir      sql.NullString `db:"project_dir"`
	ParentSessionID sql.NullString `db:"parent_session_id"`
	ExecutionMode   string         `db:"execution_mode"`
	Demands         sql.NullString `db:"demands"`
	Status          string         `db:"status"`
	RunnerID        sql.NullString `db:"runner_id"`
	Error           sql.NullString `db:"error"`
	CreatedAt       time.Time      `db:"created_at"`
	ClaimedAt       sql.NullTime   `db:"claimed_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	TimeoutAt       sql.NullTime   `db:"timeout_at"`
}

func (r *runRow) toModel() (*models.Run, error) {
	run := &models.Run{
		RunID:         r.RunID,
		SessionID:     r.SessionID,
		Type:          models.RunType(r.RunType),
		ExecutionMode: models.ExecutionMode(r.ExecutionMode),
		Status:        models.RunStatus(r.Status),
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Parameters), &run.Parameters); err != nil {
		return nil, fmt.Errorf("run %s: bad parameters: %w", r.RunID, err)
	}
	if r.AgentName.Valid {
		run.AgentName = &r.AgentName.String
	}
	if r.ProjectDir.Valid {
		run.ProjectDir = &r.ProjectDir.String
	}
	if r.ParentSessionID.Valid {
		run.ParentSessionID = &r.ParentSessionID.String
	}
	if r.Demands.Valid && r.Demands.String != "" {
		var demands capability.Demands
		if err := json.Unmarshal([]byte(r.Demands.String), &demands); err != nil {
			return nil, fmt.Errorf("run %s: bad demands: %w", r.RunID, err)
		}
		run.Demands = &demands
	}
	if r.RunnerID.Valid {
		run.RunnerID = &r.RunnerID.String
	}
	if r.Error.Valid {
		run.Error = &r.Error.String
	}
	for _, col := range []struct {
		src  sql.NullTime
		dest **time.Time
	}{
		{r.ClaimedAt, &run.ClaimedAt},
		{r.StartedAt, &run.StartedAt},
		{r.CompletedAt, &run.CompletedAt},
		{r.TimeoutAt, &run.TimeoutAt},
	} {
		if col.src.Valid {
			t := col.src.Time.UTC()
			*col.dest = &t
		}
	}
	return run, nil
}

// Insert persists a new run row.
func (s *SQLStore) Insert(ctx context.Context, run *models.Run) error {
	params := run.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	var demands sql.NullString
	if run.Demands != nil {
		data, err := json.Marshal(run.Demands)
		if err != nil {
			return fmt.Errorf("failed to encode demands: %w", err)
		}
		demands = sql.NullString{String: string(data), Valid: true}
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO runs
		(run_id, session_id, run_type, agent_name, parameters, project_dir,
		 parent_session_id, execution_mode, demands, status, runner_id, error,
		 created_at, claimed_at, started_at, completed_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = writer.ExecContext(ctx, query,
		run.RunID, run.SessionID, string(run.Type), run.AgentName,
		string(paramsJSON), run.ProjectDir, run.ParentSessionID,
		string(run.ExecutionMode), demands, string(run.Status), run.RunnerID,
		run.Error, run.CreatedAt.UTC(), run.ClaimedAt, run.StartedAt,
		run.CompletedAt, run.TimeoutAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Get fetches one run by id.
func (s *SQLStore) Get(ctx context.Context, runID string) (*models.Run, error) {
	reader := s.pool.Reader()
	var row runRow
	err := reader.GetContext(ctx, &row,
		reader.Rebind(`SELECT * FROM runs WHERE run_id = ?`), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel()
}

// List returns runs oldest-first, optionally filtered.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*models.Run, error) {
	reader := s.pool.Reader()
	query := `SELECT * FROM runs`
	var args []interface{}

	switch {
	case filter.Status != "":
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	case !filter.IncludeCompleted:
		query += ` WHERE status NOT IN ('completed', 'failed', 'stopped')`
	}
	query += ` ORDER BY created_at ASC`

	var rows []runRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return rowsToModels(rows)
}

// ListNonTerminal returns every live run, oldest first.
func (s *SQLStore) ListNonTerminal(ctx context.Context) ([]*models.Run, error) {
	reader := s.pool.Reader()
	var rows []runRow
	err := reader.SelectContext(ctx, &rows,
		`SELECT * FROM runs WHERE status NOT IN ('completed', 'failed', 'stopped')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal runs: %w", err)
	}
	return rowsToModels(rows)
}

func rowsToModels(rows []runRow) ([]*models.Run, error) {
	runs := make([]*models.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateDemands sets demands and the matching timeout on a run.
func (s *SQLStore) UpdateDemands(ctx context.Context, runID string, demands *capability.Demands, timeoutAt time.Time) error {
	var demandsCol sql.NullString
	if demands != nil {
		data, err := json.Marshal(demands)
		if err != nil {
			return fmt.Errorf("failed to encode demands: %w", err)
		}
		demandsCol = sql.NullString{String: string(data), Valid: true}
	}

	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE runs SET demands = ?, timeout_at = ? WHERE run_id = ?`),
		demandsCol, timeoutAt.UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run demands: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// Claim atomically moves a pending run to claimed for one runner. The
// WHERE status='pending' guard makes concurrent claimers lose cleanly.
func (s *SQLStore) Claim(ctx context.Context, runID, runnerID string, at time.Time) (bool, error) {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE runs SET status = 'claimed', runner_id = ?, claimed_at = ?
			WHERE run_id = ? AND status = 'pending'`),
		runnerID, at.UTC(), runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FailIfPending fails a run only while it is still pending. A claimer
// that won in the meantime keeps the run.
func (s *SQLStore) FailIfPending(ctx context.Context, runID, errMsg string, at time.Time) (bool, error) {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE runs SET status = 'failed', error = ?, completed_at = ?
			WHERE run_id = ? AND status = 'pending'`),
		errMsg, at.UTC(), runID)
	if err != nil {
		return false, fmt.Errorf("failed to fail run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateStatus persists a transition, stamping the appropriate timestamp.
func (s *SQLStore) UpdateStatus(ctx context.Context, runID string, status models.RunStatus, errMsg *string, at time.Time) error {
	query := `UPDATE runs SET status = ?`
	args := []interface{}{string(status)}

	if errMsg != nil {
		query += `, error = ?`
		args = append(args, *errMsg)
	}
	switch {
	case status == models.RunRunning:
		query += `, started_at = ?`
		args = append(args, at.UTC())
	case status.IsTerminal():
		query += `, completed_at = ?`
		args = append(args, at.UTC())
	}
	query += ` WHERE run_id = ?`
	args = append(args, runID)

	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// ResetToPending reverts a stale claimed run for re-dispatch.
func (s *SQLStore) ResetToPending(ctx context.Context, runID string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE runs SET status = 'pending', runner_id = NULL, claimed_at = NULL
			WHERE run_id = ?`),
		runID)
	if err != nil {
		return fmt.Errorf("failed to reset run: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
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

var _ Store = (*SQLStore)(nil)
