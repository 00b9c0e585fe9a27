package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentor/agentor/internal/blueprint/models"
	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/db"
)

// SQLStore persists blueprints in SQLite or PostgreSQL through the shared pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and ensures the schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize blueprint schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_blueprints (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT 'autonomous',
		system_prompt TEXT NOT NULL DEFAULT '',
		mcp_servers TEXT NOT NULL DEFAULT '[]',
		skills TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		demands TEXT,
		parameters_schema TEXT,
		output_schema TEXT,
		command TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type blueprintRow struct {
	Name             string         `db:"name"`
	Description      string         `db:"description"`
	AgentType        string         `db:"agent_type"`
	SystemPrompt     string         `db:"system_prompt"`
	MCPServers       string         `db:"mcp_servers"`
	Skills           string         `db:"skills"`
	Status           string         `db:"status"`
	Demands          sql.NullString `db:"demands"`
	ParametersSchema sql.NullString `db:"parameters_schema"`
	OutputSchema     sql.NullString `db:"output_schema"`
	Command          string         `db:"command"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *blueprintRow) toModel() (*models.Blueprint, error) {
	bp := &models.Blueprint{
		Name:         r.Name,
		Description:  r.Description,
		Type:         models.BlueprintType(r.AgentType),
		SystemPrompt: r.SystemPrompt,
		Status:       models.BlueprintStatus(r.Status),
		Command:      r.Command,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.MCPServers), &bp.MCPServers); err != nil {
		return nil, fmt.Errorf("blueprint %s: bad mcp_servers: %w", r.Name, err)
	}
	if err := json.Unmarshal([]byte(r.Skills), &bp.Skills); err != nil {
		return nil, fmt.Errorf("blueprint %s: bad skills: %w", r.Name, err)
	}
	if r.Demands.Valid && r.Demands.String != "" {
		var demands capability.Demands
		if err := json.Unmarshal([]byte(r.Demands.String), &demands); err != nil {
			return nil, fmt.Errorf("blueprint %s: bad demands: %w", r.Name, err)
		}
		bp.Demands = &demands
	}
	if r.ParametersSchema.Valid && r.ParametersSchema.String != "" {
		if err := json.Unmarshal([]byte(r.ParametersSchema.String), &bp.ParametersSchema); err != nil {
			return nil, fmt.Errorf("blueprint %s: bad parameters_schema: %w", r.Name, err)
		}
	}
	if r.OutputSchema.Valid && r.OutputSchema.String != "" {
		if err := json.Unmarshal([]byte(r.OutputSchema.String), &bp.OutputSchema); err != nil {
			return nil, fmt.Errorf("blueprint %s: bad output_schema: %w", r.Name, err)
		}
	}
	return bp, nil
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

func marshalStringList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *SQLStore) rowArgs(bp *models.Blueprint) ([]interface{}, error) {
	mcpServers, err := marshalStringList(bp.MCPServers)
	if err != nil {
		return nil, err
	}
	skills, err := marshalStringList(bp.Skills)
	if err != nil {
		return nil, err
	}
	var demands sql.NullString
	if bp.Demands != nil {
		demands, err = marshalJSONColumn(bp.Demands)
		if err != nil {
			return nil, err
		}
	}
	paramsSchema, err := marshalJSONColumn(bp.ParametersSchema)
	if err != nil {
		return nil, err
	}
	outputSchema, err := marshalJSONColumn(bp.OutputSchema)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		bp.Name, bp.Description, string(bp.Type), bp.SystemPrompt,
		mcpServers, skills, string(bp.Status), demands,
		paramsSchema, outputSchema, bp.Command,
	}, nil
}

// Create inserts a new blueprint. Returns ErrConflict on duplicate names.
func (s *SQLStore) Create(ctx context.Context, bp *models.Blueprint) error {
	now := time.Now().UTC()
	bp.CreatedAt = now
	bp.UpdatedAt = now

	args, err := s.rowArgs(bp)
	if err != nil {
		return fmt.Errorf("failed to encode blueprint: %w", err)
	}
	args = append(args, now, now)

	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO agent_blueprints
		(name, description, agent_type, system_prompt, mcp_servers, skills,
		 status, demands, parameters_schema, output_schema, command, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := writer.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert blueprint: %w", err)
	}
	return nil
}

// Get fetches one blueprint by name.
func (s *SQLStore) Get(ctx context.Context, name string) (*models.Blueprint, error) {
	reader := s.pool.Reader()
	var row blueprintRow
	err := reader.GetContext(ctx, &row,
		reader.Rebind(`SELECT * FROM agent_blueprints WHERE name = ?`), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}
	return row.toModel()
}

// List returns all blueprints ordered by name.
func (s *SQLStore) List(ctx context.Context) ([]*models.Blueprint, error) {
	reader := s.pool.Reader()
	var rows []blueprintRow
	err := reader.SelectContext(ctx, &rows,
		`SELECT * FROM agent_blueprints ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}

	blueprints := make([]*models.Blueprint, 0, len(rows))
	for i := range rows {
		bp, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		blueprints = append(blueprints, bp)
	}
	return blueprints, nil
}

// Update replaces the mutable fields of an existing blueprint.
func (s *SQLStore) Update(ctx context.Context, bp *models.Blueprint) error {
	bp.UpdatedAt = time.Now().UTC()

	args, err := s.rowArgs(bp)
	if err != nil {
		return fmt.Errorf("failed to encode blueprint: %w", err)
	}
	// rowArgs starts with the name; the UPDATE needs it last for the WHERE.
	name := args[0]
	args = append(args[1:], bp.UpdatedAt, name)

	writer := s.pool.Writer()
	query := writer.Rebind(`
		UPDATE agent_blueprints SET
			description = ?, agent_type = ?, system_prompt = ?, mcp_servers = ?,
			skills = ?, status = ?, demands = ?, parameters_schema = ?,
			output_schema = ?, command = ?, updated_at = ?
		WHERE name = ?`)
	result, err := writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update blueprint: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// SetStatus flips a blueprint between active and inactive.
func (s *SQLStore) SetStatus(ctx context.Context, name string, status models.BlueprintStatus) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE agent_blueprints SET status = ?, updated_at = ? WHERE name = ?`),
		string(status), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to set blueprint status: %w", err)
	}
	return requireRowAffected(result, ErrNotFound)
}

// Delete removes a blueprint by name.
func (s *SQLStore) Delete(ctx context.Context, name string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM agent_blueprints WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to delete blueprint: %w", err)
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

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

var _ Store = (*SQLStore)(nil)
