// Package db provides the relational storage layer: SQLite with a
// writer/reader split pool, or PostgreSQL via pgx.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/db/dialect"
)

// Open builds a Pool from the database configuration. A configured host
// selects PostgreSQL; otherwise SQLite at database.path is used.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.UsePostgres() {
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		pg := sqlx.NewDb(raw, dialect.PGX)
		return NewPool(pg, pg), nil
	}

	writerRaw, err := OpenSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	readerRaw, err := OpenSQLiteReader(cfg.Path)
	if err != nil {
		_ = writerRaw.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	writer := sqlx.NewDb(writerRaw, dialect.SQLite3)
	reader := sqlx.NewDb(readerRaw, dialect.SQLite3)
	return NewPool(writer, reader), nil
}
