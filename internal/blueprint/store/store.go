// Package store persists agent blueprints.
package store

import (
	"context"
	"errors"

	"github.com/agentor/agentor/internal/blueprint/models"
)

var (
	// ErrNotFound is returned when no blueprint exists with the given name.
	ErrNotFound = errors.New("blueprint not found")
	// ErrConflict is returned on duplicate blueprint names.
	ErrConflict = errors.New("blueprint already exists")
)

// Store is the persistence interface for agent blueprints.
type Store interface {
	Create(ctx context.Context, bp *models.Blueprint) error
	Get(ctx context.Context, name string) (*models.Blueprint, error)
	List(ctx context.Context) ([]*models.Blueprint, error)
	Update(ctx context.Context, bp *models.Blueprint) error
	SetStatus(ctx context.Context, name string, status models.BlueprintStatus) error
	Delete(ctx context.Context, name string) error
}
