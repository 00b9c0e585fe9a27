// Package store persists runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/run/models"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// ListFilter narrows List results.
type ListFilter struct {
	IncludeCompleted bool
	Status           models.RunStatus
}

// Store is the persistence interface for runs.
type Store interface {
	Insert(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, runID string) (*models.Run, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Run, error)
	// ListNonTerminal returns every run that has not reached a terminal
	// state, oldest first. Used by startup recovery.
	ListNonTerminal(ctx context.Context) ([]*models.Run, error)
	// UpdateDemands sets demands and timeout_at on a pending run.
	UpdateDemands(ctx context.Context, runID string, demands *capability.Demands, timeoutAt time.Time) error
	// Claim performs the conditional update that enforces single-claimer
	// semantics. It reports whether this caller won the run.
	Claim(ctx context.Context, runID, runnerID string, at time.Time) (bool, error)
	// UpdateStatus persists a transition with its timestamp. started_at is
	// stamped for running, completed_at for terminal states.
	UpdateStatus(ctx context.Context, runID string, status models.RunStatus, errMsg *string, at time.Time) error
	// FailIfPending marks a run failed only while it is still pending,
	// mirroring Claim's conditional update so the timeout sweeper cannot
	// race a claimer. It reports whether the run was failed.
	FailIfPending(ctx context.Context, runID, errMsg string, at time.Time) (bool, error)
	// ResetToPending reverts a stale claimed run, clearing runner_id and
	// claimed_at. Used by startup recovery.
	ResetToPending(ctx context.Context, runID string) error
}
