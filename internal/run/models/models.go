// Package models defines runs, the durable scheduling entity.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentor/agentor/internal/capability"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the run has finished for good.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Transitions are monotonic: terminal states accept nothing.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunClaimed || next == RunFailed || next == RunStopped
	case RunClaimed:
		return next == RunRunning || next == RunStopping || next == RunFailed || next == RunStopped
	case RunRunning:
		return next == RunCompleted || next == RunFailed || next == RunStopped || next == RunStopping
	case RunStopping:
		return next == RunStopped || next == RunFailed
	default:
		return false
	}
}

// RunType distinguishes session starts from resumes.
type RunType string

const (
	TypeStartSession  RunType = "start_session"
	TypeResumeSession RunType = "resume_session"
)

// ExecutionMode describes how the submitter consumes the outcome.
type ExecutionMode string

const (
	ModeSync          ExecutionMode = "sync"
	ModeAsyncPoll     ExecutionMode = "async_poll"
	ModeAsyncCallback ExecutionMode = "async_callback"
)

// Run is one scheduled execution attempt for a session.
type Run struct {
	RunID           string                 `json:"run_id"`
	SessionID       string                 `json:"session_id"`
	Type            RunType                `json:"type"`
	AgentName       *string                `json:"agent_name,omitempty"`
	Parameters      map[string]interface{} `json:"parameters"`
	ProjectDir      *string                `json:"project_dir,omitempty"`
	ParentSessionID *string                `json:"parent_session_id,omitempty"`
	ExecutionMode   ExecutionMode          `json:"execution_mode"`
	Demands         *capability.Demands    `json:"demands,omitempty"`
	Status          RunStatus              `json:"status"`
	RunnerID        *string                `json:"runner_id,omitempty"`
	Error           *string                `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	ClaimedAt       *time.Time             `json:"claimed_at,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	TimeoutAt       *time.Time             `json:"timeout_at,omitempty"`
}

// Clone returns a shallow copy safe to hand outside the queue lock.
func (r *Run) Clone() *Run {
	copied := *r
	return &copied
}

// NewRunID allocates a prefixed run identifier.
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}

// RunCreate carries the caller-supplied fields for a new run.
type RunCreate struct {
	RunID           string                 `json:"run_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	Type            RunType                `json:"type"`
	AgentName       *string                `json:"agent_name,omitempty"`
	Parameters      map[string]interface{} `json:"parameters"`
	ProjectDir      *string                `json:"project_dir,omitempty"`
	ParentSessionID *string                `json:"parent_session_id,omitempty"`
	ExecutionMode   ExecutionMode          `json:"execution_mode,omitempty"`
	SessionName     *string                `json:"session_name,omitempty"`
}
