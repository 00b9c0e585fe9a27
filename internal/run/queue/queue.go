// Package queue implements the run queue and dispatch engine: a
// write-through-cached work queue with capability matching, atomic claim
// semantics, pending-run timeouts, and startup recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
	busevents "github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/run/models"
	"github.com/agentor/agentor/internal/run/store"
)

// ErrNoMatchingRunner is recorded on runs that timed out waiting for a
// capable runner.
const noMatchError = "No matching runner available within timeout"

// restartError is recorded on running runs abandoned by a restart.
const restartError = "Coordinator restarted during execution"

var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("queue sweeper is already running")
	// ErrNotRunning is returned when Stop is called before Start.
	ErrNotRunning = errors.New("queue sweeper is not running")
	// ErrInvalidTransition is returned for status updates the run state
	// machine forbids.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// Waker is signalled whenever new work may have become claimable.
type Waker interface {
	Wake()
}

// TerminalHook observes runs the queue itself drives to a terminal state
// (timeouts, recovery). The coordinator uses it to settle sessions and
// fire callbacks.
type TerminalHook func(ctx context.Context, run *models.Run)

// Config holds queue behaviour.
type Config struct {
	NoMatchTimeout time.Duration // pending-run timeout
	SweepInterval  time.Duration // timeout sweeper period
	RecoveryMode   string        // none | stale | all
	StaleThreshold time.Duration // recovery stale threshold
}

// Queue owns the run lifecycle. The active map caches every non-terminal
// run; persistence is written first, the cache second, broadcasts last.
type Queue struct {
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger
	config Config

	mu     sync.Mutex
	active map[string]*models.Run

	waker        Waker
	terminalHook TerminalHook

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue. Recover must be called before serving traffic.
func New(st store.Store, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Queue {
	return &Queue{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "run_queue")),
		config: cfg,
		active: make(map[string]*models.Run),
	}
}

// SetWaker wires the runner registry's wakeup signal.
func (q *Queue) SetWaker(w Waker) {
	q.waker = w
}

// SetTerminalHook wires the coordinator's terminal-run observer.
func (q *Queue) SetTerminalHook(hook TerminalHook) {
	q.terminalHook = hook
}

func (q *Queue) wake() {
	if q.waker != nil {
		q.waker.Wake()
	}
}

// Add persists a new pending run and makes it claimable.
func (q *Queue) Add(ctx context.Context, run *models.Run) error {
	if run.RunID == "" {
		run.RunID = models.NewRunID()
	}
	run.Status = models.RunPending
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.ExecutionMode == "" {
		run.ExecutionMode = models.ModeAsyncPoll
	}

	q.mu.Lock()
	if err := q.store.Insert(ctx, run); err != nil {
		q.mu.Unlock()
		return err
	}
	q.active[run.RunID] = run.Clone()
	q.mu.Unlock()

	q.publish(ctx, busevents.SubjectRunCreated, map[string]interface{}{
		"run_id":     run.RunID,
		"session_id": run.SessionID,
	})
	q.logger.Info("run queued",
		zap.String("run_id", run.RunID),
		zap.String("session_id", run.SessionID),
		zap.String("type", string(run.Type)))
	q.wake()
	return nil
}

// SetDemands attaches the blueprint-derived demands and arms the
// no-match timeout. Called right after Add once the blueprint resolved.
func (q *Queue) SetDemands(ctx context.Context, runID string, demands *capability.Demands, timeout time.Duration) error {
	timeoutAt := time.Now().UTC().Add(timeout)

	q.mu.Lock()
	if err := q.store.UpdateDemands(ctx, runID, demands, timeoutAt); err != nil {
		q.mu.Unlock()
		return err
	}
	if cached, ok := q.active[runID]; ok {
		cached.Demands = demands
		cached.TimeoutAt = &timeoutAt
	}
	q.mu.Unlock()

	q.wake()
	return nil
}

// Claim hands the oldest matching pending run to the runner. The
// conditional update in the store arbitrates concurrent claimers; a lost
// race just drops the stale cache entry and moves on.
func (q *Queue) Claim(ctx context.Context, runnerID string, caps capability.Capabilities) (*models.Run, error) {
	q.mu.Lock()
	pending := make([]*models.Run, 0)
	for _, run := range q.active {
		if run.Status == models.RunPending {
			pending = append(pending, run)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	q.mu.Unlock()

	now := time.Now().UTC()
	for _, candidate := range pending {
		if !capability.Satisfies(caps, candidate.Demands) {
			continue
		}

		claimed, err := q.store.Claim(ctx, candidate.RunID, runnerID, now)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost to another claimer (or the sweeper); refresh the cache.
			q.evictIfStale(ctx, candidate.RunID)
			continue
		}

		q.mu.Lock()
		run, ok := q.active[candidate.RunID]
		if !ok {
			run = candidate
			q.active[run.RunID] = run
		}
		run.Status = models.RunClaimed
		run.RunnerID = &runnerID
		claimedAt := now
		run.ClaimedAt = &claimedAt
		snapshot := run.Clone()
		q.mu.Unlock()

		q.publish(ctx, busevents.SubjectRunClaimed, map[string]interface{}{
			"run_id":    snapshot.RunID,
			"runner_id": runnerID,
		})
		q.logger.Info("run claimed",
			zap.String("run_id", snapshot.RunID),
			zap.String("runner_id", runnerID))
		return snapshot, nil
	}
	return nil, nil
}

// evictIfStale reconciles a cache entry that lost a claim race.
func (q *Queue) evictIfStale(ctx context.Context, runID string) {
	stored, err := q.store.Get(ctx, runID)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		delete(q.active, runID)
		return
	}
	if stored.Status.IsTerminal() {
		delete(q.active, runID)
		return
	}
	q.active[runID] = stored
}

// UpdateStatus persists a runner-reported transition and keeps the cache
// and bus in step. Terminal runs are evicted from the cache.
func (q *Queue) UpdateStatus(ctx context.Context, runID string, status models.RunStatus, errMsg *string) (*models.Run, error) {
	q.mu.Lock()
	current, ok := q.active[runID]
	if !ok {
		q.mu.Unlock()
		stored, err := q.store.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !stored.Status.CanTransitionTo(status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stored.Status, status)
		}
		q.mu.Lock()
		current = stored
		q.active[runID] = current
	}
	if !current.Status.CanTransitionTo(status) {
		from := current.Status
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	if err := q.store.UpdateStatus(ctx, runID, status, errMsg, now); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	current.Status = status
	if errMsg != nil {
		current.Error = errMsg
	}
	if status == models.RunRunning {
		current.StartedAt = &now
	} else if status.IsTerminal() {
		current.CompletedAt = &now
		delete(q.active, runID)
	}
	snapshot := current.Clone()
	q.mu.Unlock()

	q.publish(ctx, busevents.SubjectRunStatusChanged, map[string]interface{}{
		"run_id":     runID,
		"session_id": snapshot.SessionID,
		"status":     string(status),
	})
	q.logger.Info("run status changed",
		zap.String("run_id", runID),
		zap.String("status", string(status)))
	return snapshot, nil
}

// FailTimedOut fails every pending run whose timeout_at passed. The
// store write carries the same status='pending' guard as Claim, so a
// runner that claimed the run between snapshot and write keeps it.
func (q *Queue) FailTimedOut(ctx context.Context, now time.Time) []*models.Run {
	q.mu.Lock()
	expired := make([]*models.Run, 0)
	for _, run := range q.active {
		if run.Status == models.RunPending && run.TimeoutAt != nil && run.TimeoutAt.Before(now) {
			expired = append(expired, run)
		}
	}
	q.mu.Unlock()

	failed := make([]*models.Run, 0, len(expired))
	errMsg := noMatchError
	for _, run := range expired {
		won, err := q.store.FailIfPending(ctx, run.RunID, errMsg, now)
		if err != nil {
			q.logger.Error("failed to time out run",
				zap.String("run_id", run.RunID),
				zap.Error(err))
			continue
		}
		if !won {
			// Lost to a claimer; refresh the stale cache entry.
			q.evictIfStale(ctx, run.RunID)
			continue
		}

		q.mu.Lock()
		snapshot := run
		if cached, ok := q.active[run.RunID]; ok {
			snapshot = cached
		}
		snapshot.Status = models.RunFailed
		snapshot.Error = &errMsg
		completedAt := now
		snapshot.CompletedAt = &completedAt
		snapshot = snapshot.Clone()
		delete(q.active, run.RunID)
		q.mu.Unlock()

		q.publish(ctx, busevents.SubjectRunStatusChanged, map[string]interface{}{
			"run_id":     snapshot.RunID,
			"session_id": snapshot.SessionID,
			"status":     string(models.RunFailed),
		})
		q.logger.Info("run timed out waiting for a runner",
			zap.String("run_id", snapshot.RunID))
		failed = append(failed, snapshot)
		if q.terminalHook != nil {
			q.terminalHook(ctx, snapshot)
		}
	}
	return failed
}

// Get returns the cached run, falling back to persistence for terminal runs.
func (q *Queue) Get(ctx context.Context, runID string) (*models.Run, error) {
	q.mu.Lock()
	if run, ok := q.active[runID]; ok {
		snapshot := run.Clone()
		q.mu.Unlock()
		return snapshot, nil
	}
	q.mu.Unlock()
	return q.store.Get(ctx, runID)
}

// GetActiveBySession returns the session's live run, if any.
func (q *Queue) GetActiveBySession(sessionID string) *models.Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, run := range q.active {
		if run.SessionID == sessionID {
			return run.Clone()
		}
	}
	return nil
}

// List queries persistence with the given filter.
func (q *Queue) List(ctx context.Context, filter store.ListFilter) ([]*models.Run, error) {
	return q.store.List(ctx, filter)
}

// Recover reloads non-terminal runs after a restart and applies the
// recovery policy before the queue starts serving claims.
func (q *Queue) Recover(ctx context.Context) error {
	runs, err := q.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to load runs for recovery: %w", err)
	}

	now := time.Now().UTC()
	for _, run := range runs {
		switch run.Status {
		case models.RunStopping:
			// A stop was in flight; the runner is gone either way.
			q.recoverToTerminal(ctx, run, models.RunStopped, nil)

		case models.RunClaimed:
			if q.shouldRecover(run.ClaimedAt, now) {
				if err := q.store.ResetToPending(ctx, run.RunID); err != nil {
					q.logger.Error("failed to revert claimed run",
						zap.String("run_id", run.RunID), zap.Error(err))
					continue
				}
				run.Status = models.RunPending
				run.RunnerID = nil
				run.ClaimedAt = nil
				q.logger.Info("reverted stale claimed run to pending",
					zap.String("run_id", run.RunID))
			}
			q.cache(run)

		case models.RunRunning:
			if q.shouldRecover(run.StartedAt, now) {
				errMsg := restartError
				q.recoverToTerminal(ctx, run, models.RunFailed, &errMsg)
				continue
			}
			q.cache(run)

		default:
			q.cache(run)
		}
	}

	q.logger.Info("run queue recovered",
		zap.Int("active", len(q.active)),
		zap.String("mode", q.config.RecoveryMode))
	return nil
}

// shouldRecover applies the recovery mode to one timestamp.
func (q *Queue) shouldRecover(since *time.Time, now time.Time) bool {
	switch q.config.RecoveryMode {
	case "none":
		return false
	case "all":
		return true
	default: // stale
		if since == nil {
			return true
		}
		return now.Sub(*since) > q.config.StaleThreshold
	}
}

func (q *Queue) recoverToTerminal(ctx context.Context, run *models.Run, status models.RunStatus, errMsg *string) {
	if err := q.store.UpdateStatus(ctx, run.RunID, status, errMsg, time.Now().UTC()); err != nil {
		q.logger.Error("failed to settle run during recovery",
			zap.String("run_id", run.RunID), zap.Error(err))
		return
	}
	run.Status = status
	if errMsg != nil {
		run.Error = errMsg
	}
	q.logger.Info("settled run during recovery",
		zap.String("run_id", run.RunID),
		zap.String("status", string(status)))
	if q.terminalHook != nil {
		q.terminalHook(ctx, run.Clone())
	}
}

func (q *Queue) cache(run *models.Run) {
	q.mu.Lock()
	q.active[run.RunID] = run
	q.mu.Unlock()
}

// Start launches the timeout sweeper.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	if q.running {
		q.runMu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.runMu.Unlock()

	q.wg.Add(1)
	go q.sweepLoop(ctx)

	q.logger.Info("queue sweeper started",
		zap.Duration("interval", q.config.SweepInterval),
		zap.Duration("no_match_timeout", q.config.NoMatchTimeout))
	return nil
}

// Stop halts the timeout sweeper.
func (q *Queue) Stop() error {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return ErrNotRunning
	}
	q.running = false
	close(q.stopCh)
	q.runMu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue sweeper stopped")
	return nil
}

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			q.FailTimedOut(ctx, now.UTC())
		}
	}
}

func (q *Queue) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if q.bus == nil {
		return
	}
	if err := busevents.Publish(ctx, q.bus, subject, "run_queue", data); err != nil {
		q.logger.Warn("failed to publish bus event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
