package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/run/models"
	"github.com/agentor/agentor/internal/run/store"
)

// memStore is an in-memory store.Store used to exercise queue semantics
// without a database.
type memStore struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*models.Run)}
}

func (m *memStore) Insert(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run.Clone(), nil
}

func (m *memStore) List(_ context.Context, filter store.ListFilter) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Run, 0)
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Status == "" && !filter.IncludeCompleted && run.Status.IsTerminal() {
			continue
		}
		out = append(out, run.Clone())
	}
	return out, nil
}

func (m *memStore) ListNonTerminal(_ context.Context) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Run, 0)
	for _, run := range m.runs {
		if !run.Status.IsTerminal() {
			out = append(out, run.Clone())
		}
	}
	return out, nil
}

func (m *memStore) UpdateDemands(_ context.Context, runID string, demands *capability.Demands, timeoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Demands = demands
	t := timeoutAt
	run.TimeoutAt = &t
	return nil
}

func (m *memStore) Claim(_ context.Context, runID, runnerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != models.RunPending {
		return false, nil
	}
	run.Status = models.RunClaimed
	run.RunnerID = &runnerID
	t := at
	run.ClaimedAt = &t
	return true, nil
}

func (m *memStore) UpdateStatus(_ context.Context, runID string, status models.RunStatus, errMsg *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	if errMsg != nil {
		run.Error = errMsg
	}
	t := at
	if status == models.RunRunning {
		run.StartedAt = &t
	} else if status.IsTerminal() {
		run.CompletedAt = &t
	}
	return nil
}

func (m *memStore) FailIfPending(_ context.Context, runID, errMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != models.RunPending {
		return false, nil
	}
	run.Status = models.RunFailed
	msg := errMsg
	run.Error = &msg
	t := at
	run.CompletedAt = &t
	return true, nil
}

func (m *memStore) ResetToPending(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = models.RunPending
	run.RunnerID = nil
	run.ClaimedAt = nil
	return nil
}

func newTestQueue(t *testing.T, st store.Store) *Queue {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(st, nil, Config{
		NoMatchTimeout: 300 * time.Second,
		SweepInterval:  time.Second,
		RecoveryMode:   "stale",
		StaleThreshold: 300 * time.Second,
	}, log)
}

func addRun(t *testing.T, q *Queue, sessionID string, demands *capability.Demands) *models.Run {
	t.Helper()
	run := &models.Run{
		SessionID:  sessionID,
		Type:       models.TypeStartSession,
		Parameters: map[string]interface{}{"prompt": "hello"},
		Demands:    demands,
	}
	require.NoError(t, q.Add(context.Background(), run))
	return run
}

func TestClaimFIFO(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()

	first := addRun(t, q, "ses_a", nil)
	time.Sleep(2 * time.Millisecond)
	second := addRun(t, q, "ses_b", nil)

	got, err := q.Claim(ctx, "lnch_runner1", capability.Capabilities{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.RunID, got.RunID)
	assert.Equal(t, models.RunClaimed, got.Status)

	got, err = q.Claim(ctx, "lnch_runner1", capability.Capabilities{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.RunID, got.RunID)

	got, err = q.Claim(ctx, "lnch_runner1", capability.Capabilities{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimCapabilityMatching(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()

	run := addRun(t, q, "ses_gpu", &capability.Demands{Tags: []string{"gpu"}})

	got, err := q.Claim(ctx, "lnch_plain", capability.Capabilities{Tags: []string{"linux"}})
	require.NoError(t, err)
	assert.Nil(t, got, "runner without the demanded tag must not match")

	got, err = q.Claim(ctx, "lnch_gpu", capability.Capabilities{Tags: []string{"linux", "gpu"}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.RunID, got.RunID)
}

func TestClaimSingleWinner(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()
	addRun(t, q, "ses_race", nil)

	const claimers = 16
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			run, err := q.Claim(ctx, "lnch_racer", capability.Capabilities{})
			if err == nil && run != nil {
				winners <- run.RunID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimer may win a run")
}

func TestStatusTransitions(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()

	run := addRun(t, q, "ses_life", nil)
	_, err := q.Claim(ctx, "lnch_r", capability.Capabilities{})
	require.NoError(t, err)

	updated, err := q.UpdateStatus(ctx, run.RunID, models.RunRunning, nil)
	require.NoError(t, err)
	assert.NotNil(t, updated.StartedAt)

	updated, err = q.UpdateStatus(ctx, run.RunID, models.RunCompleted, nil)
	require.NoError(t, err)
	assert.NotNil(t, updated.CompletedAt)

	// Terminal runs refuse further transitions.
	_, err = q.UpdateStatus(ctx, run.RunID, models.RunRunning, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Terminal runs leave the cache but stay readable.
	assert.Nil(t, q.GetActiveBySession("ses_life"))
	fetched, err := q.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, fetched.Status)
}

func TestInvalidTransitionRejected(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()

	run := addRun(t, q, "ses_skip", nil)
	// pending -> running skips claimed.
	_, err := q.UpdateStatus(ctx, run.RunID, models.RunRunning, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailTimedOut(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()

	var hooked []*models.Run
	q.SetTerminalHook(func(_ context.Context, run *models.Run) {
		hooked = append(hooked, run)
	})

	run := addRun(t, q, "ses_wait", &capability.Demands{Tags: []string{"never"}})
	require.NoError(t, q.SetDemands(ctx, run.RunID, run.Demands, 10*time.Millisecond))

	failed := q.FailTimedOut(ctx, time.Now().UTC().Add(time.Second))
	require.Len(t, failed, 1)
	assert.Equal(t, models.RunFailed, failed[0].Status)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, "No matching runner available within timeout", *failed[0].Error)
	require.Len(t, hooked, 1)
	assert.Equal(t, run.RunID, hooked[0].RunID)

	// Already failed, the next sweep finds nothing.
	assert.Empty(t, q.FailTimedOut(ctx, time.Now().UTC().Add(time.Minute)))
}

func TestFailTimedOutSkipsClaimed(t *testing.T) {
	q := newTestQueue(t, newMemStore())
	ctx := context.Background()

	run := addRun(t, q, "ses_claimed", nil)
	require.NoError(t, q.SetDemands(ctx, run.RunID, nil, 10*time.Millisecond))

	_, err := q.Claim(ctx, "lnch_fast", capability.Capabilities{})
	require.NoError(t, err)

	assert.Empty(t, q.FailTimedOut(ctx, time.Now().UTC().Add(time.Minute)))
}

func TestFailTimedOutLosesClaimRace(t *testing.T) {
	st := newMemStore()
	q := newTestQueue(t, st)
	ctx := context.Background()

	var hooked []*models.Run
	q.SetTerminalHook(func(_ context.Context, run *models.Run) {
		hooked = append(hooked, run)
	})

	run := addRun(t, q, "ses_race", nil)
	require.NoError(t, q.SetDemands(ctx, run.RunID, nil, 10*time.Millisecond))

	// A runner claims at the store after the sweeper has already seen the
	// run as expired pending in the cache.
	won, err := st.Claim(ctx, run.RunID, "lnch_racer", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)

	assert.Empty(t, q.FailTimedOut(ctx, time.Now().UTC().Add(time.Minute)))
	assert.Empty(t, hooked)

	stored, err := st.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunClaimed, stored.Status)
	assert.Nil(t, stored.Error)

	// The lost race refreshed the cache to the claimed state.
	cached, err := q.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunClaimed, cached.Status)
}

func TestRecoverStopping(t *testing.T) {
	st := newMemStore()
	now := time.Now().UTC()
	claimedAt := now.Add(-time.Minute)
	runner := "lnch_gone"
	st.runs["run_stopping"] = &models.Run{
		RunID:     "run_stopping",
		SessionID: "ses_s",
		Status:    models.RunStopping,
		RunnerID:  &runner,
		CreatedAt: now.Add(-2 * time.Minute),
		ClaimedAt: &claimedAt,
	}

	q := newTestQueue(t, st)
	require.NoError(t, q.Recover(context.Background()))

	run, err := st.Get(context.Background(), "run_stopping")
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, run.Status)
}

func TestRecoverStaleRunningFails(t *testing.T) {
	st := newMemStore()
	now := time.Now().UTC()
	started := now.Add(-time.Hour)
	st.runs["run_old"] = &models.Run{
		RunID:     "run_old",
		SessionID: "ses_old",
		Status:    models.RunRunning,
		CreatedAt: now.Add(-2 * time.Hour),
		StartedAt: &started,
	}
	fresh := now.Add(-time.Second)
	st.runs["run_fresh"] = &models.Run{
		RunID:     "run_fresh",
		SessionID: "ses_fresh",
		Status:    models.RunRunning,
		CreatedAt: now.Add(-time.Minute),
		StartedAt: &fresh,
	}

	q := newTestQueue(t, st)
	require.NoError(t, q.Recover(context.Background()))

	old, err := st.Get(context.Background(), "run_old")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, old.Status)
	require.NotNil(t, old.Error)
	assert.Equal(t, "Coordinator restarted during execution", *old.Error)

	// Fresh running runs survive in stale mode.
	kept, err := st.Get(context.Background(), "run_fresh")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, kept.Status)
	assert.NotNil(t, q.GetActiveBySession("ses_fresh"))
}

func TestRecoverStaleClaimedRevertsToPending(t *testing.T) {
	st := newMemStore()
	now := time.Now().UTC()
	claimed := now.Add(-time.Hour)
	runner := "lnch_gone"
	st.runs["run_c"] = &models.Run{
		RunID:     "run_c",
		SessionID: "ses_c",
		Status:    models.RunClaimed,
		RunnerID:  &runner,
		CreatedAt: now.Add(-2 * time.Hour),
		ClaimedAt: &claimed,
	}

	q := newTestQueue(t, st)
	require.NoError(t, q.Recover(context.Background()))

	run, err := st.Get(context.Background(), "run_c")
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Nil(t, run.RunnerID)

	// The reverted run is claimable again.
	got, err := q.Claim(context.Background(), "lnch_new", capability.Capabilities{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_c", got.RunID)
}
