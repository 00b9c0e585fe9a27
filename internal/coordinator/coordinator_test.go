package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bpmodels "github.com/agentor/agentor/internal/blueprint/models"
	bpservice "github.com/agentor/agentor/internal/blueprint/service"
	bpstore "github.com/agentor/agentor/internal/blueprint/store"
	"github.com/agentor/agentor/internal/callback"
	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/db"
	runmodels "github.com/agentor/agentor/internal/run/models"
	"github.com/agentor/agentor/internal/run/queue"
	runstore "github.com/agentor/agentor/internal/run/store"
	"github.com/agentor/agentor/internal/runner/registry"
	sessmodels "github.com/agentor/agentor/internal/session/models"
	sessservice "github.com/agentor/agentor/internal/session/service"
	sessstore "github.com/agentor/agentor/internal/session/store"
)

type fixture struct {
	coord      *Coordinator
	sessions   *sessservice.Service
	blueprints *bpservice.Service
	queue      *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	sessionStore, err := sessstore.NewSQLStore(pool)
	require.NoError(t, err)
	runStore, err := runstore.NewSQLStore(pool)
	require.NoError(t, err)
	blueprintStore, err := bpstore.NewSQLStore(pool)
	require.NoError(t, err)

	sessions := sessservice.NewService(sessionStore, nil, log)
	blueprints := bpservice.NewService(blueprintStore, log)

	q := queue.New(runStore, nil, queue.Config{
		NoMatchTimeout: 300 * time.Second,
		SweepInterval:  time.Second,
		RecoveryMode:   "stale",
		StaleThreshold: 300 * time.Second,
	}, log)

	reg := registry.New(nil, registry.Config{
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  2 * time.Minute,
		SweepInterval:     time.Second,
	}, log)
	q.SetWaker(reg)

	callbacks := callback.New(sessions, q, log)
	coord := New(blueprints, sessions, q, reg, callbacks, 300*time.Second, log)

	return &fixture{coord: coord, sessions: sessions, blueprints: blueprints, queue: q}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func createAgent(t *testing.T, f *fixture, name string, outputSchema map[string]interface{}) {
	t.Helper()
	bp := &bpmodels.Blueprint{
		Name:         name,
		Type:         bpmodels.TypeAutonomous,
		Status:       bpmodels.StatusActive,
		OutputSchema: outputSchema,
	}
	require.NoError(t, f.blueprints.Create(context.Background(), bp))
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createAgent(t, f, "echo", nil)

	run, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("echo"),
		Parameters: map[string]interface{}{"prompt": "hi"},
		ProjectDir: strPtr("."),
	})
	require.NoError(t, err)
	assert.Equal(t, runmodels.RunPending, run.Status)
	require.NotEmpty(t, run.SessionID)

	session, err := f.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessmodels.SessionPending, session.Status)

	job, err := f.coord.ClaimFor(ctx, "lnch_worker", capability.Capabilities{})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, run.RunID, job.Run.RunID)

	_, err = f.coord.ReportRunStatus(ctx, run.RunID, runmodels.RunRunning, nil)
	require.NoError(t, err)
	session, _ = f.sessions.Get(ctx, run.SessionID)
	assert.Equal(t, sessmodels.SessionRunning, session.Status)

	_, err = f.coord.IngestEvent(ctx, run.SessionID, &sessmodels.Event{
		Type:       sessmodels.EventResult,
		ResultText: strPtr("[echo] hi"),
	})
	require.NoError(t, err)
	_, err = f.coord.IngestEvent(ctx, run.SessionID, &sessmodels.Event{
		Type:     sessmodels.EventSessionStop,
		ExitCode: intPtr(0),
		Reason:   strPtr("completed"),
	})
	require.NoError(t, err)

	_, err = f.coord.ReportRunStatus(ctx, run.RunID, runmodels.RunCompleted, nil)
	require.NoError(t, err)

	session, _ = f.sessions.Get(ctx, run.SessionID)
	assert.Equal(t, sessmodels.SessionFinished, session.Status)

	result, err := f.sessions.GetResult(ctx, run.SessionID)
	require.NoError(t, err)
	require.NotNil(t, result.ResultText)
	assert.Equal(t, "[echo] hi", *result.ResultText)
}

func TestCreateRunInvalidParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createAgent(t, f, "strict", nil)

	// The implicit autonomous schema requires a non-empty prompt.
	_, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("strict"),
		Parameters: map[string]interface{}{},
	})
	var verr *ParameterValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "strict", verr.AgentName)
	assert.NotEmpty(t, verr.ValidationErrors)
	assert.NotNil(t, verr.ParametersSchema)

	// Nothing was persisted.
	sessions, err := f.sessions.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	runs, err := f.coord.ListRuns(ctx, runstore.ListFilter{IncludeCompleted: true})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestUnknownAgentFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("does-not-exist"),
		Parameters: map[string]interface{}{"prompt": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, runmodels.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "does-not-exist")

	session, err := f.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessmodels.SessionFailed, session.Status)
}

func TestClaimAugmentsPromptForOutputSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createAgent(t, f, "structured", map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"answer"},
		"properties": map[string]interface{}{
			"answer": map[string]interface{}{"type": "string"},
		},
	})

	run, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("structured"),
		Parameters: map[string]interface{}{"prompt": "solve it"},
	})
	require.NoError(t, err)

	job, err := f.coord.ClaimFor(ctx, "lnch_worker", capability.Capabilities{})
	require.NoError(t, err)
	require.NotNil(t, job)

	augmented, _ := job.Run.Parameters["prompt"].(string)
	assert.True(t, strings.HasPrefix(augmented, "solve it"))
	assert.Contains(t, augmented, "conforming to this schema")
	assert.Contains(t, augmented, `"answer"`)

	// The stored run keeps the caller's prompt.
	stored, err := f.coord.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "solve it", stored.Parameters["prompt"])
}

func TestOutputSchemaRetryThenFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createAgent(t, f, "structured", map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"answer", "rationale"},
		"properties": map[string]interface{}{
			"answer":    map[string]interface{}{"type": "string"},
			"rationale": map[string]interface{}{"type": "string"},
		},
	})

	run, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("structured"),
		Parameters: map[string]interface{}{"prompt": "go"},
	})
	require.NoError(t, err)
	_, err = f.coord.ClaimFor(ctx, "lnch_worker", capability.Capabilities{})
	require.NoError(t, err)
	_, err = f.coord.ReportRunStatus(ctx, run.RunID, runmodels.RunRunning, nil)
	require.NoError(t, err)

	// First non-conforming result: rejected, correction resume injected.
	_, err = f.coord.IngestEvent(ctx, run.SessionID, &sessmodels.Event{
		Type:       sessmodels.EventResult,
		ResultData: map[string]interface{}{"plain": "text"},
	})
	var outErr *OutputValidationError
	require.ErrorAs(t, err, &outErr)
	assert.True(t, outErr.RetryInjected)

	runs, err := f.coord.ListRuns(ctx, runstore.ListFilter{IncludeCompleted: true})
	require.NoError(t, err)
	var retry *runmodels.Run
	for _, r := range runs {
		if r.Type == runmodels.TypeResumeSession {
			retry = r
		}
	}
	require.NotNil(t, retry, "a correction resume must be queued")
	prompt, _ := retry.Parameters["prompt"].(string)
	assert.Contains(t, prompt, "did not conform")
	assert.Contains(t, prompt, `"rationale"`)

	// Second non-conforming result: budget spent, session fails.
	_, err = f.coord.IngestEvent(ctx, run.SessionID, &sessmodels.Event{
		Type:       sessmodels.EventResult,
		ResultData: map[string]interface{}{"still": "wrong"},
	})
	require.ErrorAs(t, err, &outErr)
	assert.False(t, outErr.RetryInjected)

	session, err := f.sessions.Get(ctx, run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessmodels.SessionFailed, session.Status)

	// One of the session's runs carries the exhaustion error.
	runs, err = f.coord.ListRuns(ctx, runstore.ListFilter{IncludeCompleted: true})
	require.NoError(t, err)
	var exhausted bool
	for _, r := range runs {
		if r.Error != nil && strings.HasPrefix(*r.Error, "OutputSchemaValidationError:") {
			exhausted = true
			assert.Equal(t, runmodels.RunFailed, r.Status)
		}
	}
	assert.True(t, exhausted)
}

func TestChildFailureInjectsParentCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.sessions.Create(ctx, &sessservice.SessionCreate{})
	require.NoError(t, err)
	_, err = f.sessions.SetStatus(ctx, parent.SessionID, sessmodels.SessionRunning)
	require.NoError(t, err)

	child, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:       strPtr("does-not-exist"),
		Parameters:      map[string]interface{}{"prompt": "spawn"},
		ParentSessionID: &parent.SessionID,
		ExecutionMode:   runmodels.ModeAsyncCallback,
	})
	require.NoError(t, err)
	assert.Equal(t, runmodels.RunFailed, child.Status)

	runs, err := f.coord.ListRuns(ctx, runstore.ListFilter{IncludeCompleted: true})
	require.NoError(t, err)
	var resume *runmodels.Run
	for _, r := range runs {
		if r.Type == runmodels.TypeResumeSession && r.SessionID == parent.SessionID {
			resume = r
		}
	}
	require.NotNil(t, resume, "parent must receive a callback resume")
	prompt, _ := resume.Parameters["prompt"].(string)
	assert.Contains(t, prompt, `<agent-callback session="`+child.SessionID+`" status="failed">`)
	assert.Contains(t, prompt, "## Error")
}

func TestStopRunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createAgent(t, f, "echo", nil)

	// Pending runs stop immediately.
	pending, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("echo"),
		Parameters: map[string]interface{}{"prompt": "a"},
	})
	require.NoError(t, err)
	stopped, err := f.coord.StopRun(ctx, pending.RunID)
	require.NoError(t, err)
	assert.Equal(t, runmodels.RunStopped, stopped.Status)

	session, _ := f.sessions.Get(ctx, pending.SessionID)
	assert.Equal(t, sessmodels.SessionStopped, session.Status)

	// Terminal runs refuse another stop.
	_, err = f.coord.StopRun(ctx, pending.RunID)
	assert.ErrorIs(t, err, ErrCannotStop)

	// Claimed runs move to stopping and wait for the runner.
	claimed, err := f.coord.CreateRun(ctx, &runmodels.RunCreate{
		AgentName:  strPtr("echo"),
		Parameters: map[string]interface{}{"prompt": "b"},
	})
	require.NoError(t, err)
	_, err = f.coord.ClaimFor(ctx, "lnch_worker", capability.Capabilities{})
	require.NoError(t, err)

	stopping, err := f.coord.StopSession(ctx, claimed.SessionID)
	require.NoError(t, err)
	assert.Equal(t, runmodels.RunStopping, stopping.Status)

	_, err = f.coord.ReportRunStatus(ctx, claimed.RunID, runmodels.RunStopped, nil)
	require.NoError(t, err)
	session, _ = f.sessions.Get(ctx, claimed.SessionID)
	assert.Equal(t, sessmodels.SessionStopped, session.Status)
}
