package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bpservice "github.com/agentor/agentor/internal/blueprint/service"
	bpstore "github.com/agentor/agentor/internal/blueprint/store"
	"github.com/agentor/agentor/internal/callback"
	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/coordinator"
	"github.com/agentor/agentor/internal/db"
	runmodels "github.com/agentor/agentor/internal/run/models"
	"github.com/agentor/agentor/internal/run/queue"
	runstore "github.com/agentor/agentor/internal/run/store"
	"github.com/agentor/agentor/internal/runner/registry"
	sessservice "github.com/agentor/agentor/internal/session/service"
	sessstore "github.com/agentor/agentor/internal/session/store"
)

type fixture struct {
	router *gin.Engine
	coord  *coordinator.Coordinator
	reg    *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
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
	coord := coordinator.New(blueprints, sessions, q, reg, callbacks, 300*time.Second, log)

	router := gin.New()
	RegisterRoutes([]gin.IRouter{router}, reg, coord, Config{
		PollTimeout:       50 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
	}, log)

	return &fixture{router: router, coord: coord, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func registerRunner(t *testing.T, f *fixture) string {
	t.Helper()
	rec, body := f.do(t, http.MethodPost, "/runners/register",
		`{"hostname": "host", "project_dir": "/proj", "executor_profile": "agent-cli", "capabilities": {"tags": []}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	runnerID, _ := body["runner_id"].(string)
	require.NotEmpty(t, runnerID)
	return runnerID
}

func TestPollReturnsClaimedJob(t *testing.T) {
	f := newFixture(t)
	runnerID := registerRunner(t, f)

	created, err := f.coord.CreateRun(context.Background(), &runmodels.RunCreate{
		Parameters: map[string]interface{}{"prompt": "hi"},
	})
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/runners/jobs?runner_id="+runnerID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The run sits directly under the top-level "run" key.
	run, ok := body["run"].(map[string]interface{})
	require.True(t, ok, "response must carry the run object at the top level")
	assert.Equal(t, created.RunID, run["run_id"])
	assert.Equal(t, "claimed", run["status"])
	assert.NotContains(t, run, "run")
}

func TestPollTimesOutEmpty(t *testing.T) {
	f := newFixture(t)
	runnerID := registerRunner(t, f)

	rec, _ := f.do(t, http.MethodGet, "/runners/jobs?runner_id="+runnerID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPollDeliversStops(t *testing.T) {
	f := newFixture(t)
	runnerID := registerRunner(t, f)

	f.reg.EnqueueStop(runnerID, "run_doomed")
	rec, body := f.do(t, http.MethodGet, "/runners/jobs?runner_id="+runnerID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"run_doomed"}, body["stop_runs"])
}

func TestPollUnknownRunner(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/runners/jobs?runner_id=lnch_ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
