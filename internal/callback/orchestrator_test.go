package callback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/logger"
	runmodels "github.com/agentor/agentor/internal/run/models"
	sessmodels "github.com/agentor/agentor/internal/session/models"
	"github.com/agentor/agentor/internal/session/store"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*sessmodels.Session
}

func (f *fakeSessions) Get(_ context.Context, sessionID string) (*sessmodels.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return session, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	busy map[string]bool
}

func (f *fakeRuns) GetActiveBySession(sessionID string) *runmodels.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[sessionID] {
		return &runmodels.Run{RunID: "run_active", SessionID: sessionID}
	}
	return nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	resumes []struct {
		SessionID string
		Prompt    string
	}
	err error
}

func (f *fakeSubmitter) SubmitResume(_ context.Context, sessionID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resumes = append(f.resumes, struct {
		SessionID string
		Prompt    string
	}{sessionID, prompt})
	return nil
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) (*Orchestrator, *fakeSessions, *fakeRuns, *fakeSubmitter) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sessions := &fakeSessions{sessions: map[string]*sessmodels.Session{
		"ses_parent": {SessionID: "ses_parent", Status: sessmodels.SessionRunning},
	}}
	runs := &fakeRuns{busy: map[string]bool{}}
	submitter := &fakeSubmitter{}

	o := New(sessions, runs, log)
	o.SetSubmitter(submitter)
	return o, sessions, runs, submitter
}

func childSession(id string) *sessmodels.Session {
	parent := "ses_parent"
	return &sessmodels.Session{
		SessionID:       id,
		ParentSessionID: &parent,
		Status:          sessmodels.SessionFinished,
	}
}

func TestIdleParentGetsImmediateResume(t *testing.T) {
	o, _, _, submitter := newFixture(t)

	o.OnChildTerminal(context.Background(), childSession("ses_child"), &Notification{
		Status:     sessmodels.SessionFinished,
		ResultText: strPtr("all done"),
	})

	require.Len(t, submitter.resumes, 1)
	assert.Equal(t, "ses_parent", submitter.resumes[0].SessionID)
	prompt := submitter.resumes[0].Prompt
	assert.Contains(t, prompt, `<agent-callback session="ses_child" status="completed">`)
	assert.Contains(t, prompt, "## Child Result\nall done")
	assert.Contains(t, prompt, "Please continue with the orchestration based on this result.")
	assert.Equal(t, 0, o.Pending("ses_parent"))
}

func TestBusyParentQueuesUntilFlush(t *testing.T) {
	o, _, runs, submitter := newFixture(t)
	runs.busy["ses_parent"] = true

	o.OnChildTerminal(context.Background(), childSession("ses_c1"), &Notification{
		Status:     sessmodels.SessionFinished,
		ResultText: strPtr("first"),
	})
	o.OnChildTerminal(context.Background(), childSession("ses_c2"), &Notification{
		Status: sessmodels.SessionFailed,
		Error:  strPtr("child exploded"),
	})

	assert.Empty(t, submitter.resumes)
	assert.Equal(t, 2, o.Pending("ses_parent"))

	// The parent's run finished; the flush delivers one combined resume.
	runs.busy["ses_parent"] = false
	o.FlushFor(context.Background(), "ses_parent")

	require.Len(t, submitter.resumes, 1)
	prompt := submitter.resumes[0].Prompt
	first := strings.Index(prompt, `session="ses_c1"`)
	second := strings.Index(prompt, `session="ses_c2"`)
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first, "frames must keep queue order")
	assert.Contains(t, prompt, `status="failed"`)
	assert.Contains(t, prompt, "## Error\nchild exploded")
	assert.Equal(t, 1, strings.Count(prompt, "Please continue with the orchestration"))
	assert.Equal(t, 0, o.Pending("ses_parent"))
}

func TestFlushDiscardsForDeadParent(t *testing.T) {
	o, sessions, runs, submitter := newFixture(t)
	runs.busy["ses_parent"] = true

	o.OnChildTerminal(context.Background(), childSession("ses_child"), &Notification{
		Status: sessmodels.SessionFinished,
	})

	sessions.sessions["ses_parent"].Status = sessmodels.SessionFailed
	runs.busy["ses_parent"] = false
	o.FlushFor(context.Background(), "ses_parent")

	assert.Empty(t, submitter.resumes)
	assert.Equal(t, 0, o.Pending("ses_parent"))
}

func TestSubmitFailureKeepsNotification(t *testing.T) {
	o, _, _, submitter := newFixture(t)
	submitter.err = errors.New("queue unavailable")

	o.OnChildTerminal(context.Background(), childSession("ses_child"), &Notification{
		Status: sessmodels.SessionFinished,
	})

	assert.Equal(t, 1, o.Pending("ses_parent"))

	// Recovery: the submitter works again and the flush drains the queue.
	submitter.err = nil
	o.FlushFor(context.Background(), "ses_parent")
	assert.Len(t, submitter.resumes, 1)
	assert.Equal(t, 0, o.Pending("ses_parent"))
}

func TestNoParentNoCallback(t *testing.T) {
	o, _, _, submitter := newFixture(t)

	orphan := &sessmodels.Session{SessionID: "ses_orphan", Status: sessmodels.SessionFinished}
	o.OnChildTerminal(context.Background(), orphan, &Notification{Status: sessmodels.SessionFinished})

	assert.Empty(t, submitter.resumes)
}

func TestBuildFrameStructuredData(t *testing.T) {
	frame := BuildFrame(&Notification{
		ChildSessionID: "ses_data",
		Status:         sessmodels.SessionFinished,
		ResultText:     strPtr("summary"),
		ResultData:     map[string]interface{}{"answer": 42.0},
	})

	assert.Contains(t, frame, "## Structured Data\n```json\n")
	assert.Contains(t, frame, `"answer": 42`)
	assert.True(t, strings.HasSuffix(frame, "</agent-callback>"))

	// Null result_data omits the section entirely.
	bare := BuildFrame(&Notification{
		ChildSessionID: "ses_bare",
		Status:         sessmodels.SessionFinished,
		ResultText:     strPtr("just text"),
	})
	assert.NotContains(t, bare, "Structured Data")
}

func TestBuildFrameStopped(t *testing.T) {
	frame := BuildFrame(&Notification{
		ChildSessionID: "ses_stopped",
		Status:         sessmodels.SessionStopped,
		Error:          strPtr("stopped by user"),
	})
	assert.Contains(t, frame, `status="stopped"`)
	assert.Contains(t, frame, "## Error\nstopped by user")
}
