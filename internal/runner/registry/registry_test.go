package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(nil, Config{
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  2 * time.Minute,
		SweepInterval:     time.Second,
	}, log)
}

func TestRunnerIDDeterministic(t *testing.T) {
	a := RunnerID("host1", "/work/proj", "agent-cli")
	b := RunnerID("host1", "/work/proj", "agent-cli")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^lnch_[0-9a-f]{12}$`, a)

	assert.NotEqual(t, a, RunnerID("host2", "/work/proj", "agent-cli"))
	assert.NotEqual(t, a, RunnerID("host1", "/work/other", "agent-cli"))
	assert.NotEqual(t, a, RunnerID("host1", "/work/proj", "gemini"))
}

func TestRegisterIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := r.Register(ctx, "host", "/proj", "agent-cli", capability.Capabilities{Tags: []string{"linux"}})
	second := r.Register(ctx, "host", "/proj", "agent-cli", capability.Capabilities{Tags: []string{"linux", "gpu"}})

	assert.Equal(t, first.RunnerID, second.RunnerID)
	assert.Equal(t, []string{"linux", "gpu"}, second.Capabilities.Tags)
	assert.Len(t, r.List(), 1)
}

func TestRegisterClearsDeregistration(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	runner := r.Register(ctx, "host", "/proj", "agent-cli", capability.Capabilities{})
	require.True(t, r.MarkDeregistered(ctx, runner.RunnerID))
	assert.True(t, r.IsDeregistered(runner.RunnerID))

	r.Register(ctx, "host", "/proj", "agent-cli", capability.Capabilities{})
	assert.False(t, r.IsDeregistered(runner.RunnerID))
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.Heartbeat("lnch_nope"))

	runner := r.Register(context.Background(), "host", "/proj", "agent-cli", capability.Capabilities{})
	assert.True(t, r.Heartbeat(runner.RunnerID))
}

func TestStatusComputation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	runner := r.Register(ctx, "host", "/proj", "agent-cli", capability.Capabilities{})
	got, ok := r.Get(runner.RunnerID)
	require.True(t, ok)
	assert.Equal(t, StatusOnline, got.Status)

	// Age the heartbeat past the timeout.
	r.mu.Lock()
	r.runners[runner.RunnerID].runner.LastHeartbeat = time.Now().Add(-3 * time.Minute)
	r.mu.Unlock()

	got, _ = r.Get(runner.RunnerID)
	assert.Equal(t, StatusStale, got.Status)

	r.MarkDeregistered(ctx, runner.RunnerID)
	got, _ = r.Get(runner.RunnerID)
	assert.Equal(t, StatusShuttingDown, got.Status)
}

func TestWakeReleasesWaiters(t *testing.T) {
	r := newTestRegistry(t)

	ch := r.WakeChan()
	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()

	r.Wake()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Wake")
	}

	// The next generation is a fresh channel.
	select {
	case <-r.WakeChan():
		t.Fatal("new wake channel must not be closed")
	default:
	}
}

func TestStopQueue(t *testing.T) {
	r := newTestRegistry(t)
	runner := r.Register(context.Background(), "host", "/proj", "agent-cli", capability.Capabilities{})

	assert.Nil(t, r.DrainStops(runner.RunnerID))

	r.EnqueueStop(runner.RunnerID, "run_a")
	r.EnqueueStop(runner.RunnerID, "run_b")

	stops := r.DrainStops(runner.RunnerID)
	assert.Equal(t, []string{"run_a", "run_b"}, stops)
	assert.Nil(t, r.DrainStops(runner.RunnerID))
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t)
	runner := r.Register(context.Background(), "host", "/proj", "agent-cli", capability.Capabilities{})

	r.Remove(runner.RunnerID)
	_, ok := r.Get(runner.RunnerID)
	assert.False(t, ok)
	assert.Empty(t, r.List())
}
