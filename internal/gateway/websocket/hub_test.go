package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/logger"
	sessmodels "github.com/agentor/agentor/internal/session/models"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewHub(func(_ context.Context) ([]*sessmodels.Session, error) {
		return nil, nil
	}, log)
}

func TestFanOutDeliversInOrder(t *testing.T) {
	h := newTestHub(t)
	client := &Client{ID: "c1", hub: h, send: make(chan []byte, 4)}
	h.clients[client] = true

	h.fanOut([]byte("one"))
	h.fanOut([]byte("two"))

	assert.Equal(t, "one", string(<-client.send))
	assert.Equal(t, "two", string(<-client.send))
	assert.Equal(t, 1, h.ClientCount())
}

func TestFanOutDropsSlowClient(t *testing.T) {
	h := newTestHub(t)
	slow := &Client{ID: "slow", hub: h, send: make(chan []byte, 1)}
	fast := &Client{ID: "fast", hub: h, send: make(chan []byte, 4)}
	h.clients[slow] = true
	h.clients[fast] = true

	h.fanOut([]byte("one"))
	h.fanOut([]byte("two"))
	h.fanOut([]byte("three"))

	// The slow client got one frame, then was dropped and its channel closed.
	assert.Equal(t, "one", string(<-slow.send))
	_, open := <-slow.send
	assert.False(t, open, "dropped client's send channel must be closed")
	assert.Equal(t, 1, h.ClientCount())

	// The fast client saw every frame.
	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, string(<-fast.send))
	}

	// The late unregister from the dropped client's pumps is a no-op.
	h.removeClient(slow)
	assert.Equal(t, 1, h.ClientCount())
}

func TestFanOutDropsSlowSink(t *testing.T) {
	h := newTestHub(t)
	sink, cancel := h.Subscribe()

	frame := []byte("x")
	for i := 0; i < cap(sink)+1; i++ {
		h.fanOut(frame)
	}

	delivered := 0
	for range sink {
		delivered++
	}
	assert.Equal(t, cap(sink), delivered, "the overflowing frame is dropped with the subscriber")

	h.mu.RLock()
	remaining := len(h.sinks)
	h.mu.RUnlock()
	assert.Equal(t, 0, remaining)

	// Cancel after the hub already dropped the sink must not panic.
	cancel()
}
