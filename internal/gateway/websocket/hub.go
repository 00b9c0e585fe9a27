// Package websocket fans session and event updates out to WebSocket and
// SSE subscribers.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	sessmodels "github.com/agentor/agentor/internal/session/models"
	"github.com/agentor/agentor/pkg/ws"
)

// SnapshotProvider supplies the session list for init frames.
type SnapshotProvider func(ctx context.Context) ([]*sessmodels.Session, error)

// Hub manages all realtime subscriber connections. Frames are marshaled
// once and fanned out verbatim; per-session ordering is preserved because
// producers call Broadcast synchronously in append order.
type Hub struct {
	clients map[*Client]bool
	// sinks are channel subscribers (SSE connections).
	sinks map[chan []byte]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	snapshot SnapshotProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(snapshot SnapshotProvider, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sinks:      make(map[chan []byte]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		snapshot:   snapshot,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer h.logger.Info("realtime hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	for sink := range h.sinks {
		close(sink)
		delete(h.sinks, sink)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// fanOut delivers one frame to every subscriber. A subscriber whose
// buffer is full is dropped: closing its channel ends the write pump or
// SSE loop, which closes the connection.
func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("dropping slow client", zap.String("client_id", client.ID))
		}
	}
	for sink := range h.sinks {
		select {
		case sink <- data:
		default:
			close(sink)
			delete(h.sinks, sink)
			h.logger.Warn("dropping slow stream subscriber")
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans one frame out to every subscriber.
func (h *Hub) Broadcast(frame *ws.Frame) {
	data, err := frame.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	h.broadcast <- data
}

// Subscribe attaches a channel subscriber (SSE). The returned cancel
// function detaches it; the channel is closed by the hub.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	sink := make(chan []byte, 256)
	h.mu.Lock()
	h.sinks[sink] = true
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.sinks[sink]; ok {
			delete(h.sinks, sink)
			close(sink)
		}
		h.mu.Unlock()
	}
	return sink, cancel
}

// InitFrame builds the connect-time snapshot frame.
func (h *Hub) InitFrame(ctx context.Context) (*ws.Frame, error) {
	sessions, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*sessmodels.Session{}
	}
	return ws.NewInit(sessions), nil
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
