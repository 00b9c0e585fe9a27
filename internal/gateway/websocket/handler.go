package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The coordinator binds to loopback by default; cross-origin dashboard
	// access is governed by the CORS layer, not the upgrade check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections into hub subscribers.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.handleConnection)
}

func (h *Handler) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)

	// The init frame goes into the buffer before registration so no
	// broadcast can precede the snapshot.
	frame, err := h.hub.InitFrame(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to build init frame", zap.Error(err))
		conn.Close()
		return
	}
	data, err := frame.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal init frame", zap.Error(err))
		conn.Close()
		return
	}
	client.QueueInit(data)

	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
