package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
)

// sseKeepAlive is the comment-ping period that keeps idle proxies from
// closing the stream.
const sseKeepAlive = 25 * time.Second

// SSEHandler serves the same frame stream over server-sent events for
// clients that cannot hold a WebSocket.
type SSEHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewSSEHandler creates the SSE handler.
func NewSSEHandler(hub *Hub, log *logger.Logger) *SSEHandler {
	return &SSEHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "sse_handler")),
	}
}

// RegisterRoutes mounts the stream endpoint.
func (h *SSEHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/stream", h.handleStream)
}

func (h *SSEHandler) handleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	frame, err := h.hub.InitFrame(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to build snapshot"})
		return
	}
	data, err := frame.Marshal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to encode snapshot"})
		return
	}

	sink, cancel := h.hub.Subscribe()
	defer cancel()

	writeSSE(c, data)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sink:
			if !ok {
				return
			}
			writeSSE(c, payload)
			flusher.Flush()
		case <-keepAlive.C:
			c.Writer.WriteString(": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.WriteString("data: ")
	c.Writer.Write(payload)
	c.Writer.WriteString("\n\n")
}
