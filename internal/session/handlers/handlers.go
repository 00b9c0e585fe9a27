// Package handlers exposes the session and event HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/coordinator"
	"github.com/agentor/agentor/internal/session/models"
	"github.com/agentor/agentor/internal/session/service"
	"github.com/agentor/agentor/internal/session/store"
)

// Handlers serves the /sessions and /events routes.
type Handlers struct {
	svc   *service.Service
	coord *coordinator.Coordinator
	log   *logger.Logger
}

// RegisterRoutes mounts the session API on the given groups. Event
// appends route through the coordinator so output-schema enforcement
// sits in front of the store.
func RegisterRoutes(groups []gin.IRouter, svc *service.Service, coord *coordinator.Coordinator, log *logger.Logger) {
	h := &Handlers{svc: svc, coord: coord, log: log.WithFields(zap.String("component", "session_handlers"))}

	for _, g := range groups {
		sessions := g.Group("/sessions")
		sessions.GET("", h.list)
		sessions.POST("", h.create)
		sessions.GET("/:id", h.get)
		sessions.GET("/:id/status", h.getStatus)
		sessions.GET("/:id/result", h.getResult)
		sessions.PATCH("/:id/metadata", h.updateMetadata)
		sessions.DELETE("/:id", h.delete)
		sessions.POST("/:id/stop", h.stop)
		sessions.GET("/:id/events", h.listEvents)
		sessions.POST("/:id/events", h.appendEvent)

		// Legacy ingest endpoint: session_id travels in the body.
		g.POST("/events", h.appendEventLegacy)
	}
}

func (h *Handlers) list(c *gin.Context) {
	sessions, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) create(c *gin.Context) {
	var req service.SessionCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	session, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "session": session})
}

func (h *Handlers) get(c *gin.Context) {
	session, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handlers) getStatus(c *gin.Context) {
	session, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.SessionID,
		"status":     session.Status,
	})
}

func (h *Handlers) getResult(c *gin.Context) {
	result, err := h.svc.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) updateMetadata(c *gin.Context) {
	var update service.MetadataUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	session, err := h.svc.UpdateMetadata(c.Request.Context(), c.Param("id"), &update)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handlers) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) stop(c *gin.Context) {
	run, err := h.coord.StopSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "run_id": run.RunID, "status": run.Status})
}

func (h *Handlers) listEvents(c *gin.Context) {
	events, err := h.svc.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handlers) appendEvent(c *gin.Context) {
	var event models.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	h.ingest(c, c.Param("id"), &event)
}

type legacyEventRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	models.Event
}

func (h *Handlers) appendEventLegacy(c *gin.Context) {
	var req legacyEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	h.ingest(c, req.SessionID, &req.Event)
}

func (h *Handlers) ingest(c *gin.Context, sessionID string, event *models.Event) {
	stored, err := h.coord.IngestEvent(c.Request.Context(), sessionID, event)
	if err != nil {
		var outErr *coordinator.OutputValidationError
		if errors.As(err, &outErr) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": gin.H{
				"error":             "output_validation_failed",
				"retry_injected":    outErr.RetryInjected,
				"validation_errors": outErr.Issues,
			}})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "event_id": stored.ID})
}

// fail maps service errors onto the wire contract.
func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "session not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"detail": "session already exists"})
	case errors.Is(err, service.ErrNotTerminal):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "session has not finished"})
	case errors.Is(err, coordinator.ErrNoActiveRun):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "session has no active run"})
	case errors.Is(err, coordinator.ErrCannotStop):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	case isValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	default:
		h.log.Error("session request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "request failed"})
	}
}

func isValidation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "requires") ||
		strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unknown event type")
}
