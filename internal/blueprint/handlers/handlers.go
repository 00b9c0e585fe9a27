// Package handlers exposes the agent blueprint HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/blueprint/models"
	"github.com/agentor/agentor/internal/blueprint/service"
	"github.com/agentor/agentor/internal/blueprint/store"
	"github.com/agentor/agentor/internal/common/logger"
)

// Handlers serves the /agents routes.
type Handlers struct {
	svc *service.Service
	log *logger.Logger
}

// RegisterRoutes mounts the agent blueprint API on the given groups.
func RegisterRoutes(groups []gin.IRouter, svc *service.Service, log *logger.Logger) {
	h := &Handlers{svc: svc, log: log.WithFields(zap.String("component", "agent_handlers"))}

	for _, g := range groups {
		agents := g.Group("/agents")
		agents.GET("", h.list)
		agents.POST("", h.create)
		agents.GET("/:name", h.get)
		agents.PATCH("/:name", h.update)
		agents.DELETE("/:name", h.delete)
		agents.PATCH("/:name/status", h.setStatus)
	}
}

func (h *Handlers) list(c *gin.Context) {
	blueprints, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": blueprints})
}

func (h *Handlers) create(c *gin.Context) {
	var bp models.Blueprint
	if err := c.ShouldBindJSON(&bp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	if err := h.svc.Create(c.Request.Context(), &bp); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "agent": bp})
}

func (h *Handlers) get(c *gin.Context) {
	bp, err := h.svc.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

func (h *Handlers) update(c *gin.Context) {
	var update models.BlueprintUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	bp, err := h.svc.Update(c.Request.Context(), c.Param("name"), &update)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

func (h *Handlers) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handlers) setStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "status is required"})
		return
	}
	name := c.Param("name")
	if err := h.svc.SetStatus(c.Request.Context(), name, models.BlueprintStatus(req.Status)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "name": name, "status": req.Status})
}

// fail maps service errors onto the wire contract.
func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "agent not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"detail": "agent already exists"})
	case isValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	default:
		h.log.Error("agent request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "request failed"})
	}
}

func isValidation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "required") ||
		strings.Contains(msg, "does not compile")
}
