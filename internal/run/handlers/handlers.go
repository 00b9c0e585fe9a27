// Package handlers exposes the run HTTP API.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/coordinator"
	"github.com/agentor/agentor/internal/run/models"
	runstore "github.com/agentor/agentor/internal/run/store"
	sessstore "github.com/agentor/agentor/internal/session/store"
)

// Handlers serves the /runs routes.
type Handlers struct {
	coord *coordinator.Coordinator
	log   *logger.Logger
}

// RegisterRoutes mounts the run API on the given groups.
func RegisterRoutes(groups []gin.IRouter, coord *coordinator.Coordinator, log *logger.Logger) {
	h := &Handlers{coord: coord, log: log.WithFields(zap.String("component", "run_handlers"))}

	for _, g := range groups {
		runs := g.Group("/runs")
		runs.POST("", h.create)
		runs.GET("", h.list)
		runs.GET("/:run_id", h.get)
		runs.POST("/:run_id/stop", h.stop)
	}
}

func (h *Handlers) create(c *gin.Context) {
	var req models.RunCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	run, err := h.coord.CreateRun(c.Request.Context(), &req)
	if err != nil {
		var verr *coordinator.ParameterValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": verr.Detail()})
			return
		}
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"run_id":     run.RunID,
		"session_id": run.SessionID,
		"status":     run.Status,
	})
}

func (h *Handlers) list(c *gin.Context) {
	filter := runstore.ListFilter{
		IncludeCompleted: c.Query("include_completed") == "true",
		Status:           models.RunStatus(c.Query("status")),
	}
	runs, err := h.coord.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handlers) get(c *gin.Context) {
	run, err := h.coord.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handlers) stop(c *gin.Context) {
	run, err := h.coord.StopRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "run_id": run.RunID, "status": run.Status})
}

// fail maps coordinator errors onto the wire contract.
func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "run not found"})
	case errors.Is(err, sessstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "session not found"})
	case errors.Is(err, coordinator.ErrCannotStop):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	default:
		h.log.Error("run request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "request failed"})
	}
}
