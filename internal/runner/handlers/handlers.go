// Package handlers exposes the runner control plane: registration,
// heartbeat, the long-poll job feed, and run status reporting.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/coordinator"
	runmodels "github.com/agentor/agentor/internal/run/models"
	"github.com/agentor/agentor/internal/run/queue"
	runstore "github.com/agentor/agentor/internal/run/store"
	"github.com/agentor/agentor/internal/runner/registry"
)

// pollRecheck bounds how long a poller sleeps between wake generations.
const pollRecheck = 500 * time.Millisecond

// Config carries the protocol values advertised at registration.
type Config struct {
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Handlers serves the /runners routes.
type Handlers struct {
	reg    *registry.Registry
	coord  *coordinator.Coordinator
	config Config
	log    *logger.Logger
}

// RegisterRoutes mounts the runner control plane on the given groups.
func RegisterRoutes(groups []gin.IRouter, reg *registry.Registry, coord *coordinator.Coordinator, cfg Config, log *logger.Logger) {
	h := &Handlers{
		reg:    reg,
		coord:  coord,
		config: cfg,
		log:    log.WithFields(zap.String("component", "runner_handlers")),
	}

	for _, g := range groups {
		runners := g.Group("/runners")
		runners.POST("/register", h.register)
		runners.POST("/heartbeat", h.heartbeat)
		runners.GET("/jobs", h.poll)
		runners.POST("/jobs/:run_id/started", h.reportStatus(runmodels.RunRunning))
		runners.POST("/jobs/:run_id/completed", h.reportStatus(runmodels.RunCompleted))
		runners.POST("/jobs/:run_id/failed", h.reportStatus(runmodels.RunFailed))
		runners.POST("/jobs/:run_id/stopped", h.reportStatus(runmodels.RunStopped))
		runners.GET("", h.list)
		runners.DELETE("/:id", h.deregister)
	}
}

type registerRequest struct {
	Hostname        string                  `json:"hostname" binding:"required"`
	ProjectDir      string                  `json:"project_dir"`
	ExecutorProfile string                  `json:"executor_profile" binding:"required"`
	Capabilities    capability.Capabilities `json:"capabilities"`
}

func (h *Handlers) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	runner := h.reg.Register(c.Request.Context(), req.Hostname, req.ProjectDir, req.ExecutorProfile, req.Capabilities)
	c.JSON(http.StatusOK, gin.H{
		"runner_id":                  runner.RunnerID,
		"poll_endpoint":              "/api/v1/runners/jobs",
		"poll_timeout_seconds":       int(h.config.PollTimeout.Seconds()),
		"heartbeat_interval_seconds": int(h.config.HeartbeatInterval.Seconds()),
	})
}

type heartbeatRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

func (h *Handlers) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "runner_id is required"})
		return
	}
	if !h.reg.Heartbeat(req.RunnerID) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "runner not registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// poll is the long-poll job feed. It returns promptly with a claimed run,
// pending stop commands, or a deregistration notice; otherwise it holds
// the request until a wakeup or the poll timeout.
func (h *Handlers) poll(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "runner_id is required"})
		return
	}
	runner, ok := h.reg.Get(runnerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "runner not registered"})
		return
	}
	h.reg.Touch(runnerID)

	ctx := c.Request.Context()
	deadline := time.NewTimer(h.config.PollTimeout)
	defer deadline.Stop()

	for {
		// Deregistration notice wins over any queued work; the runner is
		// removed once it has received the notice.
		if h.reg.IsDeregistered(runnerID) {
			h.reg.Remove(runnerID)
			c.JSON(http.StatusOK, gin.H{"deregistered": true})
			return
		}

		if stops := h.reg.DrainStops(runnerID); len(stops) > 0 {
			c.JSON(http.StatusOK, gin.H{"stop_runs": stops})
			return
		}

		job, err := h.coord.ClaimFor(ctx, runnerID, runner.Capabilities)
		if err != nil {
			h.log.Error("claim failed", zap.String("runner_id", runnerID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "claim failed"})
			return
		}
		if job != nil {
			// Job already carries the run under its own "run" key.
			c.JSON(http.StatusOK, job)
			return
		}

		wake := h.reg.WakeChan()
		recheck := time.NewTimer(pollRecheck)
		select {
		case <-ctx.Done():
			recheck.Stop()
			return
		case <-deadline.C:
			recheck.Stop()
			c.Status(http.StatusNoContent)
			return
		case <-wake:
			recheck.Stop()
		case <-recheck.C:
		}
	}
}

type statusReport struct {
	Error *string `json:"error,omitempty"`
}

func (h *Handlers) reportStatus(status runmodels.RunStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		var report statusReport
		// The body is optional; only failure reports carry an error.
		_ = c.ShouldBindJSON(&report)

		run, err := h.coord.ReportRunStatus(c.Request.Context(), c.Param("run_id"), status, report.Error)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "run_id": run.RunID, "status": run.Status})
	}
}

func (h *Handlers) list(c *gin.Context) {
	runners := h.reg.List()
	if runners == nil {
		runners = []*registry.Runner{}
	}
	c.JSON(http.StatusOK, gin.H{"runners": runners})
}

// deregister removes a runner. Self-deregistration takes effect at once;
// external deregistration is delivered on the runner's next poll.
func (h *Handlers) deregister(c *gin.Context) {
	runnerID := c.Param("id")
	if c.Query("self") == "true" {
		h.reg.Remove(runnerID)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if !h.reg.MarkDeregistered(c.Request.Context(), runnerID) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "runner not registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "pending": true})
}

// fail maps coordinator errors onto the wire contract.
func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "run not found"})
	case errors.Is(err, queue.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
	default:
		h.log.Error("runner request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "request failed"})
	}
}
