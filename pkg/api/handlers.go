package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/euglena-ai/euglena/pkg/contract"
)

const defaultListLimit = 50

// createTaskRequest is the task submission payload. MaxTicks is a pointer so
// an absent field takes the configured default while an explicit 0 stays 0
// (a zero-tick task completes immediately with an empty deliverable).
type createTaskRequest struct {
	Mandate  string `json:"mandate"`
	MaxTicks *int   `json:"max_ticks"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	maxTicks := s.cfg.Engine.DefaultMaxTicks
	if req.MaxTicks != nil {
		maxTicks = *req.MaxTicks
	}

	env, err := contract.NewTaskEnvelope(req.Mandate, maxTicks)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if _, err := s.store.CreateTask(c.Request.Context(), env); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), s.cfg.Broker.MandateQueue, env); err != nil {
		// The submitted record exists but no worker will see it until the
		// client retries; surface the failure instead of pretending.
		s.log.Error("Publishing task envelope failed", "correlation_id", env.CorrelationID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task accepted but could not be queued, retry submission"})
		return
	}

	s.log.Info("Task submitted", "correlation_id", env.CorrelationID, "max_ticks", env.MaxTicks)
	c.JSON(http.StatusAccepted, gin.H{
		"correlation_id": env.CorrelationID,
		"state":          contract.TaskSubmitted,
		"max_ticks":      env.MaxTicks,
	})
}

func (s *Server) listTasks(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	tasks, err := s.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
