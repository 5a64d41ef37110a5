package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth implements GET /v1/health (spec.md §6): overall status,
// uptime, model info, and queue depth. Grounded on
// original_source/src/api/handlers.rs's health handler.
func (s *server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:         "healthy",
		Version:        s.Version,
		ActiveRequests: s.Queue.ActiveCount(),
		QueueSize:      s.Queue.PendingCount(),
		QueueCapacity:  s.Queue.Capacity(),
		UptimeSeconds:  time.Since(s.StartTime).Seconds(),
	}

	if handle, ok := s.Models.ActiveHandle(); ok {
		resp.ModelLoaded = true
		resp.ModelPath = handle.Path()
		resp.ContextSize = s.ContextSize
		resp.GPULayers = handle.GPULayers()
	} else {
		resp.Status = "loading_model"
	}

	if s.Queue.Closed() {
		resp.Status = "shutting_down"
	}

	c.JSON(200, resp)
}

// handleStatus implements GET /v1/status (spec.md §6): a lighter-weight
// probe than /v1/health, grounded on handlers.rs's status handler.
func (s *server) handleStatus(c *gin.Context) {
	c.JSON(200, StatusResponse{
		Status:         "running",
		QueueCapacity:  s.Queue.Capacity(),
		ActiveRequests: s.Queue.ActiveCount(),
		QueueSize:      s.Queue.PendingCount(),
	})
}
