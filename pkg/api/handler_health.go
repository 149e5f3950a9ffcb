package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/agentrunner/pkg/version"
)

// handleHealth reports service liveness plus database connectivity. An
// unhealthy database yields 503 with the same body shape so probes can
// always parse the response.
func (s *Server) handleHealth(c *gin.Context) {
	dbHealth := s.db.Health(c.Request.Context())

	status := http.StatusOK
	overall := "healthy"
	if dbHealth.Status != "healthy" {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"version":  version.Full(),
		"database": dbHealth,
	})
}
