package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleWorkerStatus(c *gin.Context) {
	if s.worker == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "worker not available"})
		return
	}
	c.JSON(http.StatusOK, s.worker.Status(c.Request.Context()))
}

// handleWorkerProcess performs one synchronous claim-and-execute tick. It
// exists for environments running with the background loop disabled.
func (s *Server) handleWorkerProcess(c *gin.Context) {
	if s.worker == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "worker not available"})
		return
	}
	processed, err := s.worker.ProcessOnce(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}
