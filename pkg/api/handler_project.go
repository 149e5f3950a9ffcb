package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/agentrunner/pkg/models"
)

// handleCreateProject accepts the project fields as query parameters or as a
// JSON body; query parameters win when both are present. Binding tolerates an
// empty body so that query-only requests need no Content-Length, and chunked
// requests (ContentLength -1) still get their body read.
func (s *Server) handleCreateProject(c *gin.Context) {
	var req models.CreateProjectRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, "", "invalid JSON body")
			return
		}
	}
	if name := c.Query("name"); name != "" {
		req.Name = name
	}
	if path := c.Query("local_path"); path != "" {
		req.LocalPath = path
	}

	project, err := s.projects.CreateProject(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.projects.ListProjects(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}
