package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/runforge/agentrunner/pkg/models"
)

func (s *Server) handleCreateRun(c *gin.Context) {
	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "invalid JSON body")
		return
	}

	run, err := s.runs.CreateRun(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c *gin.Context) {
	var filters models.RunFilters

	if raw := c.Query("project_id"); raw != "" {
		projectID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "project_id", "project_id must be an integer")
			return
		}
		filters.ProjectID = projectID
	}
	if raw := c.Query("status"); raw != "" {
		filters.Status = models.RunStatus(raw)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit", "limit must be a non-negative integer")
			return
		}
		filters.Limit = limit
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), filters)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handlePauseRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	run, err := s.runs.PauseRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleResumeRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	run, err := s.runs.ResumeRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleStopRun commits the STOPPED state first, then cancels the in-flight
// execution on this host if there is one. The executor's own stop path is a
// conditional transition, so the double write is harmless.
func (s *Server) handleStopRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	run, err := s.runs.StopRun(c.Request.Context(), runID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if s.worker != nil {
		s.worker.CancelRun(runID)
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleDirective(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	var req models.DirectiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "", "invalid JSON body")
		return
	}
	evt, err := s.eventLog.AppendDirective(c.Request.Context(), runID, req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

func (s *Server) handleListEvents(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}

	var afterID int64
	if raw := c.Query("after_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			badRequest(c, "after_id", "after_id must be a non-negative integer")
			return
		}
		afterID = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	evts, err := s.eventLog.List(c.Request.Context(), runID, afterID, limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	lastID := afterID
	if len(evts) > 0 {
		lastID = evts[len(evts)-1].ID
	}
	c.JSON(http.StatusOK, models.EventsResponse{Events: evts, LastID: lastID})
}

// runIDParam parses the :id path segment; a non-integer id is a validation
// error, not a missing resource.
func runIDParam(c *gin.Context) (int64, bool) {
	runID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || runID <= 0 {
		badRequest(c, "id", "id must be a positive integer")
		return 0, false
	}
	return runID, true
}
