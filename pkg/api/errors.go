package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/agentrunner/pkg/services"
)

// errorResponse is the JSON body for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// mapServiceError translates service-layer errors to HTTP status codes:
// not-found → 404, conflicts (illegal transition, duplicate project,
// directive on a terminal run) → 409, validation → 422, everything else →
// 500 with the detail kept server-side.
func mapServiceError(c *gin.Context, err error) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrAlreadyExists),
		errors.Is(err, services.ErrRunTerminal):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// badRequest writes a 422 for malformed request input that never reached the
// service layer.
func badRequest(c *gin.Context, field, message string) {
	c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: message, Field: field})
}
