package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/exclusion"
	"github.com/mescon/pixelarr/internal/logger"
	"github.com/mescon/pixelarr/internal/operation"
	"github.com/mescon/pixelarr/internal/services"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgDatabaseError      = "Database error"
	ErrMsgInvalidRequest     = "Invalid request"
	ErrMsgNotFound           = "Not found"
	ErrMsgServiceUnavailable = "Service unavailable"
	ErrMsgInternalError      = "Internal server error"
	ErrMsgInvalidID          = "Invalid ID"
	ErrMsgBusy               = "Another operation is already running"
	ErrMsgNotRunning         = "No such operation is running"
)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

// respondServiceError maps the engine's sentinel errors to HTTP statuses.
// Validation errors are safe to show and are returned verbatim.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, operation.ErrBusy):
		respondWithError(c, http.StatusConflict, ErrMsgBusy, err)
	case errors.Is(err, operation.ErrNotRunning):
		respondWithError(c, http.StatusNotFound, ErrMsgNotRunning, err)
	case errors.Is(err, db.ErrNotFound):
		respondWithError(c, http.StatusNotFound, ErrMsgNotFound, err)
	case errors.Is(err, db.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTrigger),
		errors.Is(err, services.ErrInvalidSchedule),
		errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, exclusion.ErrInvalidRule):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		respondWithError(c, http.StatusInternalServerError, ErrMsgInternalError, err)
	}
}

// respondBadRequest handles bad request errors, optionally exposing the error message
// Use exposeError=true only for validation errors safe to show users
func respondBadRequest(c *gin.Context, err error, exposeError bool) {
	if exposeError && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondWithError(c, http.StatusBadRequest, ErrMsgInvalidRequest, err)
}

// respondDatabaseError handles database errors consistently
func respondDatabaseError(c *gin.Context, err error) {
	respondWithError(c, http.StatusInternalServerError, ErrMsgDatabaseError, err)
}

// parseIDParam reads a positive integer path parameter, answering 400 when
// it is malformed.
func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(c, http.StatusBadRequest, ErrMsgInvalidID, err)
		return 0, false
	}
	return id, true
}
