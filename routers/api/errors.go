package api

import (
	"errors"
	"net/http"

	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalidState *models.InvalidStateError
		continuity   *models.ContinuityViolation
		concurrent   *models.ConcurrentJobError
		duration     *models.InvalidDurationError
		provider     *models.ProviderError
		timeout      *models.TimeoutError
	)
	switch {
	case errors.As(err, &invalidState), errors.As(err, &continuity), errors.As(err, &concurrent):
		return http.StatusConflict
	case errors.As(err, &duration), errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, models.ErrDeletionDeferred):
		return http.StatusAccepted
	case errors.As(err, &provider), errors.As(err, &timeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is a stable machine-readable name for the error kind.
func errorCode(err error) string {
	var (
		invalidState *models.InvalidStateError
		continuity   *models.ContinuityViolation
		concurrent   *models.ConcurrentJobError
		duration     *models.InvalidDurationError
		provider     *models.ProviderError
	)
	switch {
	case errors.As(err, &invalidState):
		return "invalid_state"
	case errors.As(err, &continuity):
		return "continuity_violation"
	case errors.As(err, &concurrent):
		return "concurrent_job"
	case errors.As(err, &duration):
		return "invalid_duration"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, models.ErrDeletionDeferred):
		return "deletion_deferred"
	case errors.As(err, &provider):
		return "provider_error"
	default:
		return "internal"
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": errorCode(err)})
}
