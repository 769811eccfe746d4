package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/outagewatch/internal/core/domain"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

// classify maps an engine error to an HTTP status and a stable kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrDuplicateConnection):
		return http.StatusConflict, "duplicate_connection"
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, domain.ErrIneligible):
		return http.StatusUnprocessableEntity, "ineligible"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrSignalSourceUnavailable):
		return http.StatusServiceUnavailable, "signal_unavailable"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	code, kind := classify(err)
	resp := errorResponse{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: domain.IsRetryable(err),
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}

	if code >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "path", c.FullPath(), "kind", kind, "error", err)
	}
	c.AbortWithStatusJSON(code, resp)
}

// badRequest reports a malformed body.
func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error: "malformed request: " + err.Error(),
		Kind:  "validation",
	})
}
