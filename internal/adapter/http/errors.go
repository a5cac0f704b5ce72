package http

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/bnema/restora/internal/adapter/http/middleware"
	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Hint      string `json:"hint,omitempty"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidParams),
		errors.Is(err, domain.ErrEmptyLocator),
		errors.Is(err, domain.ErrInvalidLocator):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Hint:      errors.FlattenHints(err),
		Detail:    errors.FlattenDetails(err),
		RequestID: c.GetString(middleware.RequestIDKey),
	}
	if status >= http.StatusInternalServerError {
		logger.Error.Printw("request failed", "path", c.FullPath(), "error", err, middleware.RequestIDKey, resp.RequestID)
	}
	c.AbortWithStatusJSON(status, resp)
}
