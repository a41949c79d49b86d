package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/orchestrator"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, source.ErrUnknownSource),
		errors.Is(err, repository.ErrJobNotFound),
		errors.Is(err, repository.ErrExecutionNotFound),
		errors.Is(err, repository.ErrGapNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrJobAlreadyRunning),
		errors.Is(err, orchestrator.ErrExecutionNotRunning),
		errors.Is(err, orchestrator.ErrNoRunner),
		errors.Is(err, repository.ErrOptimisticLock):
		return http.StatusConflict
	case errors.Is(err, source.ErrHistoricalUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusForRead maps an on-demand read error. Provider failures are upstream errors.
func statusForRead(err error) int {
	switch {
	case errors.Is(err, source.ErrUnknownSource), errors.Is(err, exception.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var ie *exception.IngestError
	if errors.As(err, &ie) && (ie.StatusCode > 0 || ie.IsRetryable() || ie.IsPermanent()) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: exception.ExtractErrorMessage(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}
