package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/llm-gateway-go/internal/models"
)

// statusForGatewayError maps the closed GatewayError taxonomy (spec.md §7)
// onto HTTP status codes for the JSON error body returned to the caller.
func statusForGatewayError(err *models.GatewayError) int {
	switch err.Code {
	case models.CodeModelNotSupported, models.CodeOperationNotSupported:
		return http.StatusNotFound
	case models.CodeAllUpstreamsUnavailable:
		return http.StatusServiceUnavailable
	case models.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	switch err.Class {
	case models.ErrorClassAuthentication:
		return http.StatusUnauthorized
	case models.ErrorClassAuthorization:
		return http.StatusForbidden
	case models.ErrorClassRateLimited:
		return http.StatusTooManyRequests
	case models.ErrorClassClientError, models.ErrorClassMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// errorType derives the OpenAI-style `type` string from the error's code
// or class, falling back to a generic upstream-error bucket.
func errorType(err *models.GatewayError) string {
	switch err.Code {
	case models.CodeModelNotSupported, models.CodeOperationNotSupported:
		return "invalid_request_error"
	case models.CodeAllUpstreamsUnavailable:
		return "upstream_unavailable_error"
	case models.CodeDeadlineExceeded:
		return "timeout_error"
	}
	switch err.Class {
	case models.ErrorClassAuthentication:
		return "authentication_error"
	case models.ErrorClassAuthorization:
		return "permission_error"
	case models.ErrorClassRateLimited:
		return "rate_limit_error"
	case models.ErrorClassClientError, models.ErrorClassMalformed:
		return "invalid_request_error"
	default:
		return "upstream_error"
	}
}

// writeGatewayError renders a GatewayError as the JSON error envelope every
// handler in this package returns on failure.
func writeGatewayError(c *gin.Context, requestID string, err *models.GatewayError) {
	if err.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	c.JSON(statusForGatewayError(err), models.ErrorBody{
		Error: models.ErrorBodyDetail{
			Message:   err.Error(),
			Type:      errorType(err),
			Code:      string(err.Code),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RequestID: requestID,
			Details:   err.Details,
		},
	})
}
