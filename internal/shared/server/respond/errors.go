package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/telemetry"
)

// ErrorBody defines the standardized error object.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error sends a standardized error response.
func Error(c *gin.Context, status int, code, message string, details interface{}) {
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString("requestId"),
	}
	if userID := c.GetString("userId"); userID != "" {
		fields["user_id"] = userID
	}
	if orgID := c.GetString("organizationId"); orgID != "" {
		fields["organization_id"] = orgID
	}
	if status >= http.StatusInternalServerError {
		telemetry.Error("http.error", fields)
	} else {
		telemetry.Info("http.error", fields)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// FromError maps a service error onto the standardized response.
func FromError(c *gin.Context, err error) {
	if e, ok := apperr.As(err); ok {
		if e.Err != nil {
			telemetry.Error("http.dependency_error", map[string]any{
				"request_id": c.GetString("requestId"),
				"code":       string(e.Code),
				"error":      e.Err.Error(),
			})
		}
		Error(c, apperr.HTTPStatus(e.Code), string(e.Code), e.Message, e.Details)
		return
	}
	telemetry.Error("http.unhandled_error", map[string]any{
		"request_id": c.GetString("requestId"),
		"error":      errString(err),
	})
	Error(c, http.StatusInternalServerError, string(apperr.CodeInternal), "Unexpected server error", nil)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
