package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/telemetry"
)

// Logging emits one structured line per request. Preflights and the health
// check are skipped; 5xx responses log at error level.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "/health" {
			return
		}
		status := c.Writer.Status()
		fields := map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"route":             route,
			"path":              c.Request.URL.Path,
			"status":            status,
			"duration_ms":       float64(time.Since(start).Microseconds()) / 1000.0,
			"user_id":           UserIDFromContext(c),
			"organization_id":   OrganizationIDFromContext(c),
			"analysis_id":       c.GetString(analysisIDKey),
			"status_transition": c.GetString(statusTransitionKey),
			"client_ip":         c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		if status >= http.StatusInternalServerError {
			telemetry.Error("request.complete", fields)
			return
		}
		telemetry.Info("request.complete", fields)
	}
}
