package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/server/respond"
	"compliance-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into an INTERNAL_ERROR response. When the
// handler already wrote headers the connection is only aborted.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			telemetry.Error("http.panic", map[string]any{
				"request_id":      RequestIDFromContext(c),
				"organization_id": OrganizationIDFromContext(c),
				"analysis_id":     c.GetString(analysisIDKey),
				"route":           c.FullPath(),
				"method":          c.Request.Method,
				"panic":           fmt.Sprint(rec),
				"stack":           string(debug.Stack()),
			})
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respond.FromError(c, apperr.New(apperr.CodeInternal, "Unexpected server error", nil))
		}()
		c.Next()
	}
}
