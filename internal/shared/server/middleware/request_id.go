package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions. The local
// dispatcher forwards it to the worker endpoint so a job keeps one ID from
// start to completion.
const RequestIDHeader = "X-Request-Id"

const (
	requestIDKey        = "requestId"
	analysisIDKey       = "analysisId"
	statusTransitionKey = "statusTransition"

	maxRequestIDLen = 128
)

// RequestID reuses a well-formed inbound ID or mints a UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext fetches the request ID stored by RequestID middleware.
func RequestIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(requestIDKey)
}

// TagAnalysis records the analysis a request touched and, when non-empty,
// the status change it caused. Logging emits both.
func TagAnalysis(c *gin.Context, analysisID, transition string) {
	if analysisID != "" {
		c.Set(analysisIDKey, analysisID)
	}
	if transition != "" {
		c.Set(statusTransitionKey, transition)
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}
