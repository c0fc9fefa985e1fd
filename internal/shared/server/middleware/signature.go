package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/httpauth"
	"compliance-backend/internal/shared/server/respond"
)

const maxSignedBody = 1 << 20

// Signature verifies the HMAC signature header of internal callbacks.
// The body is restored so handlers can bind it.
func Signature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody))
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable body", nil)
			return
		}
		_ = c.Request.Body.Close()
		if !httpauth.Verify(secret, body, c.GetHeader(httpauth.SignatureHeader)) {
			respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid signature", nil)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
