package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/auth"
	"compliance-backend/internal/shared/server/respond"
)

const (
	userIDKey         = "userId"
	organizationIDKey = "organizationId"
	rolesKey          = "roles"

	// RoleAdmin grants the administrative config and queue routes.
	RoleAdmin = "admin"
)

// TokenVerifier checks a bearer token. *auth.Verifier satisfies it.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Auth validates bearer tokens and stores identity in context. A nil tokens
// rejects every bearer token. In dev-like environments the X-User-Id and
// X-Organization-Id headers are accepted instead.
func Auth(env string, tokens TokenVerifier) gin.HandlerFunc {
	devHeaders := allowsDevHeaders(env)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}

			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
			if token == "" {
				respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}

			if tokens == nil {
				respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "bearer tokens not accepted", nil)
				return
			}
			claims, err := tokens.Verify(token)
			if errors.Is(err, auth.ErrExpiredToken) {
				respond.Error(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired", nil)
				return
			}
			if err != nil {
				respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}

			setIdentity(c, claims.Sub, claims.Org, claims.Roles)
			c.Next()
			return
		}

		if devHeaders {
			userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
			orgID := strings.TrimSpace(c.GetHeader("X-Organization-Id"))
			if userID != "" && orgID != "" {
				setIdentity(c, userID, orgID, splitRoles(c.GetHeader("X-User-Roles")))
				c.Next()
				return
			}
		}

		respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing identity", nil)
	}
}

// RequireRole rejects requests whose identity lacks role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, role) {
			respond.Error(c, http.StatusForbidden, "FORBIDDEN", "insufficient role", map[string]string{"required": role})
			return
		}
		c.Next()
	}
}

// HasRole reports whether the authenticated identity carries role.
func HasRole(c *gin.Context, role string) bool {
	if c == nil {
		return false
	}
	val, _ := c.Get(rolesKey)
	roles, _ := val.([]string)
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// UserIDFromContext fetches the user ID set by the auth middleware.
func UserIDFromContext(c *gin.Context) string {
	return contextString(c, userIDKey)
}

// OrganizationIDFromContext fetches the organization ID set by the auth middleware.
func OrganizationIDFromContext(c *gin.Context) string {
	return contextString(c, organizationIDKey)
}

// RolesFromContext returns the roles set by the auth middleware.
func RolesFromContext(c *gin.Context) []string {
	if c == nil {
		return nil
	}
	val, _ := c.Get(rolesKey)
	roles, _ := val.([]string)
	return roles
}

func contextString(c *gin.Context, key string) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(key)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

func setIdentity(c *gin.Context, userID, orgID string, roles []string) {
	c.Set(userIDKey, userID)
	c.Set(organizationIDKey, orgID)
	c.Set(rolesKey, roles)
}

func splitRoles(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func allowsDevHeaders(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}
