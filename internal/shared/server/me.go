package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/server/middleware"
	"compliance-backend/internal/shared/server/respond"
)

// registerMeRoutes attaches the /me endpoint.
func registerMeRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", meHandler)
}

func meHandler(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		respond.Error(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}

	roles := middleware.RolesFromContext(c)
	if roles == nil {
		roles = []string{}
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"userId":         userID,
		"organizationId": middleware.OrganizationIDFromContext(c),
		"roles":          roles,
		"admin":          middleware.HasRole(c, middleware.RoleAdmin),
	})
}
