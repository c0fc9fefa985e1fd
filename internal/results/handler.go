package results

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/server/middleware"
	"compliance-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the results service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches result routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/results", h.list)
	rg.GET("/results/:id", h.get)
	rg.PUT("/results/:id/confirmation", h.confirm)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := h.Svc.List(c.Request.Context(), middleware.OrganizationIDFromContext(c), limit)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, gin.H{"items": recs})
}

func (h *Handler) get(c *gin.Context) {
	rec, err := h.Svc.Get(c.Request.Context(), middleware.OrganizationIDFromContext(c), c.Param("id"))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, rec)
}

func (h *Handler) confirm(c *gin.Context) {
	var scores Scores
	if err := c.ShouldBindJSON(&scores); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	rec, err := h.Svc.Confirm(c.Request.Context(), middleware.OrganizationIDFromContext(c), c.Param("id"), middleware.UserIDFromContext(c), scores)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, rec)
}
