package parameters

import (
	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/server/middleware"
	"compliance-backend/internal/shared/server/respond"
)

// Handler exposes the engine over HTTP. None of the routes start analyses.
type Handler struct {
	Engine *Engine
}

// NewHandler constructs a Handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{Engine: engine}
}

// RegisterRoutes attaches parameter routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/parameters", h.generate)
	rg.POST("/parameters/refresh", h.refresh)
	rg.POST("/parameters/optimize", h.optimize)
	rg.GET("/parameters/stats", middleware.RequireRole(middleware.RoleAdmin), h.stats)
}

func (h *Handler) generate(c *gin.Context) {
	params, err := h.Engine.Generate(c.Request.Context(), middleware.OrganizationIDFromContext(c))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, params)
}

// refresh clears the caller's entry; admins may pass scope=all to clear every entry.
func (h *Handler) refresh(c *gin.Context) {
	if c.Query("scope") == "all" && middleware.HasRole(c, middleware.RoleAdmin) {
		h.Engine.ClearCache("")
		respond.OK(c, gin.H{"cleared": "all"})
		return
	}
	params, err := h.Engine.Refresh(c.Request.Context(), middleware.OrganizationIDFromContext(c))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, params)
}

func (h *Handler) optimize(c *gin.Context) {
	opt, err := h.Engine.Optimize(c.Request.Context(), middleware.OrganizationIDFromContext(c))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, opt)
}

func (h *Handler) stats(c *gin.Context) {
	respond.OK(c, h.Engine.Stats())
}
