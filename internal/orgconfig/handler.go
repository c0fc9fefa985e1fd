package orgconfig

import (
	"path"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/server/middleware"
	"compliance-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the config service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches config routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/configs/active", h.getActive)
	rg.GET("/configs", h.list)
	rg.GET("/configs/:id", h.get)
	rg.POST("/configs/validate", h.validate)
	rg.GET("/presets", h.presets)

	admin := rg.Group("", middleware.RequireRole(middleware.RoleAdmin))
	admin.POST("/configs", h.create)
	admin.PUT("/configs/:id", h.update)
	admin.POST("/configs/:id/clone", h.clone)
	admin.POST("/configs/:id/activate", h.activate)
}

func (h *Handler) getActive(c *gin.Context) {
	cfg, err := h.Svc.Resolve(c.Request.Context(), middleware.OrganizationIDFromContext(c))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, cfg)
}

func (h *Handler) list(c *gin.Context) {
	cfgs, err := h.Svc.List(c.Request.Context(), middleware.OrganizationIDFromContext(c))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, gin.H{"items": cfgs})
}

func (h *Handler) get(c *gin.Context) {
	cfg, err := h.Svc.Get(c.Request.Context(), middleware.OrganizationIDFromContext(c), c.Param("id"))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, cfg)
}

func (h *Handler) validate(c *gin.Context) {
	var cfg Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	respond.OK(c, h.Svc.Validate(cfg))
}

func (h *Handler) presets(c *gin.Context) {
	respond.OK(c, gin.H{"items": h.Svc.Presets()})
}

func (h *Handler) create(c *gin.Context) {
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	cfg, err := h.Svc.Create(c.Request.Context(), middleware.OrganizationIDFromContext(c), middleware.UserIDFromContext(c), in)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.Created(c, path.Join(c.Request.URL.Path, cfg.ID), cfg)
}

func (h *Handler) update(c *gin.Context) {
	var in UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	cfg, err := h.Svc.Update(c.Request.Context(), middleware.OrganizationIDFromContext(c), c.Param("id"), in)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, cfg)
}

type cloneRequest struct {
	Name string `json:"name"`
}

func (h *Handler) clone(c *gin.Context) {
	var req cloneRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.FromError(c, apperr.Validation("invalid JSON body", nil))
			return
		}
	}
	cfg, err := h.Svc.Clone(c.Request.Context(), middleware.OrganizationIDFromContext(c), c.Param("id"), middleware.UserIDFromContext(c), req.Name)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	// POST /configs/:id/clone -> /configs/:newID
	respond.Created(c, path.Join(path.Dir(path.Dir(c.Request.URL.Path)), cfg.ID), cfg)
}

type activateRequest struct {
	ExpectedVersion int `json:"expectedVersion"`
}

func (h *Handler) activate(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	cfg, err := h.Svc.Activate(c.Request.Context(), middleware.OrganizationIDFromContext(c), c.Param("id"), req.ExpectedVersion)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, cfg)
}
