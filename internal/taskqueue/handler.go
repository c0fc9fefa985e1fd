package taskqueue

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/server/respond"
	"compliance-backend/internal/shared/telemetry"
)

// Handler exposes administrative queue controls.
type Handler struct {
	Client Client
}

// NewHandler constructs a Handler.
func NewHandler(client Client) *Handler {
	return &Handler{Client: client}
}

// RegisterRoutes attaches queue routes to rg, which must already require the admin role.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/queue/stats", h.stats)
	rg.GET("/queue/pending", h.pending)
	rg.POST("/queue/pause", h.pause)
	rg.POST("/queue/resume", h.resume)
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.Client.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, st)
}

func (h *Handler) pending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := h.Client.ListPending(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, gin.H{"items": tasks, "count": len(tasks)})
}

func (h *Handler) pause(c *gin.Context) {
	if err := h.Client.Pause(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	telemetry.Info("queue.paused", map[string]any{"user_id": c.GetString("userId")})
	respond.OK(c, gin.H{"paused": true})
}

func (h *Handler) resume(c *gin.Context) {
	if err := h.Client.Resume(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	telemetry.Info("queue.resumed", map[string]any{"user_id": c.GetString("userId")})
	respond.OK(c, gin.H{"paused": false})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, ErrNotSupported) {
		respond.Error(c, http.StatusNotImplemented, "NOT_SUPPORTED", err.Error(), nil)
		return
	}
	respond.FromError(c, apperr.Unavailable("task queue unavailable", err))
}
