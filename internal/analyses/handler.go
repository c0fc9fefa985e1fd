package analyses

import (
	"context"
	"math"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/server/middleware"
	"compliance-backend/internal/shared/server/respond"
)

// pollRule allows one progress poll per second per caller and analysis.
var pollRule = middleware.RateLimitRule{Rate: 1, Burst: 1}

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service

	// Polls throttles GET /analyses/:id. Nil disables the per-analysis limit.
	Polls *middleware.RateLimiter
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc, Polls: middleware.NewRateLimiter(nil)}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.start)
	rg.GET("/analyses", h.listActive)
	rg.GET("/analyses/:id", h.progress)
	rg.DELETE("/analyses/:id", h.cancel)
}

func (h *Handler) start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	req.OrganizationID = middleware.OrganizationIDFromContext(c)
	req.UserID = middleware.UserIDFromContext(c)

	job, err := h.Svc.StartAnalysis(requestContext(c), req)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	middleware.TagAnalysis(c, job.ID, "->"+string(job.Status))
	respond.Accepted(c, path.Join(c.Request.URL.Path, job.ID), gin.H{
		"analysisId": job.ID,
		"status":     job.Status,
	})
}

func (h *Handler) progress(c *gin.Context) {
	id := c.Param("id")
	orgID := middleware.OrganizationIDFromContext(c)
	key := orgID + "/" + middleware.UserIDFromContext(c) + "|poll|" + id
	if wait, ok := h.Polls.Take(key, pollRule); !ok {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		respond.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "polling too frequently", gin.H{"retryAfterMs": wait.Milliseconds()})
		return
	}
	p, err := h.Svc.Get(c.Request.Context(), orgID, id)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, p)
}

func (h *Handler) cancel(c *gin.Context) {
	job, err := h.Svc.CancelAnalysis(requestContext(c), middleware.OrganizationIDFromContext(c), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		respond.FromError(c, err)
		return
	}
	message := "analysis cancelled"
	if job.Status != StatusCancelled {
		message = "analysis already " + string(job.Status)
		middleware.TagAnalysis(c, job.ID, "")
	} else {
		middleware.TagAnalysis(c, job.ID, "->"+string(StatusCancelled))
	}
	respond.OK(c, gin.H{
		"analysisId": job.ID,
		"status":     job.Status,
		"message":    message,
	})
}

func (h *Handler) listActive(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	page, err := h.Svc.ListActiveAnalyses(c.Request.Context(),
		OrganizationScope(middleware.OrganizationIDFromContext(c)),
		Page{Limit: limit, Offset: offset})
	if err != nil {
		respond.FromError(c, err)
		return
	}
	respond.OK(c, page)
}

// CallbackHandler serves the analyzer callback. Mount it behind middleware.Signature.
type CallbackHandler struct {
	Svc *Service
}

// NewCallbackHandler constructs a CallbackHandler.
func NewCallbackHandler(svc *Service) *CallbackHandler {
	return &CallbackHandler{Svc: svc}
}

// RegisterRoutes attaches the callback route to the router group.
func (h *CallbackHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses/:id/callback", h.callback)
}

func (h *CallbackHandler) callback(c *gin.Context) {
	var cb Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		respond.FromError(c, apperr.Validation("invalid JSON body", nil))
		return
	}
	job, err := h.Svc.ApplyCallback(requestContext(c), c.Param("id"), cb)
	if err != nil {
		respond.FromError(c, err)
		return
	}
	middleware.TagAnalysis(c, job.ID, "->"+string(job.Status))
	respond.OK(c, gin.H{
		"analysisId":      job.ID,
		"status":          job.Status,
		"progressPercent": job.ProgressPercent,
	})
}

func requestContext(c *gin.Context) context.Context {
	return WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
}
