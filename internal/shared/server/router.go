package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"compliance-backend/internal/analyses"
	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/parameters"
	"compliance-backend/internal/results"
	"compliance-backend/internal/services/health"
	"compliance-backend/internal/shared/config"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/server/middleware"
	"compliance-backend/internal/shared/server/respond"
	"compliance-backend/internal/taskqueue"
	"compliance-backend/internal/workerproc"
)

// RouterDeps carries the handlers mounted by NewRouter. Nil handlers are skipped.
type RouterDeps struct {
	Config            config.Config
	Health            *health.Service
	AnalysisHandler   *analyses.Handler
	CallbackHandler   *analyses.CallbackHandler
	TaskHandler       *workerproc.TaskHandler
	ConfigHandler     *orgconfig.Handler
	ParametersHandler *parameters.Handler
	ResultsHandler    *results.Handler
	QueueHandler      *taskqueue.Handler
	RateLimiter       *middleware.RateLimiter
	Tokens            middleware.TokenVerifier
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	healthSvc := deps.Health
	if healthSvc == nil {
		healthSvc = health.NewService()
	}
	healthHandler := func(c *gin.Context) {
		report := healthSvc.Status(c.Request.Context())
		status := http.StatusOK
		if !report.OK {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, report)
	}
	r.GET("/health", healthHandler)
	r.GET("/metrics", metrics.Handler())

	// Internal routes are machine-to-machine and authenticated by body signature.
	if deps.Config.CallbackSecret != "" {
		internal := r.Group("/internal", middleware.Signature(deps.Config.CallbackSecret))
		if deps.CallbackHandler != nil {
			deps.CallbackHandler.RegisterRoutes(internal)
		}
		if deps.TaskHandler != nil {
			deps.TaskHandler.RegisterRoutes(internal)
		}
	}

	api := r.Group("/api/v1")
	api.GET("/health", healthHandler)
	api.Use(
		middleware.Auth(deps.Config.Env, deps.Tokens),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: "DEFAULT",
			GroupFor:     rateLimitGroup,
			Limiter:      deps.RateLimiter,
			Rules: map[string]middleware.RateLimitRule{
				"DEFAULT": {Rate: 5, Burst: 20},
				"POLLING": {Rate: 10, Burst: 30},
				"START":   {Rate: 1, Burst: 10},
			},
		}),
	)
	registerMeRoutes(api)
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(api)
	}
	if deps.ConfigHandler != nil {
		deps.ConfigHandler.RegisterRoutes(api)
	}
	if deps.ParametersHandler != nil {
		deps.ParametersHandler.RegisterRoutes(api)
	}
	if deps.ResultsHandler != nil {
		deps.ResultsHandler.RegisterRoutes(api)
	}
	if deps.QueueHandler != nil {
		admin := api.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
		deps.QueueHandler.RegisterRoutes(admin)
	}

	return r
}

func rateLimitGroup(c *gin.Context) string {
	switch {
	case c.Request.Method == http.MethodGet && c.FullPath() == "/api/v1/analyses/:id":
		return "POLLING"
	case c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/analyses":
		return "START"
	default:
		return "DEFAULT"
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
