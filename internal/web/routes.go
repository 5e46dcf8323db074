package web

import (
	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/tracsync/internal/config"
)

// NewRouter creates the gin engine with global middleware and all routes.
func NewRouter(cfg *config.Config, h *Handlers) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())

	SetupRoutes(r, h, cfg.RateLimiting)
	return r
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, limits config.RateLimitConfig) {
	// Health endpoints (no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	api := r.Group("/api")
	api.Use(RateLimiter(limits.RPS, limits.Burst))
	api.Use(RequireJSONContentType())
	{
		api.GET("/orgs", h.APIListOrgs)
		api.GET("/orgs/:id/status", h.APIGetOrgStatus)
		api.GET("/orgs/:id/logs", h.APIGetOrgLogs)
		api.GET("/orgs/:id/failures", h.APIGetOrgFailures)
		api.DELETE("/orgs/:id/cursors/:family", h.APIResetCursor)
		api.GET("/orgs/:id/regions", h.APIListRegions)
		api.PUT("/orgs/:id/regions/:regionID/parent", h.APISetRegionParent)
		api.GET("/orgs/:id/polls/:pollID/runs", h.APIListPollRuns)
		api.GET("/orgs/:id/contacts/:contactID/responses", h.APIListContactResponses)
		api.GET("/activity", h.APIActivity)
	}

	// Manual passes hit the remote API, so they get a stricter limit.
	syncAPI := r.Group("/api")
	syncAPI.Use(RateLimiter(1, 3))
	syncAPI.Use(RequireJSONContentType())
	{
		syncAPI.POST("/orgs/:id/sync", h.APITriggerSync)
	}
}
