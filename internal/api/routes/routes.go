package routes

import (
	"log/slog"
	"net/http"
	"time"

	"quota-backend/internal/api/handlers"
	"quota-backend/internal/api/middleware"
	"quota-backend/pkg/jwt"
	"quota-backend/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

type Dependencies struct {
	Engine   *ratelimit.Engine
	JWT      *jwt.JWTUtil
	Health   *handlers.HealthHandler
	Metrics  http.Handler
	Logger   *slog.Logger
	IPLimit  int
	IPWindow time.Duration
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	limitsHandler := handlers.NewLimitsHandler(deps.Engine)
	policyHandler := handlers.NewPolicyHandler(deps.Engine.Registry())
	banHandler := handlers.NewBanHandler(deps.Engine, deps.Logger)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.IPRateLimitMiddleware(deps.Engine, deps.IPLimit, deps.IPWindow, deps.Logger))

	// Public routes
	if deps.Health != nil {
		api.GET("/health", deps.Health.HealthCheck)
	}
	api.GET("/policies", policyHandler.ListTiers)
	api.GET("/policies/:tier", policyHandler.GetPolicy)

	// Protected routes
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(deps.JWT), middleware.APIRateLimitMiddleware(deps.Engine, deps.Logger))
	{
		protected.POST("/limits/check", limitsHandler.Check)

		admin := protected.Group("/admin")
		admin.Use(middleware.RequireRole("admin"))
		{
			admin.POST("/bans", banHandler.CreateBan)
			admin.GET("/bans/:identifier", banHandler.GetBan)
		}
	}
}
