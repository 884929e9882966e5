package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/customeros/mailblast/api/middleware"
	"github.com/customeros/mailblast/api/rest/handlers"
	"github.com/customeros/mailblast/internal/metrics"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/services"
)

const appSource = "mailblast"

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(r *gin.Engine, s *services.Services, apikey string) {
	if s == nil {
		panic("Services cannot be nil")
	}

	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))
	r.Use(metrics.GinMiddleware())

	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// public endpoints hit from recipients' mail clients
	r.GET("/t/o/:trackingId", handlers.TrackOpen(s.TrackingService))
	r.GET("/t/c/:trackingId/:linkId", handlers.TrackClick(s.TrackingService))
	r.GET("/unsubscribe", handlers.Unsubscribe(s.TrackingService, s.SuppressionService))
	r.POST("/unsubscribe", handlers.Unsubscribe(s.TrackingService, s.SuppressionService))

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  middleware.APIKeyHeader,
		ValidAPIKey: apikey,
	})

	api := r.Group("/v1")
	api.Use(apiKeyMiddleware)
	api.Use(middleware.TenantMiddleware())
	api.Use(middleware.UserIdMiddleware())
	api.Use(middleware.CustomContextMiddleware(appSource))
	api.Use(middleware.TracingMiddleware())
	{
		operations := api.Group("/operations")
		{
			operations.GET("", handlers.ListOperations(s.OperationsService))
			operations.POST("/:name", handlers.RunOperation(s.OperationsService))
		}

		suppressions := api.Group("/suppressions")
		{
			suppressions.POST("", handlers.AddSuppression(s.SuppressionService))
			suppressions.POST("/import", handlers.ImportSuppressions(s.SuppressionService))
			suppressions.GET("/:email", handlers.GetSuppression(s.SuppressionService))
			suppressions.DELETE("/:email", handlers.RemoveSuppression(s.SuppressionService))
		}

		api.POST("/campaigns/:id/recipients", handlers.AddRecipients(s.DispatcherService))

		api.POST("/bounce-credentials",
			middleware.TenantValidationMiddleware(),
			handlers.CreateBounceCredential(s.BounceCredentialService))
	}
}
