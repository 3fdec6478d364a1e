package routes

import (
	"qtrain_backend/config"
	"qtrain_backend/controllers"
	"qtrain_backend/middleware"
	"qtrain_backend/services/audit"
	"qtrain_backend/services/metrics"
	"qtrain_backend/services/orchestrator"
	"qtrain_backend/services/realtime"
	"qtrain_backend/services/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps holds the shared services the route handlers are built on
type Deps struct {
	DB        *gorm.DB
	Store     *store.Store
	Orch      *orchestrator.Orchestrator
	Collector *metrics.Collector
	Recorder  *audit.Recorder
	Manager   *realtime.Manager
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	// Initialize controllers
	trainingController := controllers.NewTrainingController(deps.DB, deps.Store, deps.Orch, deps.Recorder)
	executorController := controllers.NewExecutorController(deps.Orch, deps.Collector)

	// API v1 group
	api := router.Group("/api/v1")
	api.Use(middleware.JWTAuthMiddleware())
	{
		// Training session routes
		training := api.Group("/training")
		{
			training.POST("/:id/start", trainingController.StartTraining)
			training.POST("/:id/pause", trainingController.PauseTraining)
			training.POST("/:id/resume", trainingController.ResumeTraining)
			training.POST("/:id/stop", trainingController.StopTraining)
			training.GET("/:id/status", trainingController.GetTrainingStatus)
			training.GET("/active", trainingController.GetActiveSessions)
		}
	}

	// WebSocket endpoint. The JWT middleware accepts a token query
	// parameter here because browser WebSocket clients cannot set headers.
	router.GET("/ws", middleware.JWTAuthMiddleware(), deps.Manager.HandleWebSocket)

	// Executor callback routes, shared-key authenticated
	internal := router.Group("/internal/executor")
	internal.Use(middleware.ExecutorKeyMiddleware(config.AppConfig.ExecutorKeyHash))
	{
		internal.POST("/:id/event", executorController.ReportEvent)
		internal.POST("/:id/metrics", executorController.ReportMetrics)
	}
}
