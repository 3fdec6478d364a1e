package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"qtrain_backend/config"
	"qtrain_backend/models"
	"qtrain_backend/routes"
	"qtrain_backend/scheduler"
	"qtrain_backend/services/audit"
	"qtrain_backend/services/eventbus"
	"qtrain_backend/services/executor"
	"qtrain_backend/services/metrics"
	"qtrain_backend/services/orchestrator"
	"qtrain_backend/services/realtime"
	"qtrain_backend/services/store"

	"github.com/gin-gonic/gin"
)

// dbInitialized tracks whether database has been successfully initialized
// This global variable is used for thread-safe access across goroutines to allow
// the /ready health endpoint to dynamically check database status
var dbInitialized bool
var dbInitMutex sync.RWMutex

// backgroundServices holds the service handles created by the background init
// goroutine. The mutex covers the handoff to the shutdown path, which may run
// before, during or after initialization.
type backgroundServices struct {
	mu        sync.RWMutex
	scheduler *scheduler.Scheduler
	manager   *realtime.Manager
	orch      *orchestrator.Orchestrator
	archive   *metrics.Archive
}

func (s *backgroundServices) set(sched *scheduler.Scheduler, mgr *realtime.Manager, orch *orchestrator.Orchestrator, archive *metrics.Archive) {
	s.mu.Lock()
	s.scheduler = sched
	s.manager = mgr
	s.orch = orch
	s.archive = archive
	s.mu.Unlock()
}

// stopAll stops whatever was initialized; services that never came up are nil
func (s *backgroundServices) stopAll() {
	s.mu.RLock()
	sched, mgr, orch, archive := s.scheduler, s.manager, s.orch, s.archive
	s.mu.RUnlock()

	if sched != nil {
		sched.Stop()
	}
	if mgr != nil {
		mgr.Shutdown()
	}
	if orch != nil {
		orch.Shutdown()
	}
	if archive != nil {
		archive.Close()
	}
}

func main() {
	log.Println("==============================================")
	log.Println("  QTrain Backend API - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	// Setup health check endpoints FIRST so the platform can detect the
	// service is up. Database will be initialized in background.
	setupHealthEndpoints(router)

	// Create HTTP server. WriteTimeout is left unset because WebSocket
	// connections are long-lived; per-message deadlines are enforced by the
	// connection manager.
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server IMMEDIATELY so the platform knows we're listening
	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Initialize database and services in background
	services := &backgroundServices{}
	go func() {
		// Initialize database connection
		db, err := config.InitDB()
		if err != nil {
			log.Printf("ERROR: Database connection failed: %v", err)
			log.Println("Service will continue in limited mode (health check only)")
			return
		}

		// Run database migrations
		log.Println("Running database migrations...")
		if err := models.MigrateSessionModels(db); err != nil {
			log.Printf("ERROR: Migration failed: %v", err)
		} else {
			log.Println("Database migrations completed successfully")
		}

		// Session store, warmed with active sessions so restarts keep
		// serving status queries
		st := store.NewStore(db)
		if err := st.LoadActive(); err != nil {
			log.Printf("Warning: Could not load active sessions: %v", err)
		}

		bus := eventbus.NewBus()

		// Optional MongoDB archive for raw metric history
		archive, err := metrics.NewArchive(cfg.MongoURI)
		if err != nil {
			log.Printf("MongoDB not configured or failed to connect: %v", err)
		}

		window := time.Duration(cfg.MetricsThrottleMS) * time.Millisecond
		collector := metrics.NewCollector(db, st, bus, window, archive)

		// Pick the training executor: remote when a base URL is configured,
		// otherwise the in-process simulated one
		var exec executor.Executor
		var sim *executor.Simulated
		if cfg.ExecutorURL != "" {
			exec = executor.NewRemote(cfg.ExecutorURL)
			log.Printf("Using remote executor at %s", cfg.ExecutorURL)
		} else {
			sim = executor.NewSimulated(collector)
			exec = sim
			log.Println("Using in-process simulated executor")
		}

		grace := time.Duration(cfg.StopGraceTimeoutMS) * time.Millisecond
		orch := orchestrator.NewOrchestrator(st, bus, exec, grace)
		if sim != nil {
			sim.SetReporter(orch)
		}

		recorder := audit.NewRecorder(db, bus)

		// WebSocket connection manager. Session visibility is open to any
		// authenticated platform user for now; ownership checks belong to the
		// strategy service.
		manager := realtime.NewManager(st, bus, realtime.AuthorizerFunc(func(userID, sessionID string) bool {
			return userID != ""
		}))

		// Mark database as ready
		dbInitMutex.Lock()
		dbInitialized = true
		dbInitMutex.Unlock()

		// Setup all API routes
		routes.SetupRoutes(router, routes.Deps{
			DB:        db,
			Store:     st,
			Orch:      orch,
			Collector: collector,
			Recorder:  recorder,
			Manager:   manager,
		})

		// Start background scheduler
		jobScheduler := scheduler.NewScheduler(db, st)
		go jobScheduler.Start()

		services.set(jobScheduler, manager, orch, archive)

		log.Println("Application fully initialized with database")
	}()

	// Graceful shutdown
	gracefulShutdown(server, services.stopAll)
}

// setupHealthEndpoints sets up health check endpoints
func setupHealthEndpoints(router *gin.Engine) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "QTrain Backend API",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks if service is ready to receive traffic
	router.GET("/ready", func(c *gin.Context) {
		dbInitMutex.RLock()
		isDBReady := dbInitialized
		dbInitMutex.RUnlock()

		if !isDBReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database not connected",
			})
			return
		}

		// Check database connection
		sqlDB, err := config.DB.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}

		if err := sqlDB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})

	// Startup probe - can be used for initial health check
	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "started",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests in production
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, stopServices func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop background services before the HTTP listener so in-flight
	// sessions get their cancel signal
	stopServices()

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Close database connection
	if config.DB != nil {
		sqlDB, err := config.DB.DB()
		if err == nil {
			sqlDB.Close()
			log.Println("Database connection closed")
		}
	}

	log.Println("Server shutdown completed")
}
