// Package main is the entry point for the agentor coordinator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	bphandlers "github.com/agentor/agentor/internal/blueprint/handlers"
	bpservice "github.com/agentor/agentor/internal/blueprint/service"
	bpstore "github.com/agentor/agentor/internal/blueprint/store"
	"github.com/agentor/agentor/internal/callback"
	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/httpmw"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/common/tracing"
	"github.com/agentor/agentor/internal/coordinator"
	"github.com/agentor/agentor/internal/db"
	"github.com/agentor/agentor/internal/events"
	gateway "github.com/agentor/agentor/internal/gateway/websocket"
	runhandlers "github.com/agentor/agentor/internal/run/handlers"
	"github.com/agentor/agentor/internal/run/queue"
	runstore "github.com/agentor/agentor/internal/run/store"
	runnerhandlers "github.com/agentor/agentor/internal/runner/handlers"
	"github.com/agentor/agentor/internal/runner/registry"
	sesshandlers "github.com/agentor/agentor/internal/session/handlers"
	sessmodels "github.com/agentor/agentor/internal/session/models"
	sessservice "github.com/agentor/agentor/internal/session/service"
	sessstore "github.com/agentor/agentor/internal/session/store"
)

const serviceName = "agentor-coordinator"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentor coordinator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	// 4. Event bus: NATS when configured, in-memory otherwise
	eventBus, err := events.NewBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Stores
	sessionStore, err := sessstore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	runStore, err := runstore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize run store", zap.Error(err))
	}
	blueprintStore, err := bpstore.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize blueprint store", zap.Error(err))
	}

	// 6. Services
	sessions := sessservice.NewService(sessionStore, eventBus, log)
	blueprints := bpservice.NewService(blueprintStore, log)
	if cfg.Blueprints.SeedFile != "" {
		if err := blueprints.SeedFromFile(ctx, cfg.Blueprints.SeedFile); err != nil {
			log.Fatal("Failed to seed agent blueprints", zap.Error(err))
		}
	}

	// 7. Run queue: recover persisted runs before serving traffic
	runQueue := queue.New(runStore, eventBus, queue.Config{
		NoMatchTimeout: cfg.Queue.NoMatchTimeoutDuration(),
		SweepInterval:  cfg.Queue.SweepIntervalDuration(),
		RecoveryMode:   cfg.Queue.RecoveryMode,
		StaleThreshold: cfg.Queue.StaleThresholdDuration(),
	}, log)

	// 8. Runner registry
	reg := registry.New(eventBus, registry.Config{
		HeartbeatInterval: time.Duration(cfg.Runner.HeartbeatInterval) * time.Second,
		HeartbeatTimeout:  cfg.Runner.HeartbeatTimeoutDuration(),
		SweepInterval:     30 * time.Second,
	}, log)
	runQueue.SetWaker(reg)

	// 9. Callback orchestrator and coordinator
	callbacks := callback.New(sessions, runQueue, log)
	coord := coordinator.New(blueprints, sessions, runQueue, reg, callbacks,
		cfg.Queue.NoMatchTimeoutDuration(), log)

	if err := runQueue.Recover(ctx); err != nil {
		log.Fatal("Failed to recover run queue", zap.Error(err))
	}
	if err := runQueue.Start(ctx); err != nil {
		log.Fatal("Failed to start run queue", zap.Error(err))
	}
	defer runQueue.Stop()
	reg.Start(ctx)
	defer reg.Stop()

	// 10. Realtime hub, wired as the session broadcaster
	hub := gateway.NewHub(func(ctx context.Context) ([]*sessmodels.Session, error) {
		return sessions.List(ctx)
	}, log)
	go hub.Run(ctx)
	sessions.SetBroadcaster(gateway.NewNotifier(hub))

	// 11. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serviceName))
	router.Use(httpmw.OtelTracing(serviceName))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.Origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(httpmw.APIKeyAuth(cfg.Auth.Disabled, cfg.Auth.APIKey))

	// Routes are mounted on /api/v1 and aliased at the root for the
	// runner protocol's historical paths.
	v1 := router.Group("/api/v1")
	groups := []gin.IRouter{v1, router}

	bphandlers.RegisterRoutes(groups, blueprints, log)
	sesshandlers.RegisterRoutes(groups, sessions, coord, log)
	runhandlers.RegisterRoutes(groups, coord, log)
	runnerhandlers.RegisterRoutes(groups, reg, coord, runnerhandlers.Config{
		PollTimeout:       cfg.Runner.PollTimeoutDuration(),
		HeartbeatInterval: time.Duration(cfg.Runner.HeartbeatInterval) * time.Second,
	}, log)

	wsHandler := gateway.NewHandler(hub, log)
	wsHandler.RegisterRoutes(router)
	sseHandler := gateway.NewSSEHandler(hub, log)
	sseHandler.RegisterRoutes(v1)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 12. HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentor coordinator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agentor coordinator stopped")
}
