package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/callmanager"
	"github.com/interchatapp/interchat-calls/internal/callstate"
	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/internal/coordinator"
	"github.com/interchatapp/interchat-calls/internal/database"
	"github.com/interchatapp/interchat-calls/internal/events"
	opsHandler "github.com/interchatapp/interchat-calls/internal/handler/http/ops"
	"github.com/interchatapp/interchat-calls/internal/matching"
	"github.com/interchatapp/interchat-calls/internal/queue"
	pgRepo "github.com/interchatapp/interchat-calls/internal/repository/postgres"
	"github.com/interchatapp/interchat-calls/internal/repository/redisrepo"
	"github.com/interchatapp/interchat-calls/pkg/logger"
	"github.com/interchatapp/interchat-calls/pkg/metrics"
)

func main() {
	// 1. Load configuration
	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.Server.ClusterID == "" {
		cfg.Server.ClusterID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting call worker", zap.String("cluster_id", cfg.Server.ClusterID))

	// 3. Initialize metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ClusterID)

	// 4. Connect to Redis with degraded mode support
	redisDB := database.NewRedisClient(&cfg.Redis)
	defer redisDB.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	redisDB.StartHealthCheck(rootCtx, 10*time.Second)
	logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))

	// 5. Connect to Postgres
	postgresDB, err := database.NewPostgresDB(rootCtx, &cfg.Postgres)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer postgresDB.Close()
	logger.Info("Connected to Postgres", zap.String("host", cfg.Postgres.Host))

	// 6. Initialize repositories
	queueRepo := redisrepo.NewQueueRepository(redisDB, cfg.Queue)
	callRepo := redisrepo.NewCallRepository(redisDB)
	cooldownRepo := redisrepo.NewCooldownRepository(redisDB, cfg.Matching.CooldownWindow)
	leaseRepo := redisrepo.NewLeaseRepository(redisDB)
	endedRepo := pgRepo.NewEndedCallRepository(postgresDB.Pool)

	// 7. Initialize event plumbing
	bus := events.NewBus(64)
	bridge := events.NewRedisBridge(redisDB, bus)
	if err := bridge.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start event bridge", zap.Error(err))
	}

	// 8. Initialize core components
	queueMgr := queue.NewManager(queueRepo, cfg.Queue, appMetrics)
	coord := coordinator.New(leaseRepo, cfg.Coordinator, cfg.Server.ClusterID, appMetrics)
	stateStore := callstate.NewStore(callRepo, endedRepo, cfg.State, appMetrics)
	engine := matching.NewEngine(queueMgr, stateStore, cooldownRepo, coord, bus, cfg.Matching, appMetrics)

	manager := callmanager.NewManager(queueMgr, stateStore, engine, coord, bus, cfg.State.SweepInterval)
	if err := manager.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start call manager", zap.Error(err))
	}

	// 9. Setup ops HTTP surface
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	ops := opsHandler.NewHandler(manager, redisDB, postgresDB, cfg.Server.ClusterID)
	ops.RegisterRoutes(router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Ops server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start ops server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server forced to shutdown", zap.Error(err))
	}

	manager.Stop()
	bridge.Stop()
	bus.Close()
	rootCancel()

	logger.Info("Call worker exited")
}
