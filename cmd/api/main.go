package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ordering-engine/backend/internal/api/handlers"
	"github.com/ordering-engine/backend/internal/cache/redis"
	"github.com/ordering-engine/backend/internal/metrics"
	"github.com/ordering-engine/backend/internal/middleware/ratelimit"
	"github.com/ordering-engine/backend/internal/middleware/security"
	"github.com/ordering-engine/backend/internal/pipeline"
	"github.com/ordering-engine/backend/internal/storage/sqlite"
	"github.com/ordering-engine/backend/pkg/config"
	appLogger "github.com/ordering-engine/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ordering engine API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cache pipeline.ForecastCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			appLogger.Warn("Redis unavailable, serving predictions from SQLite only", zap.Error(err))
		} else {
			defer redisClient.Close()
			cache = redisClient
		}
	}

	svc := pipeline.NewService(sqliteClient, cache, cfg.Pipeline, cfg.Forecast)

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if cfg.Pipeline.Schedule != "" {
		_, err = scheduler.AddFunc(cfg.Pipeline.Schedule, func() {
			appLogger.Info("Scheduled pipeline run starting")
			if err := svc.RunAllUsers(runCtx, cfg.Pipeline.Concurrency); err != nil {
				appLogger.Error("Scheduled pipeline run had failures", zap.Error(err))
			}
		})
		if err != nil {
			appLogger.Fatal("Invalid pipeline schedule", zap.String("schedule", cfg.Pipeline.Schedule), zap.Error(err))
		}
		scheduler.Start()
		appLogger.Info("Pipeline scheduler started", zap.String("schedule", cfg.Pipeline.Schedule))
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.Log,
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: strings.Split(cfg.Server.AllowOrigins, ","),
		IsDevelopment:  cfg.Server.IsDevelopment,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/api/v1/users", limiter.Middleware())

	handlers.Register(app, svc, sqliteClient.Ping)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	cancelRuns()
	<-scheduler.Stop().Done()
	if err := app.Shutdown(); err != nil {
		appLogger.Warn("Server shutdown returned an error", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
