package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amillerrr/clip-pipeline/internal/api"
	"github.com/amillerrr/clip-pipeline/internal/app"
	"github.com/amillerrr/clip-pipeline/internal/auth"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/health"
	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/internal/observability"
	"github.com/amillerrr/clip-pipeline/internal/stream"
)

const (
	ServiceName           = "clipd"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Observability.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := observability.InitTracer(context.Background(), ServiceName, cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	pipeline, err := app.New(context.Background(), cfg, log, app.Options{})
	if err != nil {
		log.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.Store = pipeline.Store
	healthConfig.Warnings = pipeline.Board.Messages
	if pipeline.S3Client != nil && cfg.AWS.ProcessedBucket != "" {
		healthConfig.S3Client = pipeline.S3Client
		healthConfig.S3Bucket = cfg.AWS.ProcessedBucket
	}
	if pipeline.SQSClient != nil && cfg.UsesQueue() {
		healthConfig.SQSClient = pipeline.SQSClient
		healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL
	}

	handlers := api.NewHandlers(&api.HandlersConfig{
		Logger:   log,
		Ingester: pipeline.Service,
		Jobs:     pipeline.Tracker,
		Videos:   pipeline.Store,
		Streamer: stream.NewHandler(pipeline.Store, pipeline.Layout, cfg.Stream.ChunkSize, log),
		Layout:   pipeline.Layout,
	})

	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		JWTService:    jwtService,
		RateLimiter:   auth.NewRateLimiter(auth.DefaultRateLimiterConfig()),
		HealthChecker: health.NewChecker(healthConfig),
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pipeline.RunScheduledImports(ctx, cfg.Scan.Interval)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := pipeline.Close(shutdownCtx); err != nil {
		log.Error("Failed to drain pipeline", "error", err)
	}

	log.Info("Server shutdown complete")
}
