package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/clip-pipeline/internal/app"
	"github.com/amillerrr/clip-pipeline/internal/config"
	"github.com/amillerrr/clip-pipeline/internal/health"
	"github.com/amillerrr/clip-pipeline/internal/logger"
	"github.com/amillerrr/clip-pipeline/internal/observability"
	"github.com/amillerrr/clip-pipeline/internal/queue"
)

const (
	ServiceName           = "clip-worker"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on system ENV variables")
	}

	cfg, err := config.LoadWorker()
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
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := pipeline.Close(ctx); err != nil {
			log.Error("Failed to close pipeline", "error", err)
		}
	}()

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.Store = pipeline.Store
	healthConfig.SQSClient = pipeline.SQSClient
	healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL
	healthConfig.Warnings = pipeline.Board.Messages
	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, health.NewChecker(healthConfig), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down worker...")
		cancel()
	}()

	consumer := queue.NewConsumer(pipeline.SQSClient, cfg.AWS.SQSQueueURL, cfg.Worker.PoolSize, pipeline.Processor.Handle, log)
	log.Info("Worker started", "queue", cfg.AWS.SQSQueueURL, "maxConcurrent", cfg.Worker.PoolSize)
	consumer.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
