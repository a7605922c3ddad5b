package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autoreply_worker/config"
	"autoreply_worker/internal/bootstrap"
	"autoreply_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all, once")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "autoreply",
		Pretty:  cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	switch *mode {
	case "once":
		if err := runOnce(ctx, deps); err != nil {
			cleanup()
			os.Exit(1)
		}
	case "api":
		runAPI(ctx, cfg, bootstrap.NewAPI(deps))
	case "worker":
		runWorker(ctx, bootstrap.NewWorker(deps))
	case "all":
		w := bootstrap.NewWorker(deps)
		w.Start()
		runAPI(ctx, cfg, bootstrap.NewAPI(deps))
		stopWorker(w)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runOnce(ctx context.Context, deps *bootstrap.Dependencies) error {
	summary, err := bootstrap.NewWorker(deps).RunOnce(ctx)
	if err != nil {
		logger.WithError(err).Error().Msg("Poll cycle failed")
		return err
	}
	logger.WithDuration(summary.Duration).Info().Msgf("Poll cycle %s: listed=%d candidates=%d sent=%d failed=%d",
		summary.ID, summary.Listed, summary.Candidates, summary.Sent(), summary.Failed)
	return nil
}

func runAPI(ctx context.Context, cfg *config.Config, app *fiber.App) {
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
		} else {
			logger.Info("API server shut down gracefully")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func runWorker(ctx context.Context, w *bootstrap.Worker) {
	logger.Info("Starting worker...")
	w.Start()
	<-ctx.Done()
	stopWorker(w)
}

func stopWorker(w *bootstrap.Worker) {
	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := w.Stop(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Worker shutdown timed out, forcing exit")
			os.Exit(1)
		}
		logger.Error("Error stopping worker: %v", err)
		return
	}
	logger.Info("Worker shut down gracefully")
}
