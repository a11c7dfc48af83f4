package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/coordinator"
	"github.com/floodgate/floodgate/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Logging)
	logger.Info("Starting Floodgate worker",
		"batch_size", cfg.Batch.Size,
		"batch_timeout_s", cfg.Batch.TimeoutSeconds,
	)

	// Run embedded migrations (compiled into the binary)
	if err := store.Migrate(cfg.Store); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	// Create context cancelled on SIGINT/SIGTERM; the coordinator flushes
	// staged messages before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store connection
	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("Store init failed: %v", err)
	}
	defer st.Close()

	buf := buffer.New(cfg.Buffer)
	defer buf.Close()

	coord := coordinator.New(buf, st, cfg, logger)
	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Coordinator stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker stopped gracefully")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	// Set log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Set format
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
