package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floodgate/floodgate/internal/api"
	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
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
	logger.Info("Starting Floodgate API",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"batch_size", cfg.Batch.Size,
	)

	// Run embedded migrations (compiled into the binary)
	if err := store.Migrate(cfg.Store); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	// Initialize store connection
	st, err := store.New(context.Background(), cfg.Store, logger)
	if err != nil {
		log.Fatalf("Store init failed: %v", err)
	}
	defer st.Close()

	// The buffer client connects lazily: the API keeps serving and reports
	// degraded health while the buffer is away.
	buf := buffer.New(cfg.Buffer)
	defer buf.Close()

	// Create API router
	router := api.NewRouter(cfg, buf, st, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
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
