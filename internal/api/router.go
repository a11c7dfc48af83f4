package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/ingest"
	"github.com/floodgate/floodgate/internal/middleware"
	"github.com/floodgate/floodgate/internal/store"
	"github.com/floodgate/floodgate/internal/stream"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, buf *buffer.Client, q store.Querier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	// CORS (if enabled)
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(
			cfg.CORS.AllowedOrigins,
			cfg.CORS.AllowedMethods,
			cfg.CORS.AllowedHeaders,
			cfg.CORS.MaxAgeSeconds,
		))
	}

	producer := ingest.NewProducer(buf)
	h := NewHandlers(buf, q, producer, cfg, logger)
	broadcaster := stream.NewBroadcaster(buf, cfg, logger)

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	r.Post("/messages", h.EnqueueMessage)
	r.Get("/messages", h.RecentMessages)
	r.Post("/simulate", h.Simulate)
	r.Get("/queue/status", h.QueueStatus)
	r.Delete("/reset", h.Reset)

	r.Get("/ws/stats", broadcaster.Serve)

	return r
}
