// Package api serves the REST surface of the ingestion pipeline.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/floodgate/floodgate/internal/api/common"
	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/ingest"
	"github.com/floodgate/floodgate/internal/store"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500

	defaultBurstCount = 500
)

// Handlers carries the dependencies of the REST endpoints
type Handlers struct {
	buf      *buffer.Client
	store    store.Querier
	producer *ingest.Producer
	cfg      *config.Config
	logger   *slog.Logger
}

func NewHandlers(buf *buffer.Client, q store.Querier, producer *ingest.Producer, cfg *config.Config, logger *slog.Logger) *Handlers {
	return &Handlers{buf: buf, store: q, producer: producer, cfg: cfg, logger: logger}
}

// EnqueueResponse acknowledges an accepted message. The 202 reflects that
// the message is queued, not yet persisted.
type EnqueueResponse struct {
	TrackingID string `json:"tracking_id"`
	QueuedAt   string `json:"queued_at"`
}

// SimulateRequest configures a burst. A missing count falls back to the
// default burst size.
type SimulateRequest struct {
	Count *int `json:"count" validate:"omitempty,gte=1,lte=10000"`
}

// SimulateResponse returns the burst's tracking ids along with hints
// derived from the requested count and the batch threshold.
type SimulateResponse struct {
	TrackingIDs             []string `json:"tracking_ids"`
	Count                   int      `json:"count"`
	ExpectedCompleteBatches int      `json:"expected_complete_batches"`
	ExpectedRemainingQueued int      `json:"expected_remaining_queued"`
}

// HealthResponse reports liveness plus buffer connectivity
type HealthResponse struct {
	Status      string `json:"status"`
	Buffer      string `json:"buffer"`
	QueueLength int64  `json:"queue_length"`
}

// ResetResponse reports what the administrative reset removed
type ResetResponse struct {
	DeletedMessages int64 `json:"deleted_messages"`
	ClearedQueue    int64 `json:"cleared_queue"`
}

// Root describes the service and its surface
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	common.SendJSON(w, http.StatusOK, map[string]interface{}{
		"service": "floodgate message ingestor",
		"status":  "running",
		"batch_config": map[string]int{
			"batch_size":      h.cfg.Batch.Size,
			"timeout_seconds": h.cfg.Batch.TimeoutSeconds,
		},
		"endpoints": map[string]string{
			"POST /messages":    "Submit a new message to the queue",
			"POST /simulate":    "Run burst simulation with configurable count",
			"GET /messages":     "Get last N messages from the store",
			"GET /health":       "Health check",
			"GET /queue/status": "Current queue status and pending messages",
			"DELETE /reset":     "Clear stored messages and the pending queue",
			"WS /ws/stats":      "Real-time stats and batch events",
		},
	})
}

// EnqueueMessage validates one message and appends it to the buffer.
// Returns 202: persistence happens later, in the coordinator's batch.
func (h *Handlers) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := common.DecodeJSON[ingest.EnqueueRequest](w, r)
	if !ok {
		return
	}

	if err := ingest.ValidatePayload(&req); err != nil {
		var verrs *ingest.ValidationErrors
		if errors.As(err, &verrs) {
			common.SendError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "Message validation failed", verrs.Errors)
			return
		}
		common.SendError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		return
	}

	msg := ingest.NewMessage(&req)
	if err := h.buf.Enqueue(r.Context(), msg); err != nil {
		h.logger.Error("enqueue failed", "tracking_id", msg.TrackingID, "error", err)
		common.SendError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Message buffer unavailable", nil)
		return
	}

	common.SendJSON(w, http.StatusAccepted, EnqueueResponse{
		TrackingID: msg.TrackingID,
		QueuedAt:   msg.CreatedAt.Format(time.RFC3339Nano),
	})
}

// Simulate enqueues a synthetic burst. The expected_* hints are computed
// from the requested count and the batch threshold so callers know how
// many complete batches the burst itself will produce.
func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		common.SendError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid JSON body", err.Error())
		return
	}

	if err := ingest.ValidatePayload(&req); err != nil {
		var verrs *ingest.ValidationErrors
		if errors.As(err, &verrs) {
			common.SendError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", "Simulation validation failed", verrs.Errors)
			return
		}
		common.SendError(w, r, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		return
	}

	count := defaultBurstCount
	if req.Count != nil {
		count = *req.Count
	}

	ids, err := h.producer.Burst(r.Context(), count)
	if err != nil {
		h.logger.Error("burst failed", "count", count, "error", err)
		common.SendError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Message buffer unavailable", nil)
		return
	}

	common.SendJSON(w, http.StatusAccepted, SimulateResponse{
		TrackingIDs:             ids,
		Count:                   count,
		ExpectedCompleteBatches: count / h.cfg.Batch.Size,
		ExpectedRemainingQueued: count % h.cfg.Batch.Size,
	})
}

// RecentMessages returns the most recently persisted rows, newest first
func (h *Handlers) RecentMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	msgs, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("recent query failed", "error", err)
		common.SendError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Message store unavailable", nil)
		return
	}

	common.SendJSON(w, http.StatusOK, msgs)
}

// Health always answers 200; a degraded status with a disconnected
// buffer tells operators the service is up but cannot accept messages.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Buffer: "connected"}

	if err := h.buf.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Buffer = "disconnected"
	} else if n, err := h.buf.Len(r.Context()); err == nil {
		resp.QueueLength = n
	}

	common.SendJSON(w, http.StatusOK, resp)
}

// QueueStatus exposes the in-flight view: buffer length, the
// coordinator's staging size and the age anchor of the open batch.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.buf.ReadQueueStatus(r.Context())
	if err != nil {
		h.logger.Error("queue status read failed", "error", err)
		common.SendError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Message buffer unavailable", nil)
		return
	}

	common.SendJSON(w, http.StatusOK, status)
}

// Reset deletes all persisted rows and drains the pending queue.
// Lifetime counters survive; they describe the process, not the data.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.DeleteAll(r.Context())
	if err != nil {
		h.logger.Error("reset delete failed", "error", err)
		common.SendError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Message store unavailable", nil)
		return
	}

	cleared, err := h.buf.Reset(r.Context())
	if err != nil {
		h.logger.Error("reset drain failed", "error", err)
		common.SendError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Message buffer unavailable", nil)
		return
	}

	h.logger.Info("administrative reset", "deleted_messages", deleted, "cleared_queue", cleared)

	common.SendJSON(w, http.StatusOK, ResetResponse{
		DeletedMessages: deleted,
		ClearedQueue:    cleared,
	})
}
