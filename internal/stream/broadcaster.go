// Package stream pushes live pipeline telemetry to WebSocket subscribers:
// a periodic counter snapshot plus an immediate event for every committed
// batch.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
)

// Maximum time we'll wait for a write we initiate to complete.
// We don't use websocket's ping-pong mechanism, instead relying on TCP keep-alive.
const wsWriteTimeout = 10 * time.Second

// StatsFrame is the periodic snapshot pushed to every subscriber.
// queue_depth counts buffered plus staged messages, so nothing in flight
// is invisible between pop and commit.
type StatsFrame struct {
	Type                 string  `json:"type"`
	TotalMessages        int64   `json:"total_messages"`
	CurrentRPS           float64 `json:"current_rps"`
	QueueDepth           int64   `json:"queue_depth"`
	TotalBatches         int64   `json:"total_batches"`
	AvgBatchSize         float64 `json:"avg_batch_size"`
	BatchThreshold       int     `json:"batch_threshold"`
	BatchProgress        int64   `json:"batch_progress"`
	BatchProgressPercent float64 `json:"batch_progress_percent"`
	Timestamp            string  `json:"timestamp"`
}

// BatchFrame relays a commit notification the moment it arrives, never
// coalesced with the periodic snapshot.
type BatchFrame struct {
	Type            string   `json:"type"`
	BatchID         string   `json:"batch_id"`
	IDs             []string `json:"ids"`
	BatchSize       int      `json:"batch_size"`
	WorkerTimestamp string   `json:"worker_timestamp"`
}

// Broadcaster serves the /ws/stats endpoint. Each connection runs its own
// snapshot ticker and notification subscription; subscribers do not share
// state and a slow one only stalls itself.
type Broadcaster struct {
	buf       *buffer.Client
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewBroadcaster(buf *buffer.Client, cfg *config.Config, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		buf:       buf,
		interval:  cfg.Telemetry.BroadcastInterval(),
		batchSize: cfg.Batch.Size,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from another origin; access control
			// for this read-only feed is handled at the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams frames until the client leaves
// or a write fails.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by the upgrader.
		b.logger.Warn("websocket upgrade failed", "client", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the first snapshot so a batch committed in between
	// cannot be missed.
	pubsub, err := b.buf.Subscribe(ctx)
	if err != nil {
		b.logger.Error("notification subscribe failed", "client", r.RemoteAddr, "error", err)
		return
	}
	defer pubsub.Close()

	// Drain client frames; their only meaning is connection liveness.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := b.sendStats(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.sendStats(ctx, conn); err != nil {
				b.logger.Debug("stats push failed", "client", r.RemoteAddr, "error", err)
				return
			}
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			if err := b.relay(conn, msg.Payload); err != nil {
				b.logger.Debug("batch push failed", "client", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (b *Broadcaster) sendStats(ctx context.Context, conn *websocket.Conn) error {
	frame := StatsFrame{
		Type:           "stats_update",
		BatchThreshold: b.batchSize,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}

	// A failed snapshot still produces a frame: subscribers keep their
	// cadence and render zeros until the buffer recovers.
	if stats, err := b.buf.ReadStats(ctx); err == nil {
		frame.TotalMessages = stats.TotalMessages
		frame.TotalBatches = stats.TotalBatches
		frame.CurrentRPS = stats.CurrentRPS
		frame.QueueDepth = stats.PendingLength + stats.WorkerBufferSize
		frame.BatchProgress = stats.WorkerBufferSize
		if stats.TotalBatches > 0 {
			frame.AvgBatchSize = round2(float64(stats.TotalMessages) / float64(stats.TotalBatches))
		}
		if b.batchSize > 0 {
			frame.BatchProgressPercent = round2(float64(stats.WorkerBufferSize) / float64(b.batchSize) * 100)
		}
	} else {
		b.logger.Warn("stats snapshot failed", "error", err)
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}

// relay re-frames an internal persistence event for subscribers.
func (b *Broadcaster) relay(conn *websocket.Conn, payload string) error {
	var event buffer.PersistedEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.logger.Warn("malformed batch notification dropped", "error", err)
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(BatchFrame{
		Type:            "batch_persisted",
		BatchID:         event.BatchID,
		IDs:             event.IDs,
		BatchSize:       event.BatchSize,
		WorkerTimestamp: event.Timestamp,
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
