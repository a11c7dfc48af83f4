package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/ingest"
	"github.com/floodgate/floodgate/internal/middleware"
	"github.com/floodgate/floodgate/internal/store"
)

// setupTest creates common dependencies for testing
func setupTest(t *testing.T) (*miniredis.Miniredis, *buffer.Client, *MockQuerier, *Handlers) {
	t.Helper()
	mr := miniredis.RunT(t)
	buf := buffer.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { buf.Close() })

	mockQ := &MockQuerier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(buf, mockQ, ingest.NewProducer(buf), config.Default(), logger)
	return mr, buf, mockQ, h
}

func decodeError(t *testing.T, body *bytes.Buffer) middleware.ErrorResponse {
	t.Helper()
	var resp middleware.ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp
}

func TestEnqueueMessage(t *testing.T) {
	_, buf, _, h := setupTest(t)

	body, _ := json.Marshal(map[string]interface{}{
		"user_id":    42,
		"channel_id": 7,
		"content":    "hello pipeline",
	})

	req := httptest.NewRequest("POST", "/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.EnqueueMessage(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d. Body: %s", w.Code, w.Body.String())
	}

	var resp EnqueueResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.TrackingID) != 8 {
		t.Errorf("expected 8-character tracking id, got %q", resp.TrackingID)
	}
	if resp.QueuedAt == "" {
		t.Error("expected queued_at timestamp")
	}

	// The message is on the buffer, not in the store
	n, err := buf.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 buffered message, got %d", n)
	}

	entry, err := buf.Pop(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := ingest.DecodeMessage(entry)
	if err != nil {
		t.Fatal(err)
	}
	if msg.TrackingID != resp.TrackingID {
		t.Errorf("buffered id %s does not match response id %s", msg.TrackingID, resp.TrackingID)
	}
	if msg.Content != "hello pipeline" {
		t.Errorf("unexpected content %q", msg.Content)
	}
}

func TestEnqueueMessage_Validation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing user_id", `{"channel_id": 7, "content": "hi"}`},
		{"negative channel_id", `{"user_id": 42, "channel_id": -1, "content": "hi"}`},
		{"empty content", `{"user_id": 42, "channel_id": 7, "content": ""}`},
		{"blank content", `{"user_id": 42, "channel_id": 7, "content": "   "}`},
		{"not json", `{broken`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, buf, _, h := setupTest(t)

			req := httptest.NewRequest("POST", "/messages", bytes.NewReader([]byte(tt.payload)))
			w := httptest.NewRecorder()

			h.EnqueueMessage(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d. Body: %s", w.Code, w.Body.String())
			}
			resp := decodeError(t, w.Body)
			if resp.Error.Code != "INVALID_PAYLOAD" {
				t.Errorf("expected INVALID_PAYLOAD, got %s", resp.Error.Code)
			}

			// Nothing rejected may reach the buffer
			if n, _ := buf.Len(context.Background()); n != 0 {
				t.Errorf("expected empty buffer, got %d", n)
			}
		})
	}
}

func TestEnqueueMessage_BufferDown(t *testing.T) {
	mr, _, _, h := setupTest(t)
	mr.Close()

	body := []byte(`{"user_id": 42, "channel_id": 7, "content": "hi"}`)
	req := httptest.NewRequest("POST", "/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.EnqueueMessage(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	resp := decodeError(t, w.Body)
	if resp.Error.Code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("expected UPSTREAM_UNAVAILABLE, got %s", resp.Error.Code)
	}
}

func TestSimulate(t *testing.T) {
	t.Run("explicit count", func(t *testing.T) {
		_, buf, _, h := setupTest(t)

		req := httptest.NewRequest("POST", "/simulate", bytes.NewReader([]byte(`{"count": 127}`)))
		w := httptest.NewRecorder()

		h.Simulate(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d. Body: %s", w.Code, w.Body.String())
		}

		var resp SimulateResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 127 {
			t.Errorf("expected count 127, got %d", resp.Count)
		}
		if len(resp.TrackingIDs) != 127 {
			t.Errorf("expected 127 tracking ids, got %d", len(resp.TrackingIDs))
		}
		if resp.ExpectedCompleteBatches != 2 {
			t.Errorf("expected 2 complete batches, got %d", resp.ExpectedCompleteBatches)
		}
		if resp.ExpectedRemainingQueued != 27 {
			t.Errorf("expected 27 remaining, got %d", resp.ExpectedRemainingQueued)
		}

		if n, _ := buf.Len(context.Background()); n != 127 {
			t.Errorf("expected 127 buffered, got %d", n)
		}
	})

	t.Run("empty body uses default count", func(t *testing.T) {
		_, buf, _, h := setupTest(t)

		req := httptest.NewRequest("POST", "/simulate", nil)
		w := httptest.NewRecorder()

		h.Simulate(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d. Body: %s", w.Code, w.Body.String())
		}
		var resp SimulateResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 500 {
			t.Errorf("expected default count 500, got %d", resp.Count)
		}
		if resp.ExpectedCompleteBatches != 10 || resp.ExpectedRemainingQueued != 0 {
			t.Errorf("unexpected hints %d/%d", resp.ExpectedCompleteBatches, resp.ExpectedRemainingQueued)
		}
		if n, _ := buf.Len(context.Background()); n != 500 {
			t.Errorf("expected 500 buffered, got %d", n)
		}
	})

	t.Run("count out of range", func(t *testing.T) {
		for _, payload := range []string{`{"count": 0}`, `{"count": 10001}`} {
			_, _, _, h := setupTest(t)

			req := httptest.NewRequest("POST", "/simulate", bytes.NewReader([]byte(payload)))
			w := httptest.NewRecorder()

			h.Simulate(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("payload %s: expected 400, got %d", payload, w.Code)
			}
		}
	})

	t.Run("buffer down", func(t *testing.T) {
		mr, _, _, h := setupTest(t)
		mr.Close()

		req := httptest.NewRequest("POST", "/simulate", bytes.NewReader([]byte(`{"count": 5}`)))
		w := httptest.NewRecorder()

		h.Simulate(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
	})
}

func TestRecentMessages(t *testing.T) {
	_, _, mockQ, h := setupTest(t)

	now := time.Now().UTC()
	rows := []store.StoredMessage{
		{ID: 2, UserID: 1, ChannelID: 1, Content: "newer", CreatedAt: now, InsertedAt: now},
		{ID: 1, UserID: 1, ChannelID: 1, Content: "older", CreatedAt: now, InsertedAt: now},
	}

	var gotLimit int
	mockQ.RecentFunc = func(ctx context.Context, limit int) ([]store.StoredMessage, error) {
		gotLimit = limit
		return rows, nil
	}

	req := httptest.NewRequest("GET", "/messages", nil)
	w := httptest.NewRecorder()

	h.RecentMessages(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotLimit != 50 {
		t.Errorf("expected default limit 50, got %d", gotLimit)
	}

	// The response is a bare array
	var resp []store.StoredMessage
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(resp))
	}
	if resp[0].Content != "newer" {
		t.Errorf("expected newest first, got %q", resp[0].Content)
	}
}

func TestRecentMessages_LimitClamping(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"explicit", "?limit=5", 5},
		{"zero", "?limit=0", 50},
		{"negative", "?limit=-3", 50},
		{"above cap", "?limit=9999", 500},
		{"not a number", "?limit=abc", 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, mockQ, h := setupTest(t)

			var gotLimit int
			mockQ.RecentFunc = func(ctx context.Context, limit int) ([]store.StoredMessage, error) {
				gotLimit = limit
				return nil, nil
			}

			req := httptest.NewRequest("GET", "/messages"+tt.query, nil)
			w := httptest.NewRecorder()

			h.RecentMessages(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			if gotLimit != tt.want {
				t.Errorf("expected limit %d, got %d", tt.want, gotLimit)
			}
		})
	}
}

func TestRecentMessages_StoreDown(t *testing.T) {
	_, _, mockQ, h := setupTest(t)

	mockQ.RecentFunc = func(ctx context.Context, limit int) ([]store.StoredMessage, error) {
		return nil, errors.New("connection refused")
	}

	req := httptest.NewRequest("GET", "/messages", nil)
	w := httptest.NewRecorder()

	h.RecentMessages(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	resp := decodeError(t, w.Body)
	if resp.Error.Code != "STORE_UNAVAILABLE" {
		t.Errorf("expected STORE_UNAVAILABLE, got %s", resp.Error.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		_, buf, _, h := setupTest(t)

		msg := ingest.NewMessage(&ingest.EnqueueRequest{UserID: 1, ChannelID: 1, Content: "hi"})
		if err := buf.Enqueue(context.Background(), msg); err != nil {
			t.Fatal(err)
		}

		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		h.Health(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "ok" || resp.Buffer != "connected" {
			t.Errorf("unexpected health %+v", resp)
		}
		if resp.QueueLength != 1 {
			t.Errorf("expected queue_length 1, got %d", resp.QueueLength)
		}
	})

	t.Run("degraded still answers 200", func(t *testing.T) {
		mr, _, _, h := setupTest(t)
		mr.Close()

		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		h.Health(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 even when degraded, got %d", w.Code)
		}
		var resp HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "degraded" || resp.Buffer != "disconnected" {
			t.Errorf("unexpected health %+v", resp)
		}
	})
}

func TestQueueStatus(t *testing.T) {
	_, buf, _, h := setupTest(t)
	ctx := context.Background()

	msg := ingest.NewMessage(&ingest.EnqueueRequest{UserID: 1, ChannelID: 1, Content: "hi"})
	if err := buf.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := buf.SetStaging(ctx, 4, time.Now()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/queue/status", nil)
	w := httptest.NewRecorder()

	h.QueueStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp buffer.QueueStatus
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.BufferLength != 1 {
		t.Errorf("expected buffer_length 1, got %d", resp.BufferLength)
	}
	if resp.WorkerBufferSize != 4 {
		t.Errorf("expected worker_buffer_size 4, got %d", resp.WorkerBufferSize)
	}
	if resp.BatchStartTime == nil {
		t.Error("expected batch_start_time set")
	}
	if len(resp.QueuedIDs) != 1 || resp.QueuedIDs[0] != msg.TrackingID {
		t.Errorf("unexpected queued ids %v", resp.QueuedIDs)
	}
}

func TestQueueStatus_BufferDown(t *testing.T) {
	mr, _, _, h := setupTest(t)
	mr.Close()

	req := httptest.NewRequest("GET", "/queue/status", nil)
	w := httptest.NewRecorder()

	h.QueueStatus(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	resp := decodeError(t, w.Body)
	if resp.Error.Code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("expected UPSTREAM_UNAVAILABLE, got %s", resp.Error.Code)
	}
}

func TestReset(t *testing.T) {
	mr, buf, mockQ, h := setupTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := ingest.NewMessage(&ingest.EnqueueRequest{UserID: 1, ChannelID: 1, Content: "hi"})
		if err := buf.Enqueue(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := buf.IncrTotalMessages(ctx, 100); err != nil {
		t.Fatal(err)
	}

	mockQ.DeleteAllFunc = func(ctx context.Context) (int64, error) {
		return 7, nil
	}

	req := httptest.NewRequest("DELETE", "/reset", nil)
	w := httptest.NewRecorder()

	h.Reset(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	var resp ResetResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeletedMessages != 7 {
		t.Errorf("expected 7 deleted, got %d", resp.DeletedMessages)
	}
	if resp.ClearedQueue != 3 {
		t.Errorf("expected 3 cleared, got %d", resp.ClearedQueue)
	}

	if n, _ := buf.Len(ctx); n != 0 {
		t.Errorf("expected empty buffer, got %d", n)
	}
	// Lifetime counters describe the process, not the data
	if got, _ := mr.Get("total_messages"); got != "100" {
		t.Errorf("expected total_messages to survive reset, got %s", got)
	}
}

func TestReset_StoreDown(t *testing.T) {
	_, buf, mockQ, h := setupTest(t)
	ctx := context.Background()

	msg := ingest.NewMessage(&ingest.EnqueueRequest{UserID: 1, ChannelID: 1, Content: "hi"})
	if err := buf.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}

	mockQ.DeleteAllFunc = func(ctx context.Context) (int64, error) {
		return 0, errors.New("connection refused")
	}

	req := httptest.NewRequest("DELETE", "/reset", nil)
	w := httptest.NewRecorder()

	h.Reset(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	resp := decodeError(t, w.Body)
	if resp.Error.Code != "STORE_UNAVAILABLE" {
		t.Errorf("expected STORE_UNAVAILABLE, got %s", resp.Error.Code)
	}

	// A failed reset leaves the queue alone
	if n, _ := buf.Len(ctx); n != 1 {
		t.Errorf("expected queue untouched, got %d", n)
	}
}

func TestRoot(t *testing.T) {
	_, _, _, h := setupTest(t)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	h.Root(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Service     string            `json:"service"`
		Status      string            `json:"status"`
		BatchConfig map[string]int    `json:"batch_config"`
		Endpoints   map[string]string `json:"endpoints"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Service == "" || resp.Status != "running" {
		t.Errorf("unexpected descriptor %+v", resp)
	}
	if resp.BatchConfig["batch_size"] != 50 {
		t.Errorf("expected batch_size 50, got %d", resp.BatchConfig["batch_size"])
	}
	if len(resp.Endpoints) == 0 {
		t.Error("expected endpoint listing")
	}
}

func TestRouter(t *testing.T) {
	mr := miniredis.RunT(t)
	buf := buffer.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { buf.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(config.Default(), buf, &MockQuerier{}, logger)

	t.Run("routes wired through middleware", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("expected request id header")
		}
	})

	t.Run("enqueue through router", func(t *testing.T) {
		body := []byte(`{"user_id": 1, "channel_id": 1, "content": "hi"}`)
		req := httptest.NewRequest("POST", "/messages", bytes.NewReader(body))
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d. Body: %s", w.Code, w.Body.String())
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/messages", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Errorf("expected origin echoed, got %q", w.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
