// Package buffer wraps the Redis instance that decouples ingestion from
// persistence: the pending-message list, the shared counters, the recent
// tracking-id lists and the batch notification channel.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/ingest"
)

const (
	pendingKey      = "pending_messages"
	queuedIDsKey    = "queued_message_ids"
	persistedIDsKey = "persisted_message_ids"
	deadLetterKey   = "dead_letter_messages"

	totalMessagesKey  = "total_messages"
	totalBatchesKey   = "total_batches"
	currentRPSKey     = "current_rps"
	workerBufferKey   = "worker_buffer_size"
	batchStartKey     = "batch_start_time"
	commitFailuresKey = "commit_failures"

	avgLatencyKey = "avg_latency_ms"
	p95LatencyKey = "p95_latency_ms"
	p99LatencyKey = "p99_latency_ms"

	lastBatchIDKey   = "last_batch_id"
	lastBatchSizeKey = "last_batch_size"
	lastBatchTimeKey = "last_batch_time"

	notifyChannel = "batch_notifications"

	queuedIDsCap    = 1000
	persistedIDsCap = 200
)

// ErrEmpty reports that a blocking pop timed out with no pending entries.
var ErrEmpty = errors.New("buffer: no pending entries")

// Client is the single access path to the metrics store. The coordinator
// is the only writer of worker_buffer_size and batch_start_time; the API
// process only reads them.
type Client struct {
	rdb *redis.Client
}

func New(cfg config.BufferConfig) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewWithClient wraps an existing connection. Used by tests running
// against an in-process Redis.
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether the buffer is reachable
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("buffer unreachable: %w", err)
	}
	return nil
}

// Enqueue appends one message to the producer end of the pending list and
// records its tracking id.
func (c *Client) Enqueue(ctx context.Context, msg *ingest.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, pendingKey, data)
	pipe.LPush(ctx, queuedIDsKey, msg.TrackingID)
	pipe.LTrim(ctx, queuedIDsKey, 0, queuedIDsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", msg.TrackingID, err)
	}
	return nil
}

// EnqueueBatch appends a burst of messages in one pipelined round trip.
func (c *Client) EnqueueBatch(ctx context.Context, msgs []*ingest.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, msg := range msgs {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		pipe.LPush(ctx, pendingKey, data)
		pipe.LPush(ctx, queuedIDsKey, msg.TrackingID)
	}
	pipe.LTrim(ctx, queuedIDsKey, 0, queuedIDsCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue batch of %d: %w", len(msgs), err)
	}
	return nil
}

// Pop blocks on the consumer end of the pending list for at most timeout.
// Returns ErrEmpty when the timeout elapses with nothing pending. The raw
// entry is returned undecoded so the caller can discard malformed ones.
func (c *Client) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BRPop(ctx, timeout, pendingKey).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop pending entry: %w", err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

// Len returns the number of pending entries
func (c *Client) Len(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	return n, nil
}

// Requeue puts an uncommitted batch back at the consumer end of the
// pending list. Pushed in reverse so the oldest staged message is the
// next one popped, preserving arrival order.
func (c *Client) Requeue(ctx context.Context, msgs []*ingest.Message) error {
	pipe := c.rdb.Pipeline()
	for i := len(msgs) - 1; i >= 0; i-- {
		data, err := msgs[i].Encode()
		if err != nil {
			return err
		}
		pipe.RPush(ctx, pendingKey, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue batch of %d: %w", len(msgs), err)
	}
	return nil
}

// DeadLetter parks messages whose commit and requeue both failed.
func (c *Client) DeadLetter(ctx context.Context, msgs []*ingest.Message) error {
	pipe := c.rdb.Pipeline()
	for _, msg := range msgs {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		pipe.LPush(ctx, deadLetterKey, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter batch of %d: %w", len(msgs), err)
	}
	return nil
}

// InitCounters seeds absent counters with zero without overwriting
// existing values, and resets the coordinator's visibility keys.
func (c *Client) InitCounters(ctx context.Context) error {
	pipe := c.rdb.Pipeline()
	pipe.SetNX(ctx, totalMessagesKey, 0, 0)
	pipe.SetNX(ctx, totalBatchesKey, 0, 0)
	pipe.SetNX(ctx, commitFailuresKey, 0, 0)
	pipe.Set(ctx, workerBufferKey, 0, 0)
	pipe.Del(ctx, batchStartKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to init counters: %w", err)
	}
	return nil
}

// SetStaging publishes the coordinator's staging size, and the age anchor
// of the oldest staged message. A zero start clears the anchor.
func (c *Client) SetStaging(ctx context.Context, size int, start time.Time) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, workerBufferKey, size, 0)
	if start.IsZero() {
		pipe.Del(ctx, batchStartKey)
	} else {
		epoch := float64(start.UnixNano()) / 1e9
		pipe.Set(ctx, batchStartKey, strconv.FormatFloat(epoch, 'f', 6, 64), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update staging visibility: %w", err)
	}
	return nil
}

// IncrTotalMessages advances the lifetime persisted-message counter and
// returns the new total.
func (c *Client) IncrTotalMessages(ctx context.Context, n int64) (int64, error) {
	total, err := c.rdb.IncrBy(ctx, totalMessagesKey, n).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment total_messages: %w", err)
	}
	return total, nil
}

// IncrTotalBatches advances the lifetime batch counter and returns the
// new total.
func (c *Client) IncrTotalBatches(ctx context.Context) (int64, error) {
	total, err := c.rdb.Incr(ctx, totalBatchesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment total_batches: %w", err)
	}
	return total, nil
}

// IncrCommitFailures counts batches whose commit did not succeed after retry
func (c *Client) IncrCommitFailures(ctx context.Context) error {
	if err := c.rdb.Incr(ctx, commitFailuresKey).Err(); err != nil {
		return fmt.Errorf("failed to increment commit_failures: %w", err)
	}
	return nil
}

// SetCurrentRPS stores the throughput estimate rounded to two decimals
func (c *Client) SetCurrentRPS(ctx context.Context, rps float64) error {
	if err := c.rdb.Set(ctx, currentRPSKey, strconv.FormatFloat(rps, 'f', 2, 64), 0).Err(); err != nil {
		return fmt.Errorf("failed to set current_rps: %w", err)
	}
	return nil
}

// SetLatencyStats stores the enqueue-to-commit latency aggregates
func (c *Client) SetLatencyStats(ctx context.Context, avg, p95, p99 float64) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, avgLatencyKey, strconv.FormatFloat(avg, 'f', 2, 64), 0)
	pipe.Set(ctx, p95LatencyKey, strconv.FormatFloat(p95, 'f', 2, 64), 0)
	pipe.Set(ctx, p99LatencyKey, strconv.FormatFloat(p99, 'f', 2, 64), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set latency stats: %w", err)
	}
	return nil
}

// MarkPersisted records tracking ids as committed: appended to the
// persisted list and removed from the queued list.
func (c *Client) MarkPersisted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, id := range ids {
		pipe.LPush(ctx, persistedIDsKey, id)
	}
	pipe.LTrim(ctx, persistedIDsKey, 0, persistedIDsCap-1)
	for _, id := range ids {
		pipe.LRem(ctx, queuedIDsKey, 0, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %d ids persisted: %w", len(ids), err)
	}
	return nil
}

// SetLastBatch records the metadata of the most recent commit
func (c *Client) SetLastBatch(ctx context.Context, id string, size int, completedAt time.Time) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, lastBatchIDKey, id, 0)
	pipe.Set(ctx, lastBatchSizeKey, size, 0)
	pipe.Set(ctx, lastBatchTimeKey, completedAt.UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set last batch metadata: %w", err)
	}
	return nil
}

// PersistedEvent is the notification published on the channel after each
// committed batch. The ids are the batch's tracking identifiers; the
// totals are the lifetime counters after this commit.
type PersistedEvent struct {
	Type          string   `json:"type"`
	BatchID       string   `json:"batch_id"`
	BatchSize     int      `json:"batch_size"`
	IDs           []string `json:"ids"`
	TotalBatches  int64    `json:"total_batches"`
	TotalMessages int64    `json:"total_messages"`
	Timestamp     string   `json:"timestamp"`
}

// PublishPersisted emits a persistence event on the notification channel
func (c *Client) PublishPersisted(ctx context.Context, event *PersistedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode persistence event: %w", err)
	}
	if err := c.rdb.Publish(ctx, notifyChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish persistence event: %w", err)
	}
	return nil
}

// Subscribe opens a confirmed subscription to the notification channel.
// The confirmation round trip guarantees no event published after return
// is missed. The caller owns the returned subscription.
func (c *Client) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := c.rdb.Subscribe(ctx, notifyChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", notifyChannel, err)
	}
	return pubsub, nil
}

// Stats is the counter snapshot the broadcaster reads every interval.
// Missing keys read as zero.
type Stats struct {
	TotalMessages    int64
	TotalBatches     int64
	CurrentRPS       float64
	WorkerBufferSize int64
	BatchStartTime   float64
	PendingLength    int64
}

// ReadStats gathers the broadcast snapshot in one round trip
func (c *Client) ReadStats(ctx context.Context) (*Stats, error) {
	pipe := c.rdb.Pipeline()
	totalMsgs := pipe.Get(ctx, totalMessagesKey)
	totalBatches := pipe.Get(ctx, totalBatchesKey)
	rps := pipe.Get(ctx, currentRPSKey)
	workerBuf := pipe.Get(ctx, workerBufferKey)
	batchStart := pipe.Get(ctx, batchStartKey)
	pending := pipe.LLen(ctx, pendingKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := &Stats{}
	stats.TotalMessages = int64OrZero(totalMsgs)
	stats.TotalBatches = int64OrZero(totalBatches)
	stats.CurrentRPS = floatOrZero(rps)
	stats.WorkerBufferSize = int64OrZero(workerBuf)
	stats.BatchStartTime = floatOrZero(batchStart)
	stats.PendingLength = pending.Val()
	return stats, nil
}

// LastBatch is the metadata of the most recent commit
type LastBatch struct {
	ID          string `json:"batch_id"`
	Size        int64  `json:"size"`
	CompletedAt string `json:"completed_at"`
}

// QueueStatus is the point-in-time queue view served by the API
type QueueStatus struct {
	BufferLength     int64      `json:"buffer_length"`
	WorkerBufferSize int64      `json:"worker_buffer_size"`
	BatchStartTime   *float64   `json:"batch_start_time"`
	QueuedIDs        []string   `json:"queued_ids"`
	LastBatch        *LastBatch `json:"last_batch,omitempty"`
}

// ReadQueueStatus gathers the queue view in one round trip
func (c *Client) ReadQueueStatus(ctx context.Context) (*QueueStatus, error) {
	pipe := c.rdb.Pipeline()
	pending := pipe.LLen(ctx, pendingKey)
	workerBuf := pipe.Get(ctx, workerBufferKey)
	batchStart := pipe.Get(ctx, batchStartKey)
	queuedIDs := pipe.LRange(ctx, queuedIDsKey, 0, 99)
	lastID := pipe.Get(ctx, lastBatchIDKey)
	lastSize := pipe.Get(ctx, lastBatchSizeKey)
	lastTime := pipe.Get(ctx, lastBatchTimeKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read queue status: %w", err)
	}

	status := &QueueStatus{
		BufferLength:     pending.Val(),
		WorkerBufferSize: int64OrZero(workerBuf),
		QueuedIDs:        queuedIDs.Val(),
	}
	if status.QueuedIDs == nil {
		status.QueuedIDs = []string{}
	}
	if start, err := batchStart.Float64(); err == nil {
		status.BatchStartTime = &start
	}
	if id, err := lastID.Result(); err == nil && id != "" {
		status.LastBatch = &LastBatch{
			ID:          id,
			Size:        int64OrZero(lastSize),
			CompletedAt: lastTime.Val(),
		}
	}
	return status, nil
}

// Reset drains the pending list and clears the tracking lists and last
// batch metadata. Lifetime counters and the coordinator's visibility keys
// are deliberately left alone.
func (c *Client) Reset(ctx context.Context) (int64, error) {
	cleared, err := c.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, pendingKey)
	pipe.Del(ctx, queuedIDsKey)
	pipe.Del(ctx, persistedIDsKey)
	pipe.Del(ctx, lastBatchIDKey)
	pipe.Del(ctx, lastBatchSizeKey)
	pipe.Del(ctx, lastBatchTimeKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear buffer: %w", err)
	}
	return cleared, nil
}

func int64OrZero(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

func floatOrZero(cmd *redis.StringCmd) float64 {
	f, err := cmd.Float64()
	if err != nil {
		return 0
	}
	return f
}
