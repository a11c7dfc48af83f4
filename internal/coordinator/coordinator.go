// Package coordinator implements the single consumer that drains the
// buffer, stages messages in memory and commits them to the store in
// batches. Flushes fire on whichever of two triggers comes first: the
// staging area reaching the batch size, or the oldest staged message
// reaching the batch timeout.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/floodgate/floodgate/internal/buffer"
	"github.com/floodgate/floodgate/internal/config"
	"github.com/floodgate/floodgate/internal/ingest"
)

const (
	idlePopTimeout = time.Second
	minPopTimeout  = 50 * time.Millisecond
	commitBackoff  = 500 * time.Millisecond
)

// Committer is the store surface the coordinator needs
type Committer interface {
	InsertBatch(ctx context.Context, msgs []*ingest.Message) error
}

// Coordinator owns the staging area between buffer and store. There is
// exactly one instance per deployment; the destructive buffer pop makes
// a second consumer unsafe.
type Coordinator struct {
	buf    *buffer.Client
	store  Committer
	logger *slog.Logger

	batchSize    int
	batchTimeout time.Duration

	staging    []*ingest.Message
	batchStart time.Time

	rps     *rpsEstimator
	latency latencyTracker
}

func New(buf *buffer.Client, store Committer, cfg *config.Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		buf:          buf,
		store:        store,
		logger:       logger,
		batchSize:    cfg.Batch.Size,
		batchTimeout: cfg.Batch.Timeout(),
		staging:      make([]*ingest.Message, 0, cfg.Batch.Size),
		rps:          newRPSEstimator(cfg.Telemetry.RPSWindow()),
	}
}

// Run drives the pop/stage/flush loop until ctx is cancelled. A non-empty
// staging area is flushed once on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("batch coordinator starting",
		"batch_size", c.batchSize,
		"batch_timeout_s", c.batchTimeout.Seconds(),
	)

	if err := c.buf.InitCounters(ctx); err != nil {
		c.logger.Warn("counter init failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			if len(c.staging) > 0 {
				c.logger.Info("shutting down with staged messages, flushing",
					"staged", len(c.staging),
				)
				c.flush(context.Background())
			}
			return ctx.Err()
		default:
		}

		if c.shouldFlush() {
			c.flush(ctx)
			continue
		}

		entry, err := c.buf.Pop(ctx, c.popTimeout())
		if err != nil {
			if errors.Is(err, buffer.ErrEmpty) || ctx.Err() != nil {
				// Timed out or cancelled; the loop re-evaluates the
				// flush condition either way.
				continue
			}
			c.logger.Error("buffer pop failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		msg, err := ingest.DecodeMessage(entry)
		if err != nil {
			// Discarded without touching the batch timer.
			c.logger.Warn("discarding malformed buffer entry", "error", err)
			continue
		}

		c.stage(ctx, msg)
	}
}

// stage appends one message and publishes the new staging visibility.
// The batch timer anchors on the first message of the batch and is never
// reset by later arrivals, so it bounds the residency of the oldest one.
func (c *Coordinator) stage(ctx context.Context, msg *ingest.Message) {
	if len(c.staging) == 0 {
		c.batchStart = time.Now()
	}
	c.staging = append(c.staging, msg)

	if err := c.buf.SetStaging(ctx, len(c.staging), c.batchStart); err != nil {
		c.logger.Warn("failed to publish staging visibility", "error", err)
	}

	c.logger.Debug("message staged",
		"tracking_id", msg.TrackingID,
		"staged", len(c.staging),
		"batch_size", c.batchSize,
	)
}

// shouldFlush reports whether either trigger has fired
func (c *Coordinator) shouldFlush() bool {
	if len(c.staging) >= c.batchSize {
		return true
	}
	if len(c.staging) > 0 && time.Since(c.batchStart) >= c.batchTimeout {
		return true
	}
	return false
}

// popTimeout keeps the blocking pop shorter than the remaining time until
// the time trigger fires, so the trigger is served even when no further
// messages arrive.
func (c *Coordinator) popTimeout() time.Duration {
	if len(c.staging) == 0 {
		return idlePopTimeout
	}
	remaining := c.batchTimeout - time.Since(c.batchStart)
	if remaining < minPopTimeout {
		return minPopTimeout
	}
	if remaining > idlePopTimeout {
		return idlePopTimeout
	}
	return remaining
}

// flush commits the staged batch and advances the public counters. On
// commit failure the batch is retried once, then requeued; the staging
// area is empty either way when flush returns.
func (c *Coordinator) flush(ctx context.Context) {
	if len(c.staging) == 0 {
		return
	}

	batch := c.staging
	c.staging = make([]*ingest.Message, 0, c.batchSize)
	c.batchStart = time.Time{}

	start := time.Now()
	err := c.store.InsertBatch(ctx, batch)
	if err != nil {
		c.logger.Error("batch commit failed, retrying once",
			"error", err,
			"batch_size", len(batch),
		)
		sleepCtx(ctx, commitBackoff)
		err = c.store.InsertBatch(ctx, batch)
	}
	if err != nil {
		c.handleCommitFailure(ctx, batch, err)
		c.clearStagingVisibility(ctx)
		return
	}

	c.logger.Info("batch committed",
		"batch_size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	c.publishCommit(ctx, batch, time.Now().UTC())
	c.clearStagingVisibility(ctx)
}

// publishCommit performs the post-commit bookkeeping: counters, rate and
// latency aggregates, tracking-id lists, last-batch metadata and finally
// the persistence event. Each step is best-effort; the commit itself has
// already happened.
func (c *Coordinator) publishCommit(ctx context.Context, batch []*ingest.Message, committedAt time.Time) {
	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		if m.TrackingID != "" {
			ids = append(ids, m.TrackingID)
		}
	}

	totalMessages, err := c.buf.IncrTotalMessages(ctx, int64(len(batch)))
	if err != nil {
		c.logger.Error("failed to advance total_messages", "error", err)
	}
	totalBatches, err := c.buf.IncrTotalBatches(ctx)
	if err != nil {
		c.logger.Error("failed to advance total_batches", "error", err)
	}

	if err := c.buf.SetCurrentRPS(ctx, c.rps.Add(int64(len(batch)))); err != nil {
		c.logger.Warn("failed to store rps", "error", err)
	}

	avg, p95, p99 := c.latency.Observe(batch, committedAt)
	if err := c.buf.SetLatencyStats(ctx, avg, p95, p99); err != nil {
		c.logger.Warn("failed to store latency stats", "error", err)
	}

	if err := c.buf.MarkPersisted(ctx, ids); err != nil {
		c.logger.Warn("failed to record persisted ids", "error", err)
	}

	batchID := ingest.NewTrackingID()
	if err := c.buf.SetLastBatch(ctx, batchID, len(batch), committedAt); err != nil {
		c.logger.Warn("failed to record last batch", "error", err)
	}

	event := &buffer.PersistedEvent{
		Type:          "persisted",
		BatchID:       batchID,
		BatchSize:     len(batch),
		IDs:           ids,
		TotalBatches:  totalBatches,
		TotalMessages: totalMessages,
		Timestamp:     committedAt.Format(time.RFC3339Nano),
	}
	if err := c.buf.PublishPersisted(ctx, event); err != nil {
		// Observers reconcile through GET /messages.
		c.logger.Error("failed to publish persistence event", "error", err)
	}
}

// handleCommitFailure returns the batch to the consumer end of the buffer
// so it is retried ahead of newer messages. When even that fails the
// batch goes to the dead-letter list; if the dead-letter write fails too,
// the messages are dropped and logged. That drop is the acknowledged
// at-least-once boundary.
func (c *Coordinator) handleCommitFailure(ctx context.Context, batch []*ingest.Message, err error) {
	c.logger.Error("batch commit failed after retry, requeueing",
		"error", err,
		"batch_size", len(batch),
	)
	if cntErr := c.buf.IncrCommitFailures(ctx); cntErr != nil {
		c.logger.Warn("failed to count commit failure", "error", cntErr)
	}

	if reqErr := c.buf.Requeue(ctx, batch); reqErr != nil {
		c.logger.Error("requeue failed, dead-lettering batch",
			"error", reqErr,
			"batch_size", len(batch),
		)
		if dlErr := c.buf.DeadLetter(ctx, batch); dlErr != nil {
			c.logger.Error("dead-letter failed, dropping batch",
				"error", dlErr,
				"dropped", len(batch),
			)
		}
	}
}

func (c *Coordinator) clearStagingVisibility(ctx context.Context) {
	if err := c.buf.SetStaging(ctx, 0, time.Time{}); err != nil {
		c.logger.Warn("failed to clear staging visibility", "error", err)
	}
}

// sleepCtx pauses without outliving the context
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
