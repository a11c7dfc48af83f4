package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// realisticMessages is the corpus the burst producer draws from.
var realisticMessages = []string{
	"Hey everyone! How's it going?",
	"Just pushed the latest changes to main",
	"Can someone review my PR when they get a chance?",
	"The new feature is looking great!",
	"Anyone up for a quick sync?",
	"Just deployed to staging, testing now",
	"Found a bug in the auth flow, fixing it",
	"Great work on the dashboard!",
	"Need help with the API integration",
	"Coffee break anyone? ☕",
	"The tests are passing now",
	"Updated the docs with the new endpoints",
	"Server's running smoothly",
	"Quick question about the database schema",
	"Just finished the code review",
	"Working on the performance optimization",
	"The metrics look good today",
	"Anyone seen this error before?",
	"Fixed the memory leak issue",
	"Ready for the demo tomorrow",
	"Just merged the feature branch",
	"Need to update the dependencies",
	"The pipeline is running faster now",
	"Check out the new monitoring dashboard",
	"Debugging the WebSocket connection",
	"The batch processing is working well",
	"Added more logging for debugging",
	"Optimized the database queries",
	"The cache hit rate improved",
	"Rolling back the last deployment",
	"All systems operational",
	"Investigating the latency spike",
	"The load balancer is configured correctly",
	"Scaling up the worker instances",
	"The queue is draining nicely",
}

// Enqueuer is the slice of the buffer API the producer needs.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, msgs []*Message) error
}

// burstChunkSize bounds each pipelined append so large bursts spread
// across parallel round trips. Chunks may interleave on the buffer;
// relative order inside a burst is not promised, only that every
// returned id was appended.
const burstChunkSize = 500

// Producer generates synthetic traffic for burst demonstrations.
type Producer struct {
	buffer Enqueuer
}

func NewProducer(buffer Enqueuer) *Producer {
	return &Producer{buffer: buffer}
}

// Burst enqueues count synthetic messages and returns their tracking
// identifiers. On any chunk failure no ids are returned.
func (p *Producer) Burst(ctx context.Context, count int) ([]string, error) {
	msgs := make([]*Message, count)
	ids := make([]string, count)
	now := time.Now().UTC()
	for i := range msgs {
		m := &Message{
			TrackingID: NewTrackingID(),
			UserID:     int64(rand.Intn(10000) + 1),
			ChannelID:  int64(rand.Intn(100) + 1),
			Content:    realisticMessages[rand.Intn(len(realisticMessages))],
			CreatedAt:  now,
		}
		msgs[i] = m
		ids[i] = m.TrackingID
	}

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < count; start += burstChunkSize {
		end := start + burstChunkSize
		if end > count {
			end = count
		}
		chunk := msgs[start:end]
		g.Go(func() error {
			return p.buffer.EnqueueBatch(ctx, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("burst enqueue failed: %w", err)
	}
	return ids, nil
}
