package coordinator

import (
	"sort"
	"time"

	"github.com/floodgate/floodgate/internal/ingest"
)

const latencySampleCap = 100

// latencyTracker retains the most recent enqueue-to-commit samples so the
// dashboard can show tail percentiles, not just the average.
type latencyTracker struct {
	samples []float64
}

// Observe records the latency of every message in a committed batch.
// Returns the average over this batch and the p95/p99 over the retained
// samples, all in milliseconds.
func (l *latencyTracker) Observe(batch []*ingest.Message, committedAt time.Time) (avg, p95, p99 float64) {
	latencies := make([]float64, 0, len(batch))
	for _, m := range batch {
		if m.CreatedAt.IsZero() {
			continue
		}
		latencies = append(latencies, float64(committedAt.Sub(m.CreatedAt).Nanoseconds())/1e6)
	}
	if len(latencies) == 0 {
		return 0, 0, 0
	}

	var sum float64
	for _, v := range latencies {
		sum += v
	}
	avg = sum / float64(len(latencies))

	l.samples = append(l.samples, latencies...)
	if len(l.samples) > latencySampleCap {
		l.samples = l.samples[len(l.samples)-latencySampleCap:]
	}

	sorted := make([]float64, len(l.samples))
	copy(sorted, l.samples)
	sort.Float64s(sorted)
	return avg, percentile(sorted, 0.95), percentile(sorted, 0.99)
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
