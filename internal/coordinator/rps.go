package coordinator

import "time"

// rpsEstimator measures committed throughput over a fixed window using a
// single counter and a window anchor, so cost stays constant regardless
// of rate.
type rpsEstimator struct {
	window      time.Duration
	count       int64
	windowStart time.Time
}

func newRPSEstimator(window time.Duration) *rpsEstimator {
	return &rpsEstimator{
		window:      window,
		windowStart: time.Now(),
	}
}

// Add records n committed messages and returns the current estimate in
// messages per second. Once the window has fully elapsed the rate is
// finalized over the actual elapsed time and the window resets; before
// that an intermediate rate over the elapsed fraction is reported.
func (r *rpsEstimator) Add(n int64) float64 {
	r.count += n
	now := time.Now()
	elapsed := now.Sub(r.windowStart).Seconds()

	if elapsed >= r.window.Seconds() {
		rps := float64(r.count) / elapsed
		r.count = 0
		r.windowStart = now
		return rps
	}

	// Floor the divisor so a burst right after reset reads as a rate,
	// not a spike to infinity.
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	return float64(r.count) / elapsed
}
