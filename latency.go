package batchgate

import (
	"sync"
	"time"
)

// LatencyTracker keeps a cumulative average of batch processing time. It is
// the default LatencyProbe feeding adaptive batch sizing.
type LatencyTracker struct {
	mu    sync.Mutex
	avg   time.Duration
	count int64
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{}
}

// Observe folds a new sample into the running average.
func (t *LatencyTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.avg += (d - t.avg) / time.Duration(t.count)
}

// Average returns the running average, zero before any sample.
func (t *LatencyTracker) Average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avg
}
