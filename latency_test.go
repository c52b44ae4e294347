package batchgate

import (
	"sync"
	"testing"
	"time"
)

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker()
	if got := tracker.Average(); got != 0 {
		t.Errorf("Average() = %v on empty tracker, want 0", got)
	}
}

func TestLatencyTrackerRunningAverage(t *testing.T) {
	tracker := NewLatencyTracker()
	tracker.Observe(100 * time.Millisecond)
	tracker.Observe(300 * time.Millisecond)

	if got := tracker.Average(); got != 200*time.Millisecond {
		t.Errorf("Average() = %v, want 200ms", got)
	}
}

func TestLatencyTrackerConcurrentObserve(t *testing.T) {
	tracker := NewLatencyTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Observe(50 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := tracker.Average(); got != 50*time.Millisecond {
		t.Errorf("Average() = %v, want 50ms for uniform samples", got)
	}
}
