package batchgate

import (
	"context"
	"sync"
)

// inflightEntry is a one-shot result slot shared between the submitter that
// owns a request and any duplicate submitters coalesced onto it.
type inflightEntry struct {
	mu     sync.Mutex
	result Result
	done   chan struct{}
}

// inflightTracker coalesces concurrent identical submissions so the batch
// processor sees each distinct piece of work at most once at a time.
type inflightTracker struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{entries: make(map[string]*inflightEntry)}
}

// getOrCreate returns the entry for a key. The second return is true for the
// caller that created the entry and therefore owns enqueueing the request.
func (t *inflightTracker) getOrCreate(key string) (*inflightEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[key]; ok {
		return entry, false
	}

	entry := &inflightEntry{done: make(chan struct{})}
	t.entries[key] = entry
	return entry, true
}

// complete finalizes an entry, releases every waiter and retires the key.
// Waiters hold the entry pointer, so removal is safe immediately.
func (t *inflightTracker) complete(key string, result Result) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	entry.result = result
	close(entry.done)
	entry.mu.Unlock()
}

// wait blocks until the owning request completes or ctx is done.
func (e *inflightEntry) wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		result := e.result
		e.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
