// Package batchgate provides a priority-aware orchestration core for a
// rate-limited, fallible external call. It sits between arbitrary callers and
// an injected batch processor and layers:
//
//   - Priority queues (high / medium / low) with strict FIFO per queue
//   - Adaptive batch formation under size, time and token budgets
//   - Whole-result caching and in-flight submission coalescing
//   - Admission control: per-priority quota shares, minimum inter-request
//     delay, cooldown on rate-limit signals, bounded concurrency
//   - Retries with exponential backoff + jitter
//   - Circuit breaker (closed / open / half-open states)
//   - Prometheus metrics and lightweight structured logging
//
// Design goals:
//   - Payload agnostic: the core knows priority, payload and a correlation
//     id, never what a request means
//   - No I/O of its own: the external call is an injected callback
//   - Safe concurrent use of a single *Manager instance
//   - Functional options configure everything
//
// Typical usage:
//
//	mgr, err := batchgate.New(processBatch,
//	    batchgate.WithBatchConfig(batchgate.DefaultBatchConfig()),
//	    batchgate.WithCacheTTL(5*time.Minute),
//	    batchgate.WithRetryExecutor(exec),
//	)
//	if err != nil {
//	    // misconfiguration is reported at construction, not at runtime
//	}
//	mgr.Start()
//	defer mgr.Stop()
//	value, err := mgr.Submit(ctx, batchgate.NewRequest(payload, batchgate.PriorityHigh))
//
// Each Submit call blocks until the batch owning its request has been
// processed, and receives exactly the result produced for that request.
package batchgate
