package batchgate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// pollInterval is how often a collector below MinBatchSize re-checks an
// empty queue before the wait-time budget expires.
const pollInterval = 25 * time.Millisecond

// pendingRequest couples a queued request with its one-shot completion slot.
type pendingRequest struct {
	req         *Request
	tokens      int
	key         string
	submittedAt time.Time
}

// Manager owns one FIFO queue and one collector goroutine per priority. It
// assembles bounded batches, hands them to the injected processor and fans
// each result back to exactly the caller that submitted the request.
type Manager struct {
	processor BatchProcessor
	config    BatchConfig
	cache     *RequestCache
	inflight  *inflightTracker
	executor  *RetryExecutor
	estimator TokenEstimator
	probe     LatencyProbe
	tracker   *LatencyTracker
	logger    Logger
	metrics   *MetricsCollector

	lowLatency  time.Duration
	highLatency time.Duration
	queueSize   int
	cacheTTL    time.Duration

	queues map[Priority]chan *pendingRequest

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	submitted atomic.Int64
	cacheHits atomic.Int64
	dedupHits atomic.Int64
	batches   atomic.Int64
	processed atomic.Int64
	failures  atomic.Int64
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	Submitted         int64
	CacheHits         int64
	DedupHits         int64
	BatchesProcessed  int64
	RequestsProcessed int64
	Errors            int64
	AvgProcessingTime time.Duration
}

// New creates a Manager around a batch processor. Configuration problems are
// reported here, never deferred to Submit.
func New(processor BatchProcessor, options ...Option) (*Manager, error) {
	if processor == nil {
		return nil, &Error{Type: ErrorTypeValidation, Message: "batch processor is required"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		processor:   processor,
		config:      DefaultBatchConfig(),
		inflight:    newInflightTracker(),
		estimator:   DefaultTokenEstimator,
		tracker:     NewLatencyTracker(),
		lowLatency:  500 * time.Millisecond,
		highLatency: 2 * time.Second,
		queueSize:   256,
		cacheTTL:    5 * time.Minute,
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, option := range options {
		option(m)
	}

	if err := m.validate(); err != nil {
		cancel()
		return nil, err
	}

	if m.cache == nil {
		m.cache = NewRequestCache(m.cacheTTL)
	}
	if m.probe == nil {
		m.probe = m.tracker
	}

	m.queues = make(map[Priority]chan *pendingRequest, len(Priorities()))
	for _, priority := range Priorities() {
		m.queues[priority] = make(chan *pendingRequest, m.queueSize)
	}

	return m, nil
}

func (m *Manager) validate() error {
	c := m.config
	switch {
	case c.MinBatchSize < 1:
		return &Error{Type: ErrorTypeValidation, Message: "MinBatchSize must be at least 1"}
	case c.MaxBatchSize < c.MinBatchSize:
		return &Error{Type: ErrorTypeValidation, Message: "MaxBatchSize must be >= MinBatchSize"}
	case c.MaxWaitTime <= 0:
		return &Error{Type: ErrorTypeValidation, Message: "MaxWaitTime must be positive"}
	case c.MaxTokenLimit < 1:
		return &Error{Type: ErrorTypeValidation, Message: "MaxTokenLimit must be at least 1"}
	case m.queueSize < 1:
		return &Error{Type: ErrorTypeValidation, Message: "queue size must be at least 1"}
	case m.lowLatency >= m.highLatency:
		return &Error{Type: ErrorTypeValidation, Message: "low latency threshold must be below high threshold"}
	}
	return nil
}

// Start launches one collector per priority. It is idempotent, and Submit
// triggers it lazily, so calling it explicitly is optional.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		for _, priority := range Priorities() {
			m.wg.Add(1)
			go m.collect(priority)
		}
		if m.logger != nil {
			m.logger.Info("batch collectors started", "priorities", len(m.queues))
		}
	})
}

// Stop cancels the collectors, waits for in-flight batches and fails any
// still-queued request with ErrManagerStopped.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		for _, queue := range m.queues {
		drain:
			for {
				select {
				case pr := <-queue:
					m.inflight.complete(pr.key, Result{Err: ErrManagerStopped})
				default:
					break drain
				}
			}
		}

		if m.logger != nil {
			m.logger.Info("batch collectors stopped")
		}
	})
}

// Submit hands a request to the core and blocks until its batch has been
// processed, a cached result is found, or ctx is done. The returned value is
// the result produced for this specific request.
func (m *Manager) Submit(ctx context.Context, req *Request) (any, error) {
	if req == nil {
		return nil, &Error{Type: ErrorTypeValidation, Message: "nil request"}
	}
	queue, ok := m.queues[req.Priority]
	if !ok {
		return nil, &Error{
			Type:     ErrorTypeValidation,
			Message:  "unknown priority",
			Priority: req.Priority,
		}
	}
	if m.ctx.Err() != nil {
		return nil, ErrManagerStopped
	}

	m.Start()
	m.submitted.Add(1)
	start := time.Now()

	if value, found := m.cache.Get(req); found {
		m.cacheHits.Add(1)
		if m.logger != nil {
			m.logger.Debug("cache hit", "requestID", req.ID)
		}
		m.metrics.RecordCacheHit(req.Priority)
		m.metrics.RecordRequest(req.Priority, "cache_hit", time.Since(start))
		return value, nil
	}
	m.metrics.RecordCacheMiss(req.Priority)

	key := m.cache.Key(req)
	entry, owner := m.inflight.getOrCreate(key)
	if !owner {
		m.dedupHits.Add(1)
		if m.logger != nil {
			m.logger.Debug("coalesced onto in-flight duplicate", "requestID", req.ID)
		}
		m.metrics.RecordDedupHit(req.Priority)
		result, err := entry.wait(ctx)
		if err != nil {
			return nil, err
		}
		return result.Value, result.Err
	}

	pr := &pendingRequest{
		req:         req,
		tokens:      m.estimator(req),
		key:         key,
		submittedAt: start,
	}

	select {
	case queue <- pr:
		// Stop may have finished draining between the shutdown check above
		// and this send, leaving the request in a dead queue. complete is
		// idempotent, so a result already fanned out wins.
		if m.ctx.Err() != nil {
			m.inflight.complete(key, Result{Err: ErrManagerStopped})
		}
	case <-ctx.Done():
		m.inflight.complete(key, Result{Err: ctx.Err()})
		return nil, ctx.Err()
	case <-m.ctx.Done():
		m.inflight.complete(key, Result{Err: ErrManagerStopped})
		return nil, ErrManagerStopped
	}

	if m.logger != nil {
		m.logger.Debug("request queued",
			"requestID", req.ID, "priority", req.Priority.String(), "tokens", pr.tokens)
	}
	m.metrics.RecordQueueDepth(req.Priority, len(queue))

	result, err := entry.wait(ctx)
	if err != nil {
		// The request stays in its batch; the eventual result still lands in
		// the cache for later submitters.
		return nil, err
	}

	outcome := "success"
	if result.Err != nil {
		outcome = "error"
	}
	m.metrics.RecordRequest(req.Priority, outcome, time.Since(start))
	return result.Value, result.Err
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Submitted:         m.submitted.Load(),
		CacheHits:         m.cacheHits.Load(),
		DedupHits:         m.dedupHits.Load(),
		BatchesProcessed:  m.batches.Load(),
		RequestsProcessed: m.processed.Load(),
		Errors:            m.failures.Load(),
		AvgProcessingTime: m.tracker.Average(),
	}
}

// collect runs one priority's batch loop until shutdown. All adaptive sizing
// state is local to this goroutine; nothing here is shared across queues.
func (m *Manager) collect(priority Priority) {
	defer m.wg.Done()

	queue := m.queues[priority]
	sizer := batchSizer{
		base: m.config.MaxBatchSize,
		min:  m.config.MinBatchSize,
		low:  m.lowLatency,
		high: m.highLatency,
	}
	var carry *pendingRequest

	for {
		var first *pendingRequest
		if carry != nil {
			first, carry = carry, nil
		} else {
			select {
			case <-m.ctx.Done():
				return
			case first = <-queue:
			}
		}

		maxSize := sizer.effectiveMax(m.probe.Average())
		batch := &RequestBatch{
			ID:          uuid.NewString(),
			Requests:    []*Request{first.req},
			TotalTokens: first.tokens,
		}
		pending := []*pendingRequest{first}
		deadline := time.Now().Add(m.config.MaxWaitTime)

	grow:
		for len(pending) < maxSize &&
			batch.TotalTokens < m.config.MaxTokenLimit &&
			time.Now().Before(deadline) {
			select {
			case pr := <-queue:
				if batch.TotalTokens+pr.tokens > m.config.MaxTokenLimit {
					// Over the token budget: defer to the next batch. The
					// carry slot keeps FIFO order; re-queueing would move the
					// request to the tail.
					carry = pr
					break grow
				}
				batch.Requests = append(batch.Requests, pr.req)
				batch.TotalTokens += pr.tokens
				pending = append(pending, pr)
			case <-m.ctx.Done():
				break grow
			default:
				if len(pending) >= m.config.MinBatchSize {
					break grow
				}
				select {
				case <-m.ctx.Done():
					break grow
				case <-time.After(pollInterval):
				}
			}
		}

		m.metrics.RecordQueueDepth(priority, len(queue))
		m.flush(priority, batch, pending)

		select {
		case <-m.ctx.Done():
			if carry != nil {
				m.inflight.complete(carry.key, Result{Err: ErrManagerStopped})
			}
			return
		default:
		}
	}
}

// flush hands a batch to the processor and fans results back to submitters.
func (m *Manager) flush(priority Priority, batch *RequestBatch, pending []*pendingRequest) {
	if m.logger != nil {
		m.logger.Debug("flushing batch",
			"batchID", batch.ID, "priority", priority.String(),
			"size", len(batch.Requests), "tokens", batch.TotalTokens)
	}
	m.metrics.RecordBatch(priority, len(batch.Requests), batch.TotalTokens)

	start := time.Now()
	results, err := m.runProcessor(priority, batch)
	m.tracker.Observe(time.Since(start))
	m.batches.Add(1)

	if err == nil && len(results) != len(pending) {
		err = &Error{
			Type:    ErrorTypeServer,
			Message: "batch result count mismatch",
			Cause:   ErrResultCountMismatch,
		}
	}

	if err != nil {
		if m.logger != nil {
			m.logger.Error("batch processing failed",
				"batchID", batch.ID, "priority", priority.String(), "error", err)
		}
		m.metrics.RecordError(errorType(err), priority)
		for _, pr := range pending {
			m.completePending(pr, Result{Err: err})
		}
		return
	}

	for i, pr := range pending {
		m.completePending(pr, results[i])
	}
}

// runProcessor invokes the processor, through the retry executor when one is
// configured.
func (m *Manager) runProcessor(priority Priority, batch *RequestBatch) ([]Result, error) {
	if m.executor == nil {
		return m.processor(m.ctx, batch)
	}

	value, err := m.executor.Execute(m.ctx, priority, func(ctx context.Context) (any, error) {
		results, err := m.processor(ctx, batch)
		if err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]Result), nil
}

// completePending caches a successful result and releases the submitter plus
// any coalesced duplicates.
func (m *Manager) completePending(pr *pendingRequest, result Result) {
	m.processed.Add(1)
	if result.Err != nil {
		m.failures.Add(1)
	} else {
		m.cache.Set(pr.req, result.Value)
	}
	m.inflight.complete(pr.key, result)
}

func errorType(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Type
	}
	return ErrorTypeServer
}

// batchSizer derives this cycle's effective max batch size from the latency
// signal. Each collector owns its own instance.
type batchSizer struct {
	base int
	min  int
	low  time.Duration
	high time.Duration
}

func (s batchSizer) effectiveMax(latency time.Duration) int {
	switch {
	case latency <= 0:
		return s.base
	case latency < s.low:
		return s.base * 3 / 2
	case latency > s.high:
		size := s.base * 3 / 4
		if size < s.min {
			size = s.min
		}
		return size
	default:
		return s.base
	}
}
