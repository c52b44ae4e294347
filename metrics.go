package batchgate

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the orchestration
// lifecycle. It is safe for concurrent use, and every Record* method is a
// no-op on a nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	batchesTotal     *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	batchTokens      *prometheus.HistogramVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	dedupHits        *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	admissionWait    *prometheus.HistogramVec
	cooldownsTotal   prometheus.Counter
	circuitState     *prometheus.GaugeVec
	errorsTotal      *prometheus.CounterVec
	registry         *prometheus.Registry
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_requests_total",
				Help: "Total number of requests submitted",
			},
			[]string{"priority", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchgate_request_duration_seconds",
				Help:    "Time from submission to result delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		queueDepth: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batchgate_queue_depth",
				Help: "Requests currently waiting in each priority queue",
			},
			[]string{"priority"},
		),
		batchesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_batches_total",
				Help: "Total number of batches flushed to the processor",
			},
			[]string{"priority"},
		),
		batchSize: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchgate_batch_size",
				Help:    "Number of requests per flushed batch",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"priority"},
		),
		batchTokens: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchgate_batch_tokens",
				Help:    "Estimated aggregate token cost per flushed batch",
				Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000},
			},
			[]string{"priority"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_cache_hits_total",
				Help: "Total number of request cache hits",
			},
			[]string{"priority"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_cache_misses_total",
				Help: "Total number of request cache misses",
			},
			[]string{"priority"},
		),
		dedupHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_dedup_hits_total",
				Help: "Total number of submissions coalesced onto an in-flight duplicate",
			},
			[]string{"priority"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"priority", "attempt"},
		),
		admissionWait: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchgate_admission_wait_seconds",
				Help:    "Time spent waiting for rate limiter capacity",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		cooldownsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "batchgate_cooldowns_total",
				Help: "Total number of cooldown windows triggered by rate-limit signals",
			},
		),
		circuitState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batchgate_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchgate_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type", "priority"},
		),
	}

	if r, ok := registry.(*prometheus.Registry); ok {
		mc.registry = r
	}

	return mc
}

// RecordRequest records the outcome and duration of one submission.
func (mc *MetricsCollector) RecordRequest(priority Priority, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.requestsTotal.WithLabelValues(priority.String(), outcome).Inc()
	mc.requestDuration.WithLabelValues(priority.String()).Observe(duration.Seconds())
}

// RecordQueueDepth sets the queue depth gauge for a priority.
func (mc *MetricsCollector) RecordQueueDepth(priority Priority, depth int) {
	if mc == nil {
		return
	}

	mc.queueDepth.WithLabelValues(priority.String()).Set(float64(depth))
}

// RecordBatch records a flushed batch's size and token cost.
func (mc *MetricsCollector) RecordBatch(priority Priority, size, tokens int) {
	if mc == nil {
		return
	}

	mc.batchesTotal.WithLabelValues(priority.String()).Inc()
	mc.batchSize.WithLabelValues(priority.String()).Observe(float64(size))
	mc.batchTokens.WithLabelValues(priority.String()).Observe(float64(tokens))
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(priority Priority) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(priority.String()).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(priority Priority) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(priority.String()).Inc()
}

// RecordDedupHit increments the in-flight coalescing counter.
func (mc *MetricsCollector) RecordDedupHit(priority Priority) {
	if mc == nil {
		return
	}

	mc.dedupHits.WithLabelValues(priority.String()).Inc()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(priority Priority, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(priority.String(), strconv.Itoa(attempt)).Inc()
}

// RecordAdmissionWait observes time spent inside WaitForCapacity.
func (mc *MetricsCollector) RecordAdmissionWait(priority Priority, wait time.Duration) {
	if mc == nil {
		return
	}

	mc.admissionWait.WithLabelValues(priority.String()).Observe(wait.Seconds())
}

// RecordCooldown increments the cooldown counter.
func (mc *MetricsCollector) RecordCooldown() {
	if mc == nil {
		return
	}

	mc.cooldownsTotal.Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var value float64
	switch state {
	case StateClosed:
		value = 0
	case StateOpen:
		value = 1
	case StateHalfOpen:
		value = 2
	}

	mc.circuitState.WithLabelValues(name).Set(value)
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType string, priority Priority) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, priority.String()).Inc()
}

// GetRegistry exposes the underlying registry when the collector was built
// on a *prometheus.Registry, nil otherwise.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}
