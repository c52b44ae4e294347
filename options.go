package batchgate

import "time"

// WithBatchConfig sets batch assembly limits
func WithBatchConfig(config BatchConfig) Option {
	return func(m *Manager) {
		m.config = config
	}
}

// WithQueueSize sets the per-priority queue buffer size
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		m.queueSize = n
	}
}

// WithCacheTTL sets the result cache TTL used when no cache is injected
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.cacheTTL = ttl
	}
}

// WithRequestCache sets the result cache, replacing the default
func WithRequestCache(cache *RequestCache) Option {
	return func(m *Manager) {
		m.cache = cache
	}
}

// WithRetryExecutor routes batch processing through a retry executor
func WithRetryExecutor(executor *RetryExecutor) Option {
	return func(m *Manager) {
		m.executor = executor
	}
}

// WithTokenEstimator sets the token cost estimator for queued requests
func WithTokenEstimator(estimator TokenEstimator) Option {
	return func(m *Manager) {
		if estimator != nil {
			m.estimator = estimator
		}
	}
}

// WithLatencyProbe sets an external latency signal for adaptive batch sizing
func WithLatencyProbe(probe LatencyProbe) Option {
	return func(m *Manager) {
		m.probe = probe
	}
}

// WithLatencyThresholds sets the latency bands for adaptive batch sizing.
// Below low the effective max grows, above high it shrinks.
func WithLatencyThresholds(low, high time.Duration) Option {
	return func(m *Manager) {
		m.lowLatency = low
		m.highLatency = high
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics enables prometheus metrics on the default registry
func WithMetrics() Option {
	return func(m *Manager) {
		m.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}
