package batchgate

import (
	"context"
	"time"

	"github.com/ambiyansyah-risyal/batchgate/internal/backoff"
)

// Operation is a single asynchronous unit of work wrapped by a
// RetryExecutor.
type Operation func(ctx context.Context) (any, error)

// RetryExecutor composes circuit breaking, rate-limited admission and
// exponential backoff around one operation. Outcomes are classified with
// IsRetryable: transient failures are retried, fatal ones surface
// immediately with remaining attempts skipped.
type RetryExecutor struct {
	config   RetryConfig
	strategy backoff.Strategy
	breaker  *CircuitBreaker
	limiter  *RateLimiter
	logger   Logger
	metrics  *MetricsCollector
}

// RetryOption configures a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithRetryBreaker guards executions with a circuit breaker. Denied
// admission fails immediately with ErrCircuitOpen.
func WithRetryBreaker(cb *CircuitBreaker) RetryOption {
	return func(e *RetryExecutor) {
		e.breaker = cb
	}
}

// WithRetryLimiter makes executions wait for rate-limiter capacity before
// the first attempt, and routes 429-class failures into its cooldown.
func WithRetryLimiter(rl *RateLimiter) RetryOption {
	return func(e *RetryExecutor) {
		e.limiter = rl
	}
}

// WithRetryLogger attaches a logger for attempt-level events.
func WithRetryLogger(logger Logger) RetryOption {
	return func(e *RetryExecutor) {
		e.logger = logger
	}
}

// WithRetryMetrics attaches a metrics collector.
func WithRetryMetrics(mc *MetricsCollector) RetryOption {
	return func(e *RetryExecutor) {
		e.metrics = mc
	}
}

// WithRetryStrategy overrides the backoff strategy.
func WithRetryStrategy(s backoff.Strategy) RetryOption {
	return func(e *RetryExecutor) {
		e.strategy = s
	}
}

// NewRetryExecutor creates an executor, applying defaults for zero config
// fields.
func NewRetryExecutor(config RetryConfig, options ...RetryOption) *RetryExecutor {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}

	e := &RetryExecutor{
		config:   config,
		strategy: backoff.Default(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Execute runs op under the executor's policy and returns its value or the
// last error once retries are exhausted, a fatal error is classified, the
// overall time bound is hit, or ctx is done. The breaker observes every
// attempt's outcome.
func (e *RetryExecutor) Execute(ctx context.Context, priority Priority, op Operation) (any, error) {
	if e.breaker != nil && !e.breaker.Allow() {
		if e.metrics != nil {
			e.metrics.RecordError(ErrorTypeCircuitOpen, priority)
		}
		return nil, &Error{
			Type:      ErrorTypeCircuitOpen,
			Message:   "circuit breaker denied admission",
			Cause:     ErrCircuitOpen,
			Priority:  priority,
			Timestamp: time.Now(),
		}
	}

	if e.limiter != nil {
		if err := e.limiter.WaitForCapacity(ctx, priority); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
				if e.metrics != nil {
					e.metrics.RecordCircuitBreakerState("default", e.breaker.State())
				}
			}
			return value, nil
		}

		lastErr = err
		if e.breaker != nil {
			e.breaker.RecordFailure()
			if e.metrics != nil {
				e.metrics.RecordCircuitBreakerState("default", e.breaker.State())
			}
		}

		if IsRateLimit(err) && e.limiter != nil {
			e.limiter.StartCooldown(0)
		}

		if !IsRetryable(err) {
			if e.logger != nil {
				e.logger.Error("fatal error, not retrying", "error", err)
			}
			return nil, err
		}

		if attempt == e.config.MaxAttempts-1 {
			break
		}

		delay := e.strategy.Delay(attempt, e.config.InitialBackoff, e.config.MaxBackoff,
			e.config.Multiplier, e.config.Jitter)

		if e.config.MaxElapsed > 0 && time.Since(start)+delay > e.config.MaxElapsed {
			if e.logger != nil {
				e.logger.Error("retry time budget exhausted",
					"elapsed", time.Since(start), "maxElapsed", e.config.MaxElapsed)
			}
			break
		}

		if e.logger != nil {
			e.logger.Warn("attempt failed, backing off",
				"attempt", attempt+1, "maxAttempts", e.config.MaxAttempts,
				"delay", delay, "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordRetry(priority, attempt+1)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if e.logger != nil {
		e.logger.Error("giving up",
			"attempts", e.config.MaxAttempts, "error", lastErr)
	}
	return nil, lastErr
}
