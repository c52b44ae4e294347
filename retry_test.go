package batchgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetryConfig keeps backoff delays test-sized.
func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3))

	calls := 0
	value, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(5))

	calls := 0
	value, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, &Error{Type: ErrorTypeServer, Message: "boom"}
		}
		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3))

	calls := 0
	transient := &Error{Type: ErrorTypeTimeout, Message: "deadline"}
	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		return nil, transient
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, transient)
}

func TestExecuteFatalErrorStopsImmediately(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(5))

	calls := 0
	fatal := &Error{Type: ErrorTypePermanent, Message: "invalid model"}
	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		return nil, fatal
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal errors must not be retried")
	assert.ErrorIs(t, err, fatal)
}

func TestExecuteOpenBreakerFailsFast(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	cb.RecordFailure()

	e := NewRetryExecutor(fastRetryConfig(3), WithRetryBreaker(cb))

	calls := 0
	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		return "never", nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls, "operation must not run while the circuit is open")
}

func TestExecuteBreakerObservesOutcomes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})
	e := NewRetryExecutor(fastRetryConfig(3), WithRetryBreaker(cb))

	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		return nil, &Error{Type: ErrorTypeServer, Message: "boom"}
	})
	require.Error(t, err)

	// Three failed attempts reached the threshold.
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteRateLimitTriggersCooldown(t *testing.T) {
	rl, err := NewRateLimiter(testQuota())
	require.NoError(t, err)

	e := NewRetryExecutor(fastRetryConfig(2), WithRetryLimiter(rl))

	_, err = e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		return nil, &Error{Type: ErrorTypeRateLimit, Message: "429 too many requests", StatusCode: 429}
	})

	require.Error(t, err)
	assert.True(t, rl.InCooldown(), "a 429-class failure must start a cooldown")
}

func TestExecuteMaxElapsedBound(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		MaxElapsed:     60 * time.Millisecond,
	}
	e := NewRetryExecutor(cfg)

	calls := 0
	start := time.Now()
	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		return nil, &Error{Type: ErrorTypeServer, Message: "boom"}
	})

	require.Error(t, err)
	assert.Less(t, calls, 10, "time budget must cut the attempt loop short")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteContextCancellationDuringBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
	}
	e := NewRetryExecutor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, PriorityHigh, func(ctx context.Context) (any, error) {
			return nil, &Error{Type: ErrorTypeServer, Message: "boom"}
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecuteDefaultsApplied(t *testing.T) {
	e := NewRetryExecutor(RetryConfig{})

	assert.Equal(t, 5, e.config.MaxAttempts)
	assert.Equal(t, 30*time.Second, e.config.InitialBackoff)
	assert.Equal(t, 5*time.Minute, e.config.MaxBackoff)
	assert.Equal(t, 2.0, e.config.Multiplier)
}

func TestExecuteCustomStrategy(t *testing.T) {
	e := NewRetryExecutor(fastRetryConfig(3), WithRetryStrategy(fixedDelay{}))

	calls := 0
	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("upstream returned 503")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

type fixedDelay struct{}

func (fixedDelay) Delay(int, time.Duration, time.Duration, float64, float64) time.Duration {
	return time.Millisecond
}

func TestExecuteRecordsBreakerStateGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	e := NewRetryExecutor(fastRetryConfig(2), WithRetryBreaker(cb), WithRetryMetrics(mc))

	_, err := e.Execute(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		return nil, &Error{Type: ErrorTypeServer, Message: "boom"}
	})
	require.Error(t, err)

	// Two failed attempts tripped the breaker; the gauge tracks it.
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(mc.circuitState.WithLabelValues("default")))
}
