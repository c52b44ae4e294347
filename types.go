package batchgate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority is the service class of a request. It selects the queue the
// request waits on and the share of the admission budget it draws from.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// Priorities returns the fixed ordered set of service classes.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Request is an opaque unit of work. It is immutable after creation and owned
// by the submitting caller until a batch consumes it.
type Request struct {
	ID        string
	Payload   map[string]any
	Priority  Priority
	CreatedAt time.Time
	Metadata  map[string]string
}

// NewRequest creates a Request with a fresh correlation id.
func NewRequest(payload map[string]any, priority Priority) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{},
	}
}

// RequestBatch is an ordered group of requests assembled by one collection
// cycle. It lives from batch flush until the processor call returns.
type RequestBatch struct {
	ID          string
	Requests    []*Request
	TotalTokens int
}

// Result is the outcome of one request within a processed batch. A non-nil
// Err is scoped to that request only and never fails its siblings.
type Result struct {
	Value any
	Err   error
}

// BatchProcessor is the injected callback that performs the external call for
// a whole batch. It must return one Result per request, in request order.
// Per-item failures are reported through Result.Err; a non-nil error return
// fails the entire batch.
type BatchProcessor func(ctx context.Context, batch *RequestBatch) ([]Result, error)

// TokenEstimator estimates the cost of a request against the batch token
// budget.
type TokenEstimator func(req *Request) int

// DefaultTokenEstimator approximates tokens as payload characters / 4.
func DefaultTokenEstimator(req *Request) int {
	n := 0
	for k, v := range req.Payload {
		n += len(k) + len(stringify(v))
	}
	n /= 4
	if n < 1 {
		n = 1
	}
	return n
}

// LatencyProbe supplies the rolling latency signal consulted by each
// collector when adapting its batch size.
type LatencyProbe interface {
	Average() time.Duration
}

// BatchConfig bounds batch formation.
type BatchConfig struct {
	MaxBatchSize  int
	MinBatchSize  int
	MaxWaitTime   time.Duration
	MaxTokenLimit int
}

// DefaultBatchConfig mirrors the limits of the upstream API this core was
// built against.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  50,
		MinBatchSize:  5,
		MaxWaitTime:   2 * time.Second,
		MaxTokenLimit: 8000,
	}
}

// QuotaConfig configures admission control.
type QuotaConfig struct {
	// RequestsPerMinute is the global admission ceiling; each priority draws
	// its share of it.
	RequestsPerMinute int
	// MinDelay is the minimum spacing between any two admissions. Zero
	// disables pacing; DefaultQuotaConfig supplies the stock 2s spacing.
	MinDelay time.Duration
	// CooldownDuration is applied after a rate-limit signal; during cooldown
	// every priority is blocked.
	CooldownDuration time.Duration
	// MaxConcurrentRequests bounds callers concurrently inside
	// WaitForCapacity.
	MaxConcurrentRequests int
	// PriorityShares maps each priority to its fraction of the per-minute
	// budget. Shares must sum to 1.
	PriorityShares map[Priority]float64
	// DedupWindow is the TTL of the call-signature dedup cache.
	DedupWindow time.Duration
}

// DefaultQuotaConfig returns the stock quota split: half the budget to high
// priority, the rest tapering down.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		RequestsPerMinute:     30,
		MinDelay:              2 * time.Second,
		CooldownDuration:      30 * time.Second,
		MaxConcurrentRequests: 5,
		PriorityShares: map[Priority]float64{
			PriorityHigh:   0.5,
			PriorityMedium: 0.3,
			PriorityLow:    0.2,
		},
		DedupWindow: 5 * time.Minute,
	}
}

// CircuitBreakerConfig configures the failure trip wire.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

// RetryConfig configures the retry loop of a RetryExecutor.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the fraction of the computed backoff randomized on top of it,
	// clamped to [0, 1].
	Jitter float64
	// MaxElapsed, when positive, aborts the retry loop once the total time
	// spent would exceed it, even if attempts remain.
	MaxElapsed time.Duration
}

// DefaultRetryConfig matches the upstream API's published retry guidance.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// CircuitState is the admission state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option func(*Manager)
