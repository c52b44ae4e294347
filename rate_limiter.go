package batchgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// admissionWindow is the span over which per-priority quota shares are
// enforced.
const admissionWindow = time.Minute

// minQuotaWait bounds how tightly a blocked caller re-polls the quota window.
const minQuotaWait = 10 * time.Millisecond

// shareSumTolerance absorbs float rounding when checking that priority
// shares sum to 1.
const shareSumTolerance = 1e-6

// RateLimiter performs priority-aware admission control in front of the
// external call, plus short-lived call-signature deduplication. Admission is
// granted when, in order: a concurrency slot is free, no cooldown is active,
// the priority's rolling per-minute share has room, and the minimum
// inter-admission delay has elapsed.
type RateLimiter struct {
	config QuotaConfig

	// sem bounds callers concurrently inside WaitForCapacity.
	sem *semaphore.Weighted
	// pace enforces the minimum spacing between admissions.
	pace *rate.Limiter

	mu            sync.Mutex
	history       map[Priority]*admissionRing
	cooldownUntil time.Time
	dedup         map[string]dedupEntry

	logger  Logger
	metrics *MetricsCollector
}

type dedupEntry struct {
	at    time.Time
	value any
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger attaches a logger for cooldown and wait events.
func WithRateLimiterLogger(logger Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// WithRateLimiterMetrics attaches a metrics collector.
func WithRateLimiterMetrics(mc *MetricsCollector) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.metrics = mc
	}
}

// NewRateLimiter creates a rate limiter. Zero config fields receive
// defaults; priority shares must cover every priority and sum to 1, and a
// violation is reported here rather than at admission time.
func NewRateLimiter(config QuotaConfig, options ...RateLimiterOption) (*RateLimiter, error) {
	if config.RequestsPerMinute == 0 {
		config.RequestsPerMinute = 30
	}
	if config.CooldownDuration == 0 {
		config.CooldownDuration = 30 * time.Second
	}
	if config.MaxConcurrentRequests == 0 {
		config.MaxConcurrentRequests = 5
	}
	if config.DedupWindow == 0 {
		config.DedupWindow = 5 * time.Minute
	}
	if config.PriorityShares == nil {
		config.PriorityShares = DefaultQuotaConfig().PriorityShares
	}

	if err := validateShares(config.PriorityShares); err != nil {
		return nil, err
	}
	if config.RequestsPerMinute < 0 || config.MinDelay < 0 || config.MaxConcurrentRequests < 0 {
		return nil, &Error{Type: ErrorTypeValidation, Message: "quota values must be non-negative"}
	}

	pace := rate.NewLimiter(rate.Inf, 1)
	if config.MinDelay > 0 {
		pace = rate.NewLimiter(rate.Every(config.MinDelay), 1)
	}

	rl := &RateLimiter{
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrentRequests)),
		pace:    pace,
		history: make(map[Priority]*admissionRing),
		dedup:   make(map[string]dedupEntry),
	}
	for priority, share := range config.PriorityShares {
		rl.history[priority] = newAdmissionRing(shareBudget(config.RequestsPerMinute, share))
	}

	for _, option := range options {
		option(rl)
	}

	return rl, nil
}

func validateShares(shares map[Priority]float64) error {
	sum := 0.0
	for priority, share := range shares {
		if share <= 0 || share > 1 {
			return &Error{
				Type:    ErrorTypeValidation,
				Message: fmt.Sprintf("priority share for %s must be in (0, 1], got %v", priority, share),
			}
		}
		sum += share
	}
	if math.Abs(sum-1.0) > shareSumTolerance {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("priority shares must sum to 1.0, got %v", sum),
		}
	}
	return nil
}

func shareBudget(requestsPerMinute int, share float64) int {
	budget := int(float64(requestsPerMinute) * share)
	if budget < 1 {
		budget = 1
	}
	return budget
}

// WaitForCapacity blocks the caller until its priority may issue a request,
// or ctx is done. It never fails for lack of capacity, only on cancellation
// or an unknown priority.
func (rl *RateLimiter) WaitForCapacity(ctx context.Context, priority Priority) error {
	share, ok := rl.config.PriorityShares[priority]
	if !ok {
		return &Error{
			Type:     ErrorTypeValidation,
			Message:  fmt.Sprintf("no quota share configured for priority %s", priority),
			Priority: priority,
		}
	}
	budget := shareBudget(rl.config.RequestsPerMinute, share)

	if err := rl.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer rl.sem.Release(1)

	start := time.Now()
	for {
		wait := rl.admit(priority, budget)
		if wait == 0 {
			break
		}

		if rl.logger != nil {
			rl.logger.Debug("waiting for capacity",
				"priority", priority.String(), "wait", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := rl.pace.Wait(ctx); err != nil {
		return err
	}

	if rl.metrics != nil {
		rl.metrics.RecordAdmissionWait(priority, time.Since(start))
	}
	return nil
}

// admit checks cooldown and the rolling quota window, recording an admission
// timestamp and returning 0 on success, or the suggested wait otherwise. A
// single "now" snapshot is used for all checks within one call.
func (rl *RateLimiter) admit(priority Priority, budget int) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if now.Before(rl.cooldownUntil) {
		return rl.cooldownUntil.Sub(now)
	}

	ring := rl.history[priority]
	cutoff := now.Add(-admissionWindow)
	if ring.countSince(cutoff) >= budget {
		oldest, ok := ring.oldestSince(cutoff)
		wait := minQuotaWait
		if ok {
			wait = oldest.Add(admissionWindow).Sub(now)
			if wait < minQuotaWait {
				wait = minQuotaWait
			}
		}
		return wait
	}

	ring.push(now)
	return 0
}

// StartCooldown blocks all priorities until the deadline. A non-positive
// duration uses the configured CooldownDuration.
func (rl *RateLimiter) StartCooldown(duration time.Duration) {
	if duration <= 0 {
		duration = rl.config.CooldownDuration
	}

	rl.mu.Lock()
	rl.cooldownUntil = time.Now().Add(duration)
	rl.mu.Unlock()

	if rl.logger != nil {
		rl.logger.Warn("entering cooldown", "duration", duration)
	}
	if rl.metrics != nil {
		rl.metrics.RecordCooldown()
	}
}

// InCooldown reports whether a cooldown window is currently active.
func (rl *RateLimiter) InCooldown() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return time.Now().Before(rl.cooldownUntil)
}

// CheckDedup returns the cached result of an identical recent call, if one
// completed within the dedup window. A hit consumes no quota.
func (rl *RateLimiter) CheckDedup(endpoint string, params map[string]any) (any, bool) {
	key := callSignature(endpoint, params)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepDedupLocked()
	entry, ok := rl.dedup[key]
	if !ok {
		return nil, false
	}
	if rl.logger != nil {
		rl.logger.Debug("call deduplicated", "endpoint", endpoint)
	}
	return entry.value, true
}

// CacheResponse stores a call result for deduplication.
func (rl *RateLimiter) CacheResponse(endpoint string, params map[string]any, value any) {
	key := callSignature(endpoint, params)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.dedup[key] = dedupEntry{at: time.Now(), value: value}
}

// sweepDedupLocked drops expired dedup entries. Callers must hold rl.mu.
func (rl *RateLimiter) sweepDedupLocked() {
	cutoff := time.Now().Add(-rl.config.DedupWindow)
	for key, entry := range rl.dedup {
		if entry.at.Before(cutoff) {
			delete(rl.dedup, key)
		}
	}
}

// callSignature hashes endpoint plus canonical params into a dedup key.
func callSignature(endpoint string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(canonicalJSON(params))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a value deterministically; encoding/json sorts map
// keys, which is all the canonicalization the dedup key needs.
func canonicalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return b
}

// admissionRing is a fixed-capacity ring of admission timestamps, sized to
// the priority's window budget so rotation is O(1).
type admissionRing struct {
	buf  []time.Time
	head int
	n    int
}

func newAdmissionRing(capacity int) *admissionRing {
	if capacity < 1 {
		capacity = 1
	}
	return &admissionRing{buf: make([]time.Time, capacity)}
}

// push appends a timestamp, overwriting the oldest entry when full.
func (r *admissionRing) push(t time.Time) {
	tail := (r.head + r.n) % len(r.buf)
	r.buf[tail] = t
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// countSince counts entries at or after the cutoff.
func (r *admissionRing) countSince(cutoff time.Time) int {
	count := 0
	for i := 0; i < r.n; i++ {
		if !r.buf[(r.head+i)%len(r.buf)].Before(cutoff) {
			count++
		}
	}
	return count
}

// oldestSince returns the oldest entry at or after the cutoff.
func (r *admissionRing) oldestSince(cutoff time.Time) (time.Time, bool) {
	for i := 0; i < r.n; i++ {
		t := r.buf[(r.head+i)%len(r.buf)]
		if !t.Before(cutoff) {
			return t, true
		}
	}
	return time.Time{}, false
}
