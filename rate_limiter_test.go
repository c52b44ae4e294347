package batchgate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testQuota() QuotaConfig {
	return QuotaConfig{
		RequestsPerMinute:     60,
		MinDelay:              time.Nanosecond,
		CooldownDuration:      50 * time.Millisecond,
		MaxConcurrentRequests: 5,
		PriorityShares: map[Priority]float64{
			PriorityHigh:   0.5,
			PriorityMedium: 0.3,
			PriorityLow:    0.2,
		},
		DedupWindow: time.Minute,
	}
}

func TestNewRateLimiterRejectsBadShares(t *testing.T) {
	cases := []struct {
		name   string
		shares map[Priority]float64
	}{
		{"sum below one", map[Priority]float64{PriorityHigh: 0.5, PriorityMedium: 0.3, PriorityLow: 0.1}},
		{"sum above one", map[Priority]float64{PriorityHigh: 0.6, PriorityMedium: 0.3, PriorityLow: 0.2}},
		{"negative share", map[Priority]float64{PriorityHigh: 1.2, PriorityMedium: -0.2}},
		{"zero share", map[Priority]float64{PriorityHigh: 1.0, PriorityLow: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testQuota()
			cfg.PriorityShares = tc.shares
			if _, err := NewRateLimiter(cfg); err == nil {
				t.Error("NewRateLimiter() accepted invalid shares")
			}
		})
	}
}

func TestNewRateLimiterAcceptsExactShares(t *testing.T) {
	if _, err := NewRateLimiter(testQuota()); err != nil {
		t.Fatalf("NewRateLimiter() = %v", err)
	}
}

func TestWaitForCapacityUnknownPriority(t *testing.T) {
	rl, err := NewRateLimiter(testQuota())
	if err != nil {
		t.Fatal(err)
	}

	err = rl.WaitForCapacity(context.Background(), Priority(42))
	if err == nil {
		t.Fatal("WaitForCapacity() = nil for unconfigured priority")
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Type != ErrorTypeValidation {
		t.Errorf("error = %v, want Validation", err)
	}
}

func TestWaitForCapacityQuotaCeiling(t *testing.T) {
	cfg := testQuota()
	cfg.RequestsPerMinute = 10 // low share budget: 10 * 0.2 = 2
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := rl.WaitForCapacity(ctx, PriorityLow); err != nil {
			t.Fatalf("admission %d: %v", i, err)
		}
	}

	// The third admission must block for the rest of the rolling minute.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = rl.WaitForCapacity(short, PriorityLow)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForCapacity() over budget = %v, want deadline exceeded", err)
	}
}

func TestWaitForCapacitySharesAreIndependent(t *testing.T) {
	cfg := testQuota()
	cfg.RequestsPerMinute = 10
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := rl.WaitForCapacity(ctx, PriorityLow); err != nil {
			t.Fatal(err)
		}
	}

	// Low is exhausted; high still has budget.
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := rl.WaitForCapacity(short, PriorityHigh); err != nil {
		t.Errorf("high priority starved by low's exhausted share: %v", err)
	}
}

func TestWaitForCapacityMinDelay(t *testing.T) {
	cfg := testQuota()
	cfg.MinDelay = 40 * time.Millisecond
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := rl.WaitForCapacity(ctx, PriorityHigh); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := rl.WaitForCapacity(ctx, PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second admission after %v, want at least ~%v spacing", elapsed, cfg.MinDelay)
	}
}

func TestCooldownBlocksEveryPriority(t *testing.T) {
	rl, err := NewRateLimiter(testQuota())
	if err != nil {
		t.Fatal(err)
	}

	rl.StartCooldown(80 * time.Millisecond)
	if !rl.InCooldown() {
		t.Fatal("InCooldown() = false right after StartCooldown")
	}

	for _, priority := range Priorities() {
		short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := rl.WaitForCapacity(short, priority)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("priority %s admitted during cooldown: %v", priority, err)
		}
	}

	time.Sleep(80 * time.Millisecond)
	if rl.InCooldown() {
		t.Error("InCooldown() = true after the window passed")
	}
	if err := rl.WaitForCapacity(context.Background(), PriorityHigh); err != nil {
		t.Errorf("admission after cooldown: %v", err)
	}
}

func TestStartCooldownZeroUsesConfigured(t *testing.T) {
	cfg := testQuota()
	cfg.CooldownDuration = 60 * time.Millisecond
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	rl.StartCooldown(0)
	if !rl.InCooldown() {
		t.Fatal("InCooldown() = false")
	}
	time.Sleep(80 * time.Millisecond)
	if rl.InCooldown() {
		t.Error("cooldown outlived the configured duration")
	}
}

func TestWaitForCapacityContextCancellation(t *testing.T) {
	rl, err := NewRateLimiter(testQuota())
	if err != nil {
		t.Fatal(err)
	}
	rl.StartCooldown(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rl.WaitForCapacity(ctx, PriorityHigh) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WaitForCapacity() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForCapacity did not return after cancellation")
	}
}

func TestDedupRoundTrip(t *testing.T) {
	rl, err := NewRateLimiter(testQuota())
	if err != nil {
		t.Fatal(err)
	}

	params := map[string]any{"doc": "alpha", "lang": "en"}
	if _, ok := rl.CheckDedup("summarize", params); ok {
		t.Fatal("CheckDedup() hit before CacheResponse")
	}

	rl.CacheResponse("summarize", params, "cached")

	value, ok := rl.CheckDedup("summarize", map[string]any{"lang": "en", "doc": "alpha"})
	if !ok {
		t.Fatal("CheckDedup() miss for identical call with reordered params")
	}
	if value != "cached" {
		t.Errorf("CheckDedup() = %v, want %q", value, "cached")
	}

	if _, ok := rl.CheckDedup("summarize", map[string]any{"doc": "beta", "lang": "en"}); ok {
		t.Error("CheckDedup() hit for different params")
	}
	if _, ok := rl.CheckDedup("translate", params); ok {
		t.Error("CheckDedup() hit for different endpoint")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	cfg := testQuota()
	cfg.DedupWindow = 20 * time.Millisecond
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	params := map[string]any{"doc": "alpha"}
	rl.CacheResponse("summarize", params, "cached")

	time.Sleep(30 * time.Millisecond)
	if _, ok := rl.CheckDedup("summarize", params); ok {
		t.Error("CheckDedup() hit after the dedup window elapsed")
	}
}

func TestWaitForCapacityZeroMinDelayNoPacing(t *testing.T) {
	cfg := testQuota()
	cfg.MinDelay = 0
	rl, err := NewRateLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Zero MinDelay means admissions are not spaced out.
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.WaitForCapacity(context.Background(), PriorityHigh); err != nil {
			t.Fatalf("admission %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("3 admissions took %v, want no inter-admission spacing", elapsed)
	}
}
