package batchgate

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed network", &Error{Type: ErrorTypeNetwork, Message: "conn reset"}, true},
		{"typed timeout", &Error{Type: ErrorTypeTimeout, Message: "deadline"}, true},
		{"typed server", &Error{Type: ErrorTypeServer, Message: "boom"}, true},
		{"typed rate limit", &Error{Type: ErrorTypeRateLimit, Message: "slow down"}, true},
		{"typed validation", &Error{Type: ErrorTypeValidation, Message: "bad input"}, false},
		{"typed permanent", &Error{Type: ErrorTypePermanent, Message: "gone"}, false},
		{"typed circuit open", &Error{Type: ErrorTypeCircuitOpen, Message: "denied"}, false},
		{"sentinel circuit open", ErrCircuitOpen, false},
		{"wrapped circuit open", fmt.Errorf("call failed: %w", ErrCircuitOpen), false},
		{"status 429", &Error{Type: "", Message: "rejected", StatusCode: 429}, true},
		{"status 503", &Error{Type: "", Message: "rejected", StatusCode: 503}, true},
		{"status 400", &Error{Type: "", Message: "rejected", StatusCode: 400}, false},
		{"message 429", errors.New("API error 429: too many requests"), true},
		{"message quota", errors.New("quota exceeded for project"), true},
		{"message timeout", errors.New("request timeout after 30s"), true},
		{"message 503", errors.New("upstream returned 503"), true},
		{"message overloaded", errors.New("model is overloaded"), true},
		{"plain message", errors.New("invalid api key"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRateLimitClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed rate limit", &Error{Type: ErrorTypeRateLimit, Message: "slow down"}, true},
		{"status 429", &Error{Message: "rejected", StatusCode: 429}, true},
		{"message rate limit", errors.New("rate limit exceeded"), true},
		{"message quota", errors.New("quota exhausted"), true},
		{"typed server", &Error{Type: ErrorTypeServer, Message: "boom"}, false},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRateLimit(tc.err); got != tc.want {
				t.Errorf("IsRateLimit(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{
		Type:        ErrorTypeServer,
		Message:     "upstream failed",
		Cause:       errors.New("boom"),
		RequestID:   "req-1",
		Attempt:     2,
		MaxAttempts: 5,
	}

	msg := err.Error()
	for _, fragment := range []string{"Server", "upstream failed", "boom", "req-1", "attempt 2/5"} {
		if !strings.Contains(msg, fragment) {
			t.Errorf("Error() = %q, missing %q", msg, fragment)
		}
	}
}

func TestErrorUnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Type: ErrorTypeNetwork, Message: "flaky", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is() does not reach the cause")
	}
	if !errors.Is(err, &Error{Type: ErrorTypeNetwork}) {
		t.Error("errors.Is() does not match on type")
	}
	if errors.Is(err, &Error{Type: ErrorTypeTimeout}) {
		t.Error("errors.Is() matches a different type")
	}
}

func TestErrorDebugInfo(t *testing.T) {
	err := &Error{
		Type:       ErrorTypeRateLimit,
		Message:    "slow down",
		RequestID:  "req-9",
		Priority:   PriorityLow,
		StatusCode: 429,
	}

	info := err.DebugInfo()
	for _, fragment := range []string{"RateLimit", "slow down", "req-9", "low", "429"} {
		if !strings.Contains(info, fragment) {
			t.Errorf("DebugInfo() missing %q:\n%s", fragment, info)
		}
	}
}
