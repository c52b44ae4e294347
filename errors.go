package batchgate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker denies admission.
	// The wrapped operation is never invoked in that case.
	ErrCircuitOpen = errors.New("batchgate: circuit open")

	// ErrManagerStopped is returned to submitters whose request was still
	// queued when the manager shut down.
	ErrManagerStopped = errors.New("batchgate: manager stopped")

	// ErrResultCountMismatch is returned when the batch processor violates
	// its contract and yields a result sequence of the wrong length.
	ErrResultCountMismatch = errors.New("batchgate: processor returned wrong result count")
)

// Error type discriminators carried by *Error.
const (
	ErrorTypeNetwork     = "Network"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeServer      = "Server"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeValidation  = "Validation"
	ErrorTypePermanent   = "Permanent"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeBatchItem   = "BatchItem"
)

// Error is the typed error surfaced by the orchestration core.
type Error struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Priority    Priority
	Attempt     int
	MaxAttempts int
	StatusCode  int
	Timestamp   time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*Error); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	info += fmt.Sprintf("Priority: %s\n", e.Priority)
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// retryableFragments are message substrings that mark a failure as transient
// when no typed information is available. They match the signatures the
// upstream API emits for rate limiting, server trouble and network flakiness.
var retryableFragments = []string{
	"429", "rate limit", "quota", "resource exhausted",
	"500", "502", "503", "504",
	"timeout", "connection", "network", "server error", "unavailable", "overloaded",
}

// IsRetryable reports whether an error represents a transient failure worth
// retrying under backoff. Permanent, validation and circuit-open errors are
// fatal and surfaced immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit:
			return true
		case ErrorTypeValidation, ErrorTypePermanent, ErrorTypeCircuitOpen:
			return false
		}
		if e.StatusCode == 429 || e.StatusCode >= 500 {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether an error is a 429-class signal. Such failures
// additionally trigger the rate limiter's cooldown.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Type == ErrorTypeRateLimit || e.StatusCode == 429 {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource exhausted")
}
