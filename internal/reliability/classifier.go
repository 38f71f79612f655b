package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrInvalidOutput marks a provider reply that could not be parsed.
	ErrInvalidOutput = errors.New("invalid provider output")
	// ErrEmptyResult marks a provider reply with no usable content.
	ErrEmptyResult = errors.New("empty provider result")
)

// StatusError carries an upstream HTTP status so callers can classify it.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ErrorCode maps a provider failure to a low-cardinality metric label.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	var status *StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrInvalidOutput):
		return "invalid_output"
	case errors.Is(err, ErrEmptyResult):
		return "empty_result"
	case errors.As(err, &status):
		switch {
		case status.StatusCode == 429:
			return "rate_limited"
		case status.StatusCode >= 500:
			return "upstream_5xx"
		default:
			return "client_4xx"
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether another attempt against the same provider may succeed.
func IsRetryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return IsRetryableHTTPStatus(status.StatusCode)
	}
	switch ErrorCode(err) {
	case "timeout", "unknown":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
