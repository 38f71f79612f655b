package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("stt attempt: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("decode: %w", ErrInvalidOutput), "invalid_output"},
		{ErrEmptyResult, "empty_result"},
		{&StatusError{Provider: "openai", StatusCode: 429}, "rate_limited"},
		{fmt.Errorf("wrap: %w", &StatusError{Provider: "gemini", StatusCode: 503}), "upstream_5xx"},
		{&StatusError{Provider: "http", StatusCode: 401}, "client_4xx"},
		{errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&StatusError{StatusCode: 503}) {
		t.Fatalf("IsRetryable(503) = false, want true")
	}
	if IsRetryable(&StatusError{StatusCode: 400}) {
		t.Fatalf("IsRetryable(400) = true, want false")
	}
	if IsRetryable(ErrInvalidOutput) {
		t.Fatalf("IsRetryable(ErrInvalidOutput) = true, want false")
	}
}
