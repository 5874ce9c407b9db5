// Package transport builds the shared HTTP client (C2) and classifies
// errors into a retry taxonomy: a machine-readable Class plus a human
// message (the human string becomes Error()).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is one of the retry-policy buckets an outbound request error
// falls into.
type Class string

const (
	ClassNetwork     Class = "network"
	ClassTimeout     Class = "timeout"
	ClassServer5xx   Class = "server_5xx"
	ClassRateLimit   Class = "rate_limit_429"
	ClassClient4xx   Class = "client_4xx"
	ClassIntegrity   Class = "integrity"
	ClassUnknown     Class = "unknown"
)

// backoffSchedules holds the fixed delay sequences per class. The final
// element repeats if attempts exceed the table (callers should still stop
// at retry.max_attempts regardless).
var backoffSchedules = map[Class][]time.Duration{
	ClassNetwork:   {2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
	ClassTimeout:   {5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second},
	ClassServer5xx: {1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second},
	ClassRateLimit: {60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second},
	ClassUnknown:   {1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
}

// Retryable reports whether a class is ever worth retrying (client_4xx
// never is; integrity has its own three-strikes rule handled by the
// integrity package, not a backoff schedule).
func (c Class) Retryable() bool {
	return c != ClassClient4xx
}

// Backoff returns the delay before attempt N (1-indexed) for a class,
// honoring a server-supplied Retry-After for rate_limit_429 when present.
func Backoff(class Class, attempt int, retryAfter time.Duration) time.Duration {
	if class == ClassRateLimit && retryAfter > 0 {
		return retryAfter
	}
	sched, ok := backoffSchedules[class]
	if !ok || len(sched) == 0 {
		sched = backoffSchedules[ClassUnknown]
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	return sched[idx]
}

// ClassifiedError wraps an underlying error with its retry class and a
// human-readable message.
type ClassifiedError struct {
	Class      Class
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// Classify converts a transport-level error and/or HTTP status into a
// ClassifiedError.
func Classify(err error, status int, retryAfter time.Duration) *ClassifiedError {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &ClassifiedError{Class: ClassTimeout, Message: "request timed out", cause: err}
		}
		msg := err.Error()
		switch {
		case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "context deadline"):
			return &ClassifiedError{Class: ClassTimeout, Message: "request timed out", cause: err}
		case strings.Contains(msg, "no such host"):
			return &ClassifiedError{Class: ClassNetwork, Message: "server not found", cause: err}
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
			return &ClassifiedError{Class: ClassNetwork, Message: "server unreachable", cause: err}
		case strings.Contains(msg, "network is unreachable"):
			return &ClassifiedError{Class: ClassNetwork, Message: "no network connectivity", cause: err}
		default:
			return &ClassifiedError{Class: ClassUnknown, Message: "request failed", cause: err}
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &ClassifiedError{Class: ClassRateLimit, Message: "rate limited (429)", RetryAfter: retryAfter}
	case status == 401, status == 403, status == 404:
		return &ClassifiedError{Class: ClassClient4xx, Message: friendlyHTTPMessage(status)}
	case status >= 500 && status < 600:
		return &ClassifiedError{Class: ClassServer5xx, Message: friendlyHTTPMessage(status)}
	case status >= 400:
		return &ClassifiedError{Class: ClassClient4xx, Message: friendlyHTTPMessage(status)}
	default:
		return nil
	}
}

func friendlyHTTPMessage(status int) string {
	switch status {
	case 404:
		return "resource not found (404)"
	case 403:
		return "access denied (403)"
	case 401:
		return "authentication required (401)"
	case 429:
		return "too many requests (429)"
	default:
		if status >= 500 {
			return fmt.Sprintf("server error (%d)", status)
		}
		return fmt.Sprintf("unexpected status (%d)", status)
	}
}

// ParseRetryAfter parses the Retry-After header (seconds form only, which
// is what the target API emits; an HTTP-date form falls back to zero).
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Config configures the shared client.
type Config struct {
	UserAgent       string
	BearerToken     string
	ConnectTimeout  time.Duration
	FirstByteTimeout time.Duration
	MaxIdlePerHost  int
}

// DefaultConfig returns the engine's documented transport defaults.
func DefaultConfig(userAgent, token string) Config {
	return Config{
		UserAgent:        userAgent,
		BearerToken:      token,
		ConnectTimeout:   10 * time.Second,
		FirstByteTimeout: 30 * time.Second,
		MaxIdlePerHost:   10,
	}
}

// NewClient builds the process-wide shared HTTP client: pooled transport,
// keep-alive on, redirects capped at 10. Per-request total timeout
// is NOT set here — it is adaptive (see AdaptiveTotalTimeout) and applied
// by callers via context.WithTimeout, since it depends on declared file
// size and recent failure rate which this package does not track.
func NewClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.FirstByteTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("transport: stopped after 10 redirects")
			}
			return nil
		},
	}
}

// AdaptiveTotalTimeout computes the per-file total timeout:
// max(base, size_MB * k * (1 + recent_failure_rate)), base=30s, k=2.0.
func AdaptiveTotalTimeout(sizeBytes int64, recentFailureRate float64) time.Duration {
	const base = 30 * time.Second
	const k = 2.0
	sizeMB := float64(sizeBytes) / (1024 * 1024)
	adaptive := time.Duration(sizeMB*k*(1+recentFailureRate)) * time.Second
	if adaptive < base {
		return base
	}
	return adaptive
}

// NewRequest builds a GET request with the shared headers applied.
func NewRequest(ctx context.Context, method, url string, cfg Config) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: building request: %w", err)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	return req, nil
}
