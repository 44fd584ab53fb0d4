// Package httpretry provides the exponential backoff policy and retry loop
// used for retailer API calls. Components that issue requests never retry on
// their own; the caller owns one Retrier and decides per error whether to
// try again.
package httpretry

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// *http.Client satisfies it, as do test doubles.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy configures exponential backoff. Delays are deterministic (no jitter)
// so consecutive delays never decrease.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultPolicy returns the default backoff: 2s, 4s, 8s, 16s, capped at 60s,
// five attempts in total.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay returns the backoff before retry number `retry` (1-based):
// min(MaxDelay, BaseDelay * Multiplier^(retry-1)).
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		retry = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// WithHint returns the delay to wait before retry number `retry` when the
// server supplied a Retry-After hint. The hint wins when present but is still
// capped at MaxDelay.
func (p Policy) WithHint(retry int, hint time.Duration) time.Duration {
	p = p.normalized()
	if hint <= 0 {
		return p.Delay(retry)
	}
	if hint > p.MaxDelay {
		return p.MaxDelay
	}
	return hint
}

// ParseRetryAfter reads a Retry-After header value, either delta-seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryableStatus returns true if the HTTP status code indicates a
// transient condition: 429, 500, 502, 503, 504.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Sleep waits for d or until ctx is done. It is a suspension point, not a
// busy loop.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
