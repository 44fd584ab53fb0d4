package httpretry

import (
	"context"
	"time"
)

// Classifier decides whether err is worth another attempt and returns the
// server's delay hint, if any.
type Classifier func(err error) (retryable bool, hint time.Duration)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier runs an operation under a Policy.
type Retrier struct {
	Policy Policy
	Sleep  SleepFunc
}

// NewRetrier creates a Retrier using the real timer-based Sleep.
func NewRetrier(p Policy) *Retrier {
	return &Retrier{Policy: p.normalized(), Sleep: Sleep}
}

// Outcome reports how a retried operation ended.
type Outcome struct {
	Attempts int
	Delays   []time.Duration
	// Exhausted is true when the last error was retryable but the attempt
	// budget ran out.
	Exhausted bool
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The final error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, classify Classifier, fn func(ctx context.Context, attempt int) error) (Outcome, error) {
	p := r.Policy.normalized()
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var out Outcome
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}

		retryable, hint := classify(err)
		if !retryable {
			return out, err
		}
		if attempt >= p.MaxAttempts {
			out.Exhausted = true
			return out, err
		}

		delay := p.WithHint(attempt, hint)
		out.Delays = append(out.Delays, delay)
		if serr := sleep(ctx, delay); serr != nil {
			return out, err
		}
	}
}
