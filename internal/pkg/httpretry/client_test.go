package httpretry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelaySequence(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
	assert.Equal(t, 60*time.Second, p.Delay(10))
	assert.Equal(t, 60*time.Second, p.Delay(1000))
}

func TestPolicyDelayMonotonicAndCapped(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("delays never decrease and never exceed the cap", prop.ForAll(
		func(baseMs, capMs int, mult float64, n int) bool {
			p := Policy{
				BaseDelay:  time.Duration(baseMs) * time.Millisecond,
				MaxDelay:   time.Duration(capMs) * time.Millisecond,
				Multiplier: mult,
			}
			norm := p.normalized()
			prev := time.Duration(0)
			for i := 1; i <= n; i++ {
				d := p.Delay(i)
				if d < prev || d > norm.MaxDelay {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 120000),
		gen.Float64Range(1.0, 4.0),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestWithHint(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3*time.Second, p.WithHint(1, 3*time.Second))
	assert.Equal(t, 60*time.Second, p.WithHint(1, 10*time.Minute))
	assert.Equal(t, 2*time.Second, p.WithHint(1, 0))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		assert.False(t, IsRetryableStatus(code), "status %d", code)
	}
}

var errFlaky = errors.New("flaky")

func TestRetrierRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	r := &Retrier{
		Policy: Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, MaxAttempts: 5},
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	calls := 0
	out, err := r.Do(context.Background(),
		func(err error) (bool, time.Duration) { return errors.Is(err, errFlaky), 0 },
		func(ctx context.Context, attempt int) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	r := &Retrier{Policy: DefaultPolicy(), Sleep: func(context.Context, time.Duration) error { return nil }}

	out, err := r.Do(context.Background(),
		func(err error) (bool, time.Duration) { return false, 0 },
		func(ctx context.Context, attempt int) error { return permanent })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Exhausted)
}

func TestRetrierExhaustsBudget(t *testing.T) {
	r := &Retrier{
		Policy: Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}

	out, err := r.Do(context.Background(),
		func(err error) (bool, time.Duration) { return true, 0 },
		func(ctx context.Context, attempt int) error { return errFlaky })

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.Exhausted)
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
