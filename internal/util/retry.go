package util

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes a bounded exponential backoff. The first attempt runs
// immediately; attempt n (n >= 2) waits Min * Multiplier^(n-2), capped at Max.
type Backoff struct {
	Attempts   int
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultBackoff is three attempts waiting 1s then 2s.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts:   3,
		Min:        time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	if b.Min < 0 {
		b.Min = 0
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// Delay returns the wait before the given retry (1 = first retry).
func (b Backoff) Delay(retry int) time.Duration {
	b = b.normalized()
	if retry <= 0 {
		return 0
	}
	d := float64(b.Min) * math.Pow(b.Multiplier, float64(retry-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	delay := time.Duration(d)
	if b.Jitter && delay > 0 {
		// up to 20% either way, still clamped to [Min, Max]
		spread := int64(delay) / 5
		if spread > 0 {
			delay += time.Duration(rand.Int64N(2*spread+1) - spread)
		}
		delay = min(max(delay, b.Min), b.Max)
	}
	return delay
}

// RetryOptions tunes RetryWithBackoff. Retryable nil means every error is
// retried; OnRetry is called before each wait.
type RetryOptions struct {
	Retryable func(error) bool
	OnRetry   func(retry int, err error, delay time.Duration)
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// exhausts b.Attempts, or ctx is done. Waiting honors ctx.
func RetryWithBackoff[T any](
	ctx context.Context,
	b Backoff,
	opts RetryOptions,
	fn func(context.Context) (T, error),
) (T, error) {
	b = b.normalized()
	var zero T
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if attempt > 1 {
			delay := b.Delay(attempt - 1)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt-1, lastErr, delay)
			}
			if err := SleepContext(ctx, delay); err != nil {
				return zero, errors.Join(lastErr, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
