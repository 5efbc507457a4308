package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff for retryable gateway errors.
type RetryPolicy struct {
	MaxRetries int // not counting the first attempt
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	OnRetry    func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry n (0-indexed), capped at MaxDelay.
// Jitter scales it into [0.5, 1.5).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// retryAfter reports the server-requested delay of a rate limit error.
func retryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter == nil {
		return 0, false
	}
	return time.Duration(*rl.RetryAfter * float64(time.Second)), true
}

// Retry calls fn until it succeeds, fails with an error IsRetryable rejects,
// or runs out of retries. A Retry-After longer than MaxDelay fails at once.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		delay := p.Delay(attempt)
		if after, ok := retryAfter(err); ok {
			if p.MaxDelay > 0 && after > p.MaxDelay {
				return zero, err
			}
			delay = after
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}

// RetryMiddleware retries failed completions according to p. It is the only
// retry between the agent loop and a provider.
func RetryMiddleware(p RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, p, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}
