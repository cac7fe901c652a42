// Package retry provides bounded retry loops with injectable delays.
//
// Each caller owns its policy; the token manager and the session user fetch
// deliberately use different shapes.
package retry

import (
	"context"
	"time"
)

// Policy yields the delay to wait before retry number attempt (0-based).
type Policy interface {
	Delay(attempt int) time.Duration
}

// Exponential waits Base * 2^attempt.
type Exponential struct {
	Base time.Duration
}

func (p Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.Base << uint(attempt)
}

// Linear waits Step * (attempt+1).
type Linear struct {
	Step time.Duration
}

func (p Linear) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.Step * time.Duration(attempt+1)
}

// Fixed always waits Interval.
type Fixed struct {
	Interval time.Duration
}

func (p Fixed) Delay(int) time.Duration {
	return p.Interval
}

// Sleeper blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, retryable reports false, or maxRetries
// retries have been spent (maxRetries+1 calls in total). It returns the last
// result and error. A nil sleep uses Sleep.
func Do[T any](
	ctx context.Context,
	maxRetries int,
	policy Policy,
	sleep Sleeper,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	if sleep == nil {
		sleep = Sleep
	}
	var (
		out T
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if attempt >= maxRetries || retryable == nil || !retryable(err) {
			return out, err
		}
		if serr := sleep(ctx, policy.Delay(attempt)); serr != nil {
			return out, serr
		}
	}
}
