// Package retry provides the bounded exponential backoff policy shared by
// message crafting and delivery.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy describes how many attempts an operation gets and how long to wait between them
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to every delay (0.2 = +/-20%)
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Nil treats every error as retryable.
	Retryable func(error) bool
}

// WithDefaults returns a copy of p with zero fields filled in
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Backoff returns the delay to wait after the given (1-based) failed attempt:
// BaseDelay * 2^(attempt-1), capped at MaxDelay, with jitter applied.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	delay = applyJitter(delay, p.Jitter)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempts has reached the ceiling
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.WithDefaults().MaxAttempts
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// ceiling is reached or ctx is done. It returns the number of attempts made.
// The attempt number passed to fn is 1-based.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.WithDefaults()

	var err error
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				return attempts, ctxErr
			}
			return attempts, err
		}

		attempts = attempt
		if err = fn(ctx, attempt); err == nil {
			return attempts, nil
		}

		if !p.retryable(err) || attempt == p.MaxAttempts {
			return attempts, err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, err
		case <-timer.C:
		}
	}
	return attempts, err
}

// IsContextError reports whether err stems from context cancellation or deadline
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func applyJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	delta := int64(float64(d) * factor)
	if delta <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*delta)-delta)
}
