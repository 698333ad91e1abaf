// Package retry provides jittered exponential backoff for transient
// failures, used by agent hosts when publishing to the bus and when calling
// external collaborators.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	}
}

func (p Policy) WithInitialInterval(d time.Duration) Policy {
	p.InitialInterval = d
	return p
}

func (p Policy) WithMaximumInterval(d time.Duration) Policy {
	p.MaximumInterval = d
	return p
}

func (p Policy) WithMaximumAttempts(n int) Policy {
	p.MaximumAttempts = n
	return p
}

// Backoff returns the delay before the given retry attempt (1-based), with
// +-20% jitter so synchronized retries spread out. Jitter does not need to
// be cryptographic, so math/rand/v2 is fine here.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialInterval
	}
	backoff := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	backoff *= 0.8 + rand.Float64()*0.4
	if backoff > float64(p.MaximumInterval) {
		backoff = float64(p.MaximumInterval)
	}
	return time.Duration(backoff)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying, for failures like
// validation errors that cannot succeed on a later attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn up to MaximumAttempts times with backoff between attempts.
// It stops early on context cancellation or a Permanent error.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaximumAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff(attempt)):
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
