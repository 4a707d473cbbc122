// Package retry is the single bounded-retry utility used across the bot.
// Every exchange-facing retry loop (placement, cancels, position reads,
// hedge remediation) goes through it so attempt counts and backoff shape
// live in one place instead of drifting per call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop. Zero values fall back to a single attempt
// with no delay, so an empty Policy behaves like calling fn once.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Factor multiplies the delay after each failed attempt. Values <= 0
	// are treated as 1 (constant delay).
	Factor float64
	// MaxDelay caps the escalating delay when > 0.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// means every error except a Halt is retryable.
	Retryable func(error) bool
}

type haltError struct{ err error }

func (h *haltError) Error() string { return h.err.Error() }
func (h *haltError) Unwrap() error { return h.err }

// Halt wraps an error so the loop stops immediately and returns it.
func Halt(err error) error {
	if err == nil {
		return nil
	}
	return &haltError{err: err}
}

// Do runs fn until it succeeds, the policy exhausts, the error is a Halt,
// or ctx is done. The returned error is the last attempt's error wrapped
// with the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var halt *haltError
		if errors.As(err, &halt) {
			return halt.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if delay > 0 {
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * factor)
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
