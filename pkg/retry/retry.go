// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 10000 * time.Millisecond
	DefaultFactor      = 2.0
)

// Options controls the retry loop. Zero values fall back to the defaults
// above. Sleep is injectable so tests can observe delays without waiting.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64

	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Factor <= 0 {
		o.Factor = DefaultFactor
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do invokes op until it succeeds, fails permanently, or the attempt
// budget is exhausted. Permanent failures are returned after a single
// invocation; everything else is retried with delay
// min(base * factor^(attempt-1), max).
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if serr := opts.Sleep(ctx, Delay(attempt, opts)); serr != nil {
			return zero, serr
		}
	}
	return zero, lastErr
}

// Delay computes the backoff delay after the given attempt (1-based).
func Delay(attempt int, opts Options) time.Duration {
	opts = opts.withDefaults()
	d := float64(opts.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= opts.Factor
	}
	if d > float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of its content.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// StatusCoder is implemented by errors carrying an HTTP-equivalent status.
type StatusCoder interface {
	StatusCode() int
}

// IsPermanent reports whether err must not be retried: explicit Permanent
// wrapping, a 401/403-equivalent status, or a message that indicates an
// authentication or authorization failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if code == 401 || code == 403 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid token") ||
		strings.Contains(msg, "invalid jwt") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "not authorized")
}

// IsRateLimit reports whether err is a rate-limit rejection, so callers
// can surface a "slow down" message instead of a generic failure.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}
