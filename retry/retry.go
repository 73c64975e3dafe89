// Package retry provides exponential backoff for directory requests.
//
// The ews session wraps every round-trip in a Policy when one is configured.
// Nothing is retried by default.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first one.
	// Zero means the call runs exactly once.
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 200ms).
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay (default: 10s).
	MaxBackoff time.Duration

	// Multiplier grows the delay after each retry (default: 2.0).
	Multiplier float64

	// Jitter randomizes each delay by +/- the given fraction (default: 0.1).
	Jitter float64

	// IsRetryable reports whether an error may be retried.
	// If nil, DefaultIsRetryable is used.
	IsRetryable func(error) bool
}

// DefaultPolicy returns a Policy with three retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// Sentinel errors.
var (
	// ErrNotRetryable is reported when the policy rejected an error.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrExhausted is reported when every attempt failed.
	ErrExhausted = errors.New("retry: attempts exhausted")

	// ErrCanceled is reported when the context ended between attempts.
	ErrCanceled = errors.New("retry: context canceled")
)

// Error describes a failed retried call.
// It unwraps to the last error returned by the call, so callers can keep
// matching on the underlying cause with errors.Is and errors.As.
type Error struct {
	// Cause is the last error returned by the call.
	Cause error
	// Attempts is the number of attempts made.
	Attempts int
	// Reason is ErrNotRetryable, ErrExhausted or ErrCanceled.
	Reason error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %s", e.Reason, e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches both the reason and the cause.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Reason, target)
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends.
//
// A non-retryable failure on the first attempt is returned as is, without
// an *Error wrapper, so a zero-retry policy is transparent to callers.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalize()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return zero, err
			}
			return zero, &Error{Cause: lastErr, Attempts: attempt, Reason: ErrCanceled}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.IsRetryable(err) {
			if attempt == 0 {
				return zero, err
			}
			return zero, &Error{Cause: err, Attempts: attempt + 1, Reason: ErrNotRetryable}
		}
		if attempt == p.MaxRetries {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &Error{Cause: lastErr, Attempts: attempt + 1, Reason: ErrCanceled}
		case <-timer.C:
		}
	}

	if p.MaxRetries == 0 {
		return zero, lastErr
	}
	return zero, &Error{Cause: lastErr, Attempts: p.MaxRetries + 1, Reason: ErrExhausted}
}

// Backoff returns the delay before retry number attempt+1.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalize()
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

func (p Policy) normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.IsRetryable == nil {
		p.IsRetryable = DefaultIsRetryable
	}
	return p
}

// DefaultIsRetryable honors a Retryable() bool method anywhere in the error
// chain and treats everything else as permanent.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// MarkRetryable wraps err so DefaultIsRetryable accepts it.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: true}
}

// MarkPermanent wraps err so DefaultIsRetryable rejects it.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err}
}

type marked struct {
	cause     error
	retryable bool
}

func (m *marked) Error() string   { return m.cause.Error() }
func (m *marked) Unwrap() error   { return m.cause }
func (m *marked) Retryable() bool { return m.retryable }
