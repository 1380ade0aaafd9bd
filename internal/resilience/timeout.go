package resilience

import (
	"context"
	"errors"
	"time"
)

// TimeoutError marks an operation that exceeded its deadline. It is
// distinguished from other transient errors because callers may apply a
// different retry policy to timeouts than to ordinary failures.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return e.Op + ": timed out after " + e.Timeout.String() + ": " + e.Err.Error()
	}
	return e.Op + ": timed out after " + e.Timeout.String()
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// NewTimeoutError wraps an error as a timeout for the named operation.
func NewTimeoutError(op string, timeout time.Duration, err error) *TimeoutError {
	return &TimeoutError{Op: op, Timeout: timeout, Err: err}
}

// IsTimeout returns true if the error chain contains a TimeoutError or a
// context deadline exceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RunWithTimeout executes fn under a deadline. When the deadline fires before
// fn returns, the result is a TimeoutError and fn's eventual return value is
// discarded. fn must honor ctx cancellation or it will leak until it returns.
func RunWithTimeout[T any](ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(cctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, NewTimeoutError(op, timeout, out.err)
		}
		return out.val, out.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not a per-operation timeout.
			return zero, ctx.Err()
		}
		return zero, NewTimeoutError(op, timeout, cctx.Err())
	}
}
