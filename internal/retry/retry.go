// Package retry wraps exponential backoff behind a small interface so
// storage operations that can race a concurrent writer (SQLite's busy
// errors, SessionKEK cache warm-up after a worker restart) retry the
// same way everywhere.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ats-kms/enclave/internal/log"
)

// Retrier executes an operation with backoff between attempts.
type Retrier interface {
	RetryWithBackoff(ctx context.Context, op func() error) error
}

// TypedRetrier adapts a Retrier to operations that return a value.
type TypedRetrier[T any] struct {
	retrier Retrier
}

// NewTypedRetrier creates a TypedRetrier over the given base Retrier.
func NewTypedRetrier[T any](r Retrier) *TypedRetrier[T] {
	return &TypedRetrier[T]{retrier: r}
}

// RetryWithBackoff executes a typed operation with backoff, returning
// the last attempt's value.
func (r *TypedRetrier[T]) RetryWithBackoff(
	ctx context.Context,
	op func() (T, error),
) (T, error) {
	var result T
	err := r.retrier.RetryWithBackoff(ctx, func() error {
		var err error
		result, err = op()
		return err
	})
	return result, err
}

// ExponentialRetrier implements Retrier with exponential backoff.
type ExponentialRetrier struct {
	newBackOff func() backoff.BackOff
}

// NewExponentialRetrier creates an ExponentialRetrier with default
// backoff settings.
func NewExponentialRetrier() *ExponentialRetrier {
	return &ExponentialRetrier{
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// RetryWithBackoff implements the Retrier interface.
func (r *ExponentialRetrier) RetryWithBackoff(
	ctx context.Context,
	operation func() error,
) error {
	b := r.newBackOff()
	totalDuration := time.Duration(0)
	return backoff.RetryNotify(
		operation,
		backoff.WithContext(b, ctx),
		func(err error, duration time.Duration) {
			totalDuration += duration
			log.Log().Warn("retrying operation",
				"err", err, "backoff", duration, "total", totalDuration)
		},
	)
}
