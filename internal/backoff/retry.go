package backoff

import (
	"context"
	"errors"
)

// ErrExhausted is returned when all retry attempts have been exhausted.
var ErrExhausted = errors.New("backoff: max retry attempts exhausted")

// Result holds the outcome of a retry operation.
type Result[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// Retry executes fn with exponential backoff, retrying up to maxAttempts
// times. fn receives the current attempt number (1-indexed). Context
// cancellation is checked between attempts.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		lastErr = err
		result.LastError = err

		if attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrExhausted
}

// RetrySimple retries fn (no return value) under the default policy.
func RetrySimple(ctx context.Context, maxAttempts int, fn func() error) error {
	_, err := Retry(ctx, DefaultPolicy(), maxAttempts, func(_ int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
