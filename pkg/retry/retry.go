package retry

import (
	"context"
	"time"
)

// Do runs fn up to maxAttempts times with exponentially growing delay
// (baseDelay, 2*baseDelay, ...). The sleep between attempts honours ctx, so
// a cancelled cycle stops retrying immediately.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		delay := baseDelay << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, maxAttempts, baseDelay, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
