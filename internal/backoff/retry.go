package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

// Retry executes fn up to maxAttempts times, sleeping between attempts
// according to the policy. retryIf decides whether an error is worth another
// attempt; a nil retryIf retries every error. The last error is wrapped so
// callers can still classify it.
//
// Context cancellation is honored both between attempts and during the
// backoff sleep.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryIf func(error) bool, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryIf != nil && !retryIf(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return err
		}
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}

// Sleep waits for the given duration, respecting context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
