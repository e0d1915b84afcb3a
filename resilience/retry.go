package resilience

import (
	"context"
	"fmt"
	"time"
)

// Retry runs operation up to attempts times, sleeping delay*n after the
// n-th failure. The sleep function is injectable for tests; pass nil for
// the real clock.
func Retry(ctx context.Context, attempts int, delay time.Duration, sleep func(time.Duration), operation func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleep == nil {
		sleep = func(d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := operation(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < attempts {
			sleep(delay * time.Duration(attempt))
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
