// Package retry provides a small retry-with-backoff helper for datastore
// mutations triggered by external notifications, where giving up means the
// record is lost until an operator intervenes.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Do invokes fn up to attempts times, doubling the delay between attempts
// starting from initial. It returns nil on the first success, the context
// error if the context is done while waiting, or the last error from fn.
func Do(ctx context.Context, attempts int, initial time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := initial
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", i+1).Int("maxAttempts", attempts).Msg("Retryable operation failed")
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
