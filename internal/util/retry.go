package util

import (
	"context"
	"log/slog"
	"time"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. Each failed attempt is logged under op. It returns nil on the
// first success, or the last error once attempts are exhausted. Context
// cancellation between attempts ends the loop early.
//
// Retry is used for process start-up (connecting to the store); request-time
// code paths never retry.
func Retry(ctx context.Context, log *slog.Logger, op string, maxAttempts int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if log != nil {
			log.Warn("attempt failed", "op", op, "attempt", attempt, "of", maxAttempts, "error", err)
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
