package stats

import (
	"context"
	"strings"
	"time"
)

const maxWriteRetries = 3

// isTransientLockError reports whether err's message indicates a busy/locked
// database, the condition spec.md's write path retries on.
func isTransientLockError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "database is locked") || strings.Contains(lower, "busy")
}

// WithRetry acquires a slot on sem (width 1 for SQLite, 50 for Postgres per
// spec.md §4.8), then runs fn, retrying up to maxWriteRetries times with
// exponential backoff 0.5*2^k seconds when fn's error looks like a
// transient lock/busy condition.
func WithRetry(ctx context.Context, sem chan struct{}, fn func() error) error {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(0.5*float64(int(1)<<uint(attempt-1)) * float64(time.Second))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientLockError(lastErr.Error()) {
			return lastErr
		}
	}

	return lastErr
}

// StripNulBytes removes \x00 bytes from s to keep Postgres text columns
// happy (Postgres rejects NUL in text), per spec.md §4.8.
func StripNulBytes(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}
