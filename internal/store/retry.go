package store

import (
	"math/rand"
	"strings"
	"time"
)

// WAL-mode SQLite surfaces transient errors under write contention. The
// busy_timeout pragma covers SQLITE_BUSY at the connection level; the
// remaining transient codes get application-level retries with backoff.

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 50 * time.Millisecond
	retryMaxDelay    = 500 * time.Millisecond
)

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn, retrying transient SQLite errors with
// exponential backoff plus jitter. Non-transient errors return immediately.
func retryOnContention(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < retryMaxAttempts {
			delay := retryBaseDelay << uint(attempt)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))
			time.Sleep(delay)
		}
	}
	return lastErr
}
