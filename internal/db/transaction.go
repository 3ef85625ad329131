package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// RetryPolicy bounds retries of busy transactions. The backoff doubles
// after every busy attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy suits a single CLI process sharing the file with a
// concurrent `slurmssh history` reader.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Backoff: 25 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	return p
}

// TransactionWithRetry runs fn in a transaction, retrying while SQLite
// reports the database busy or locked. fn may run more than once.
func (db *DB) TransactionWithRetry(ctx context.Context, policy RetryPolicy, fn func(*sql.Tx) error) error {
	return withRetry(ctx, policy, func() error {
		return db.Transaction(ctx, fn)
	})
}

func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	policy = policy.normalized()
	backoff := policy.Backoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil || !isBusyError(err) || attempt >= policy.Attempts {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func isBusyError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "database is busy", "sqlite_busy", "(5)"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
