package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/assay/internal/telemetry"
)

// RetryPolicy bounds how often a transaction that lost a lock race or a
// serialization check is attempted again.
type RetryPolicy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // first backoff; doubles per retry
	MaxDelay  time.Duration // backoff ceiling before jitter
}

// DefaultRetry suits the queue's short claim and reconcile transactions.
var DefaultRetry = RetryPolicy{Attempts: 4, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

var retryCounter, _ = telemetry.Meter("assay/storage").Int64Counter("assay.db.retries",
	metric.WithDescription("Transactions retried after a transient Postgres conflict"))

// transientCode returns the SQLSTATE of a conflict worth retrying, or "".
func transientCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
		return pgErr.Code
	}
	return ""
}

// WithRetry runs fn under DefaultRetry.
func WithRetry(ctx context.Context, fn func() error) error {
	return DefaultRetry.Do(ctx, fn)
}

// Do runs fn until it succeeds, fails with a non-transient error or runs
// out of attempts. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		code := transientCode(err)
		if err == nil || code == "" || attempt >= p.Attempts {
			return err
		}
		retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("sqlstate", code)))

		wait := delay
		if delay > 0 {
			wait += rand.N(delay) //nolint:gosec // jitter only
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
