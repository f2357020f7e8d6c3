package dbpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/rezkam/taskqueue/internal/queue"
)

// RetryPolicy parameterizes the Retrying Executor: the same
// exponential-with-jitter shape as queue.BackoffPolicy, applied to
// transient database errors rather than handler failures.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Executor retries transient database errors with backoff, grounded on
// coordinator.go's calculateRetryDelay formula and built on go-retry's
// retry.Do loop instead of reimplementing the loop by hand.
type Executor struct {
	policy RetryPolicy
}

// NewExecutor builds an Executor from policy.
func NewExecutor(policy RetryPolicy) *Executor {
	return &Executor{policy: policy}
}

// Do runs fn, retrying while it returns a transient error up to
// policy.MaxRetries times with capped exponential backoff and +/-20%
// jitter. Exhaustion of the retry budget on a transient error is returned
// as queue.TransientExhaustedError; a non-transient error is returned
// wrapped with fmt.Errorf.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff, err := retry.NewExponential(e.policy.BaseDelay)
	if err != nil {
		return fmt.Errorf("failed to build retry backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(uint64(e.policy.MaxRetries), backoff)
	backoff = retry.WithCappedDuration(e.policy.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(20, backoff)

	var lastErr error
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil {
		if classify(lastErr) {
			return &queue.TransientExhaustedError{Err: lastErr}
		}
		return fmt.Errorf("failed to execute database operation: %w", err)
	}
	return nil
}

// classify reports whether err looks like a transient database condition:
// connection loss, serialization/deadlock conflicts, or an already-wrapped
// queue.TransientDatabaseError. Anything else (constraint violation, bad
// SQL, context cancellation) is permanent and must not be retried.
func classify(err error) bool {
	if err == nil {
		return false
	}
	if queue.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"08000", "08003", "08006", "08001", "08004": // connection_exception family
			return true
		}
		return false
	}

	// Network timeouts (surfaced through a Timeout() bool method, as
	// net.Error does) are treated as transient; any other unclassified
	// error is not retried.
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
