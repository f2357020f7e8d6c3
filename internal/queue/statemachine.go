package queue

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Disposition is the outcome of the Retry/Failure State Machine.
type Disposition int

const (
	// DispositionRetry schedules the record back to pending with
	// next_visible_at advanced by the backoff delay.
	DispositionRetry Disposition = iota
	// DispositionFailed is a terminal, non-retried failure.
	DispositionFailed
	// DispositionDead is a terminal failure via attempt exhaustion.
	DispositionDead
)

// BackoffPolicy parameterizes the exponential-backoff-with-jitter formula
// the retry scheduler (Decide) uses for handler failures. The Retrying
// Executor in internal/dbpool has its own RetryPolicy.
type BackoffPolicy struct {
	BaseS  int
	MaxS   int
	Jitter float64 // fraction in [0,1]; delay is scaled by (1 +/- Jitter)
}

// Decide applies the three-way decision table: a handler-classified non-retryable
// error fails the record outright; otherwise attempt exhaustion dead-letters
// it; otherwise it is scheduled for retry. attemptsBefore is the record's
// attempts count before this failure.
func Decide(err error, attemptsBefore, maxAttempts int, policy BackoffPolicy) (Disposition, time.Duration) {
	if !IsRetryable(err) {
		return DispositionFailed, 0
	}

	newAttempts := attemptsBefore + 1
	if newAttempts >= maxAttempts {
		return DispositionDead, 0
	}

	// Backoff is parameterized by the post-increment attempt index.
	return DispositionRetry, Backoff(newAttempts, policy)
}

// Backoff computes delay = min(maxS, baseS*2^(attempt-1)) * (1 +/- jitter),
// grounded on the same shape coordinator.go's calculateRetryDelay uses:
// exponential growth capped at a ceiling, then a uniform +/-jitter draw
// from crypto/rand so concurrent retries don't thunder-herd.
func Backoff(attempt int, policy BackoffPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(policy.BaseS)
	cap := float64(policy.MaxS)
	backoff := base * float64(uint64(1)<<uint(min(attempt-1, 62)))
	if backoff > cap {
		backoff = cap
	}

	jitterFraction := policy.Jitter
	if jitterFraction <= 0 {
		return time.Duration(backoff * float64(time.Second))
	}

	// Draw a uniform multiplier in [1-jitter, 1+jitter] using crypto/rand
	// for an unbiased, non-predictable jitter source.
	const precision = 1_000_000
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	spread := 0.5
	if err == nil {
		spread = float64(n.Int64()) / float64(precision)
	}
	multiplier := (1 - jitterFraction) + spread*2*jitterFraction

	delay := backoff * multiplier
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}
