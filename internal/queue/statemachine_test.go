package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide_NonRetryableFails(t *testing.T) {
	disp, delay := Decide(NonRetryable(errors.New("bad payload")), 0, 3, BackoffPolicy{BaseS: 1, MaxS: 60})
	assert.Equal(t, DispositionFailed, disp)
	assert.Zero(t, delay)
}

func TestDecide_AttemptExhaustionDeadLetters(t *testing.T) {
	disp, delay := Decide(Retryable(errors.New("timeout")), 2, 3, BackoffPolicy{BaseS: 1, MaxS: 60})
	assert.Equal(t, DispositionDead, disp)
	assert.Zero(t, delay)
}

func TestDecide_RetriesWithBackoff(t *testing.T) {
	disp, delay := Decide(Retryable(errors.New("timeout")), 0, 3, BackoffPolicy{BaseS: 1, MaxS: 60, Jitter: 0.2})
	require.Equal(t, DispositionRetry, disp)
	assert.Greater(t, delay, time.Duration(0))
}

func TestDecide_UnwrappedErrorDefaultsRetryable(t *testing.T) {
	disp, _ := Decide(errors.New("unclassified"), 0, 3, BackoffPolicy{BaseS: 1, MaxS: 60})
	assert.Equal(t, DispositionRetry, disp)
}

func TestBackoff_CapsAtMax(t *testing.T) {
	d := Backoff(10, BackoffPolicy{BaseS: 1, MaxS: 30, Jitter: 0})
	assert.Equal(t, 30*time.Second, d)
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	policy := BackoffPolicy{BaseS: 10, MaxS: 100, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := Backoff(1, policy)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}
