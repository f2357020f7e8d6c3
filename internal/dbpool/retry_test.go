package dbpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue/internal/queue"
)

func TestClassify_TransientWrapperIsRetried(t *testing.T) {
	assert.True(t, classify(queue.Transient(errors.New("connection reset"))))
}

func TestClassify_SerializationFailureIsRetried(t *testing.T) {
	assert.True(t, classify(&pgconn.PgError{Code: "40001"}))
}

func TestClassify_ConstraintViolationIsPermanent(t *testing.T) {
	assert.False(t, classify(&pgconn.PgError{Code: "23505"}))
}

func TestClassify_ContextCancelledIsPermanent(t *testing.T) {
	assert.False(t, classify(context.Canceled))
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	exec := NewExecutor(RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxRetries: 3})

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return queue.Transient(errors.New("connection drop"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecutor_ExhaustsRetries(t *testing.T) {
	exec := NewExecutor(RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 2})

	err := exec.Do(context.Background(), func(ctx context.Context) error {
		return queue.Transient(errors.New("connection drop"))
	})

	require.Error(t, err)
	var exhausted *queue.TransientExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestExecutor_PermanentErrorNotRetried(t *testing.T) {
	exec := NewExecutor(RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5})

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &pgconn.PgError{Code: "23505"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
