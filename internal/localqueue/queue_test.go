package localqueue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue/internal/queue"
)

func TestEnqueueAck_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	q, err := Open(path, 10, time.Now())
	require.NoError(t, err)

	entry := Entry{ID: "1", OperationKind: OperationComplete, RecordID: "rec-1", EnqueuedAt: time.Now()}
	require.NoError(t, q.Enqueue(entry))
	assert.Equal(t, 1, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "rec-1", head.RecordID)

	require.NoError(t, q.Ack("1"))
	assert.Equal(t, 0, q.Len())
}

func TestEnqueue_FullReturnsLocalQueueFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	q, err := Open(path, 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(Entry{ID: "1"}))
	err = q.Enqueue(Entry{ID: "2"})
	require.ErrorIs(t, err, queue.ErrLocalQueueFull)
}

func TestOpen_ReloadsPersistedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	q, err := Open(path, 10, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(Entry{ID: "1", RecordID: "rec-1"}))

	reopened, err := Open(path, 10, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
}

func TestOpen_CorruptedFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	fixedTime := time.Unix(0, 0)
	q, err := Open(path, 10, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
	assert.FileExists(t, path+".corrupt-0")
}

func TestFlush_StopsAtFirstFailureOrderPreserving(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	q, err := Open(path, 10, time.Now())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(Entry{ID: "1", RecordID: "a"}))
	require.NoError(t, q.Enqueue(Entry{ID: "2", RecordID: "b"}))
	require.NoError(t, q.Enqueue(Entry{ID: "3", RecordID: "c"}))

	var applied []string
	result, err := q.Flush(func(e Entry) error {
		if e.RecordID == "b" {
			return errors.New("transient failure")
		}
		applied = append(applied, e.RecordID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, applied)
	assert.Equal(t, 1, result.Flushed)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, 2, q.Len())
}

func TestFlush_DrainsEverythingOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	q, err := Open(path, 10, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(Entry{ID: "1"}))
	require.NoError(t, q.Enqueue(Entry{ID: "2"}))

	result, err := q.Flush(func(Entry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Flushed: 2, Remaining: 0}, result)
	assert.Equal(t, 0, q.Len())
}
