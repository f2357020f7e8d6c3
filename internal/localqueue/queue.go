// Package localqueue is the Local Operation Queue: a bounded
// FIFO of buffered queue-protocol outcomes, persisted to a single JSON
// document so a database outage never loses a completion/failure/retry
// decision. Adapts a file-per-document filesystem storage idiom, but
// replaces in-place os.WriteFile with an atomic temp-file-then-rename so a
// crash mid-write never corrupts the canonical file.
package localqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rezkam/taskqueue/internal/queue"
)

// OperationKind is one of the three buffered outcome shapes.
type OperationKind string

const (
	OperationComplete OperationKind = "complete"
	OperationFail     OperationKind = "fail"
	OperationRetry    OperationKind = "retry"
)

// highWaterMark is the capacity fraction past which enqueue emits a warning
// alert once the queue crosses 80% capacity.
const highWaterMark = 0.80

// Entry is one buffered operation.
type Entry struct {
	ID              string        `json:"id"`
	OperationKind   OperationKind `json:"operation_kind"`
	RecordID        string        `json:"record_id"`
	WorkerID        string        `json:"worker_id"`
	NewStatus       queue.Status  `json:"new_status"`
	Result          []byte        `json:"result,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	NextVisibleAt   time.Time     `json:"next_visible_at,omitempty"`
	Attempts        int           `json:"attempts"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	AttemptsToFlush int           `json:"attempts_to_flush"`
}

// FlushResult reports how a flush pass went.
type FlushResult struct {
	Flushed   int
	Remaining int
}

// Executor applies one buffered entry against the real Queue Protocol. The
// worker runtime supplies the implementation backed by the Retrying
// Executor and Store.
type Executor func(entry Entry) error

// Queue is a bounded, disk-persisted FIFO of Entry values.
type Queue struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	entries    []Entry
}

// Open loads path into memory, or starts an empty queue if path doesn't
// exist yet. A parse failure moves the corrupt file aside to
// "<path>.corrupt-<unix-ts>" and starts empty, so a torn file never blocks
// recovery rule; the caller is expected to emit the accompanying critical
// alert (this package only logs).
func Open(path string, maxEntries int, now time.Time) (*Queue, error) {
	q := &Queue{path: path, maxEntries: maxEntries}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local queue file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		corruptPath := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
		if renameErr := os.Rename(path, corruptPath); renameErr != nil {
			return nil, fmt.Errorf("failed to move corrupted local queue file aside: %w", renameErr)
		}
		slog.Error("local operation queue file was corrupted, starting empty",
			slog.String("moved_to", corruptPath), slog.Any("parse_error", err))
		return q, nil
	}

	q.entries = entries
	return q, nil
}

// Len reports the current number of buffered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Enqueue appends entry and persists the queue. Returns queue.ErrLocalQueueFull
// once the queue is at maxEntries. A structured warning is logged once the
// queue crosses highWaterMark capacity, matching the "warning alert at >= 80%"
// rule.
func (q *Queue) Enqueue(entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxEntries {
		return queue.ErrLocalQueueFull
	}

	q.entries = append(q.entries, entry)

	if utilization := float64(len(q.entries)) / float64(q.maxEntries); utilization >= highWaterMark {
		slog.Warn("local operation queue nearing capacity",
			slog.Int("entries", len(q.entries)), slog.Int("max_entries", q.maxEntries),
			slog.Float64("utilization", utilization))
	}

	return q.persistLocked()
}

// Peek returns the head entry without removing it, or false if empty.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Ack removes the entry with the given id (expected to be the head, after a
// successful flush) and persists the queue.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// Flush drains head entries in order through exec, stopping at the first
// failure (order-preserving) or when the queue is empty.
// Failed entries stay queued for the next flush attempt.
func (q *Queue) Flush(exec Executor) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	flushed := 0
	for len(q.entries) > 0 {
		head := q.entries[0]
		if err := exec(head); err != nil {
			head.AttemptsToFlush++
			q.entries[0] = head
			if persistErr := q.persistLocked(); persistErr != nil {
				return FlushResult{Flushed: flushed, Remaining: len(q.entries)}, persistErr
			}
			break
		}
		q.entries = q.entries[1:]
		flushed++
	}

	if err := q.persistLocked(); err != nil {
		return FlushResult{Flushed: flushed, Remaining: len(q.entries)}, err
	}
	return FlushResult{Flushed: flushed, Remaining: len(q.entries)}, nil
}

// persistLocked serializes the whole queue and atomically replaces path.
// Callers must hold q.mu.
func (q *Queue) persistLocked() error {
	raw, err := json.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("failed to marshal local queue: %w", err)
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create local queue directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".localqueue-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once rename succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}
