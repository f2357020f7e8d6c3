// Package postgres is the Queue Protocol: hand-written SQL operations
// against the processing_queue table. No sqlc-generated query package is
// used here — every statement below is raw pgx SQL, modeled on the
// ownership-checked UPDATE pattern a worker-repository layer uses where
// generated-query calls aren't available.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/taskqueue/internal/queue"
)

// Store implements the Queue Protocol over a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool. The pool is owned by the Connection
// Pool Supervisor (internal/dbpool); Store never creates or closes it.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Enqueue inserts a new pending record. Producers are external
// collaborators to this runtime, but a complete runtime still needs an
// insertion path for tests, example flows, and operator tooling to exercise.
func (s *Store) Enqueue(ctx context.Context, flowKind string, payload []byte, maxAttempts int) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate record id: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO processing_queue (id, flow_kind, payload, status, attempts, max_attempts, next_visible_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, now(), now(), now())
	`, id, flowKind, payload, maxAttempts)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue record: %w", err)
	}
	return id.String(), nil
}

// ClaimBatch atomically claims up to batchSize pending, visible
// rows of flowKind, strict FIFO by (created_at, id), via
// FOR UPDATE SKIP LOCKED so concurrent workers never observe the same row.
func (s *Store) ClaimBatch(ctx context.Context, flowKind, workerID string, batchSize int, leaseDuration time.Duration) ([]*queue.Record, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	leaseSeconds := int(leaseDuration.Seconds())
	rows, err := s.pool.Query(ctx, `
		UPDATE processing_queue
		SET    status='claimed',
		       claimed_by=$1,
		       claimed_at=now(),
		       lease_expires_at=now() + make_interval(secs => $2),
		       updated_at=now()
		WHERE  id IN (
		  SELECT id FROM processing_queue
		  WHERE  flow_kind=$3
		    AND  status='pending'
		    AND  next_visible_at <= now()
		  ORDER BY created_at, id
		  LIMIT $4
		  FOR UPDATE SKIP LOCKED)
		RETURNING id, flow_kind, payload, status, attempts, max_attempts,
		          claimed_by, claimed_at, lease_expires_at, next_visible_at,
		          last_error, created_at, updated_at, completed_at, result
	`, workerID, leaseSeconds, flowKind, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	defer rows.Close()

	var records []*queue.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return records, nil
}

// Heartbeat is issued once per worker per heartbeat_interval_s
// (batched, not per-record, to keep load O(workers) rather than
// O(in-flight records)): extends the
// lease of every record in recordIDs still owned by workerID in one
// statement, and reports which ids were actually extended. Any id missing
// from the returned slice is lease-lost: its handler must be cancelled.
func (s *Store) Heartbeat(ctx context.Context, workerID string, recordIDs []string, leaseDuration time.Duration) ([]string, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	leaseSeconds := int(leaseDuration.Seconds())
	rows, err := s.pool.Query(ctx, `
		UPDATE processing_queue
		SET    lease_expires_at = now() + make_interval(secs => $1),
		       updated_at = now()
		WHERE  id = ANY($2)
		  AND  claimed_by = $3
		  AND  status IN ('claimed', 'processing')
		RETURNING id
	`, leaseSeconds, toUUIDs(recordIDs), workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to extend leases: %w", err)
	}
	defer rows.Close()

	var extended []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat result: %w", err)
		}
		extended = append(extended, id.String())
	}
	return extended, rows.Err()
}

// TransitionToProcessing moves a record claimed -> processing, just before the
// handler runs. attempts is not incremented here.
func (s *Store) TransitionToProcessing(ctx context.Context, recordID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET    status='processing', updated_at=now()
		WHERE  id=$1 AND claimed_by=$2 AND status='claimed'
	`, mustUUID(recordID), workerID)
	if err != nil {
		return fmt.Errorf("failed to transition to processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Complete marks a record completed. Only valid from processing.
func (s *Store) Complete(ctx context.Context, recordID, workerID string, result []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET    status='completed',
		       result=$1,
		       completed_at=now(),
		       claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL,
		       updated_at=now()
		WHERE  id=$2 AND claimed_by=$3 AND status='processing'
	`, result, mustUUID(recordID), workerID)
	if err != nil {
		return fmt.Errorf("failed to complete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Retry is the retry branch of the terminal-disposition table: status='pending', lease cleared,
// attempts incremented, next_visible_at advanced by backoff.
func (s *Store) Retry(ctx context.Context, recordID, workerID string, lastError string, nextVisibleAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET    status='pending',
		       claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL,
		       attempts=attempts+1,
		       next_visible_at=$1,
		       last_error=$2,
		       updated_at=now()
		WHERE  id=$3 AND claimed_by=$4 AND status IN ('claimed', 'processing')
	`, nextVisibleAt, lastError, mustUUID(recordID), workerID)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// FailPermanent is the permanent-fail branch of the terminal-disposition table.
func (s *Store) FailPermanent(ctx context.Context, recordID, workerID string, lastError string) error {
	return s.terminalFail(ctx, recordID, workerID, lastError, "failed")
}

// DeadLetter is the dead-letter branch of the terminal-disposition table: same shape as
// FailPermanent but status='dead'.
func (s *Store) DeadLetter(ctx context.Context, recordID, workerID string, lastError string) error {
	return s.terminalFail(ctx, recordID, workerID, lastError, "dead")
}

func (s *Store) terminalFail(ctx context.Context, recordID, workerID, lastError, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET    status=$1,
		       attempts=attempts+1,
		       completed_at=now(),
		       last_error=$2,
		       claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL,
		       updated_at=now()
		WHERE  id=$3 AND claimed_by=$4 AND status IN ('claimed', 'processing')
	`, status, lastError, mustUUID(recordID), workerID)
	if err != nil {
		return fmt.Errorf("failed to record terminal failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// ReapOrphans reclaims records abandoned by crashed workers
// (lease_expires_at in the past), scoped to flowKind. Run on startup
// and periodically every lease_duration_s.
func (s *Store) ReapOrphans(ctx context.Context, flowKind string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_queue
		SET    status='pending', claimed_by=NULL, claimed_at=NULL,
		       lease_expires_at=NULL, next_visible_at=now(), updated_at=now()
		WHERE  flow_kind=$1
		  AND  status IN ('claimed','processing')
		  AND  lease_expires_at < now()
	`, flowKind)
	if err != nil {
		return 0, fmt.Errorf("failed to reap orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeadLetter returns dead-lettered records for flowKind, most recently
// failed first. Operator-facing read surface.
func (s *Store) ListDeadLetter(ctx context.Context, flowKind string, limit int) ([]*queue.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_kind, payload, status, attempts, max_attempts,
		       claimed_by, claimed_at, lease_expires_at, next_visible_at,
		       last_error, created_at, updated_at, completed_at, result
		FROM processing_queue
		WHERE flow_kind=$1 AND status='dead'
		ORDER BY completed_at DESC
		LIMIT $2
	`, flowKind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter records: %w", err)
	}
	defer rows.Close()

	var records []*queue.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RetryDeadLetter creates a fresh pending record cloned from a dead-lettered
// one, with attempts reset to 0, via a shared-transaction clone-and-reset.
func (s *Store) RetryDeadLetter(ctx context.Context, recordID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var flowKind string
	var payload []byte
	var maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT flow_kind, payload, max_attempts FROM processing_queue WHERE id=$1 AND status='dead'
	`, mustUUID(recordID)).Scan(&flowKind, &payload, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("dead-letter record %s not found", recordID)
		}
		return "", fmt.Errorf("failed to load dead-letter record: %w", err)
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate record id: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO processing_queue (id, flow_kind, payload, status, attempts, max_attempts, next_visible_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, now(), now(), now())
	`, newID, flowKind, payload, maxAttempts)
	if err != nil {
		return "", fmt.Errorf("failed to requeue record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit retry: %w", err)
	}
	return newID.String(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*queue.Record, error) {
	var rec queue.Record
	var id uuid.UUID
	var resultRaw, payloadRaw json.RawMessage
	var status string

	err := row.Scan(
		&id, &rec.FlowKind, &payloadRaw, &status, &rec.Attempts, &rec.MaxAttempts,
		&rec.ClaimedBy, &rec.ClaimedAt, &rec.LeaseExpiresAt, &rec.NextVisibleAt,
		&rec.LastError, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt, &resultRaw,
	)
	if err != nil {
		return nil, err
	}

	rec.ID = id.String()
	rec.Status = queue.Status(status)
	rec.Payload = payloadRaw
	rec.Result = resultRaw
	return &rec, nil
}

func mustUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		// Record ids are always generated by Enqueue/RetryDeadLetter
		// (uuid.NewV7); a malformed id here is a caller bug.
		panic(fmt.Sprintf("invalid record id %q: %v", s, err))
	}
	return id
}

func toUUIDs(ids []string) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = mustUUID(id)
	}
	return out
}
