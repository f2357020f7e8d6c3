// Package queue defines the processing-queue domain: the record shape,
// status lifecycle, handler contract, and the retry/failure state machine
// that decides a failed record's disposition. The SQL-level protocol that
// mutates records lives in the postgres subpackage.
package queue

import "time"

// Status is the processing-queue record lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Terminal reports whether s is a sink status: no transition leaves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// Record is one row of the processing queue. JSON payload and
// result are left as raw JSON bytes: the runtime never interprets them,
// only the flow-kind-specific handler does.
type Record struct {
	ID             string
	FlowKind       string
	Payload        []byte // structured document, opaque to the runtime
	Status         Status
	Attempts       int
	MaxAttempts    int
	ClaimedBy      *string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time
	NextVisibleAt  time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	Result         []byte
}

// Identity builds a worker identity string stable across restarts for a
// given deployment slot: "<flow_kind>-<host>-<instance>".
func Identity(flowKind, host, instance string) string {
	return flowKind + "-" + host + "-" + instance
}
