package queue

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HandlerContext is what a Handler receives alongside the record's payload:
// logger, database-handle factory, cancellation (via ctx), and record
// metadata.
type HandlerContext struct {
	context.Context
	Logger      *slog.Logger
	RecordID    string
	Attempts    int
	MaxAttempts int

	// DB is the database-handle factory: a handler that needs its own
	// transactional handle (e.g. to write domain-specific output
	// atomically alongside completion) acquires it from the same pool the
	// runtime uses for the Queue Protocol.
	DB *pgxpool.Pool
}

// Handler implements the business logic for one flow kind. Handlers are
// required to be idempotent with respect to their own side effects keyed
// by record id; the runtime guarantees at-least-once delivery, never
// exactly-once.
type Handler interface {
	// Handle processes payload and returns a result document on success.
	// Errors should be wrapped with Retryable or NonRetryable to steer the
	// state machine; an unwrapped error defaults to retryable.
	Handle(hctx HandlerContext, payload []byte) (result []byte, err error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(hctx HandlerContext, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(hctx HandlerContext, payload []byte) ([]byte, error) {
	return f(hctx, payload)
}
