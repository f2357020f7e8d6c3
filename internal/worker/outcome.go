package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/taskqueue/internal/localqueue"
	"github.com/rezkam/taskqueue/internal/queue"
)

// dispatch spawns a handler execution for rec under a cancellation token
// and increments in_flight.
func (r *Runtime) dispatch(ctx context.Context, rec *queue.Record) {
	// The claim batch was already sized to freeConcurrency(), so this
	// acquire should never block; it's the hard backstop bounding
	// max_concurrent, not the primary gate (that's step 4's free check).
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.outcomes <- outcome{record: rec, kind: outcomeCancelled, err: &queue.CancelledError{Reason: err.Error()}}
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.inFlight[rec.ID] = &held{cancel: cancel, record: rec}
	r.mu.Unlock()

	if r.deps.Instruments != nil {
		r.deps.Instruments.InFlight.Add(ctx, 1)
		r.deps.Instruments.ClaimedTotal.Add(ctx, 1)
	}

	handler, ok := r.deps.Registry.Lookup(rec.FlowKind)
	if !ok {
		r.outcomes <- outcome{record: rec, kind: outcomeFailure,
			err: queue.NonRetryable(fmt.Errorf("no handler registered for flow kind %q", rec.FlowKind))}
		return
	}

	go r.runHandler(handlerCtx, rec, handler)
}

// runHandler executes one handler call, recovering a panic into a failure
// outcome (stringifying the recovered cause) and reporting the outcome
// back to the main loop.
func (r *Runtime) runHandler(ctx context.Context, rec *queue.Record, handler queue.Handler) {
	if err := r.deps.Store.TransitionToProcessing(context.Background(), rec.ID, r.deps.Identity); err != nil {
		r.outcomes <- outcome{record: rec, kind: outcomeCancelled, err: err}
		return
	}

	hctx := queue.HandlerContext{
		Context:     ctx,
		Logger:      r.deps.Logger,
		RecordID:    rec.ID,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		DB:          r.deps.Pool,
	}

	o := r.invoke(hctx, rec, handler)
	r.outcomes <- o
}

// invoke calls handler.Handle, converting a recovered panic into an
// outcome instead of crashing the worker process.
func (r *Runtime) invoke(hctx queue.HandlerContext, rec *queue.Record, handler queue.Handler) (o outcome) {
	defer func() {
		if v := recover(); v != nil {
			o = outcome{record: rec, kind: outcomeFailure, err: &queue.PanicError{
				Value:      v,
				StackTrace: string(debug.Stack()),
			}}
		}
	}()

	if hctx.Err() != nil {
		return outcome{record: rec, kind: outcomeCancelled, err: &queue.CancelledError{Reason: hctx.Err().Error()}}
	}

	result, err := handler.Handle(hctx, rec.Payload)
	if err != nil {
		return outcome{record: rec, kind: outcomeFailure, err: err}
	}
	return outcome{record: rec, kind: outcomeSuccess, result: result}
}

// handleOutcome is the main loop's completion path: releases in_flight
// bookkeeping and routes to Complete, the state machine, or a no-op for
// cancellation.
func (r *Runtime) handleOutcome(ctx context.Context, o outcome) {
	r.mu.Lock()
	delete(r.inFlight, o.record.ID)
	r.mu.Unlock()
	r.sem.Release(1)

	if r.deps.Instruments != nil {
		r.deps.Instruments.InFlight.Add(ctx, -1)
	}

	switch o.kind {
	case outcomeSuccess:
		r.completeRecord(ctx, o)
	case outcomeCancelled:
		r.deps.Logger.WarnContext(ctx, "handler cancelled, leaving record for reaper",
			slog.String("record_id", o.record.ID), slog.Any("reason", o.err))
	case outcomeFailure:
		r.failRecord(ctx, o)
	}
}

func (r *Runtime) completeRecord(ctx context.Context, o outcome) {
	err := r.deps.Executor.Do(ctx, func(ctx context.Context) error {
		return r.deps.Store.Complete(ctx, o.record.ID, r.deps.Identity, o.result)
	})
	if err == nil {
		if r.deps.Instruments != nil {
			r.deps.Instruments.CompletedTotal.Add(ctx, 1)
		}
		return
	}

	r.deps.Logger.ErrorContext(ctx, "failed to record completion, buffering locally",
		slog.String("record_id", o.record.ID), slog.Any("error", err))
	r.bufferOutcome(localqueue.Entry{
		ID:            uuidString(),
		OperationKind: localqueue.OperationComplete,
		RecordID:      o.record.ID,
		WorkerID:      r.deps.Identity,
		NewStatus:     queue.StatusCompleted,
		Result:        o.result,
		EnqueuedAt:    time.Now(),
	})
}

func (r *Runtime) failRecord(ctx context.Context, o outcome) {
	disposition, delay := queue.Decide(o.err, o.record.Attempts, o.record.MaxAttempts, r.settings.BackoffPolicy)
	errMsg := o.err.Error()

	var applyErr error
	var entry localqueue.Entry

	switch disposition {
	case queue.DispositionRetry:
		nextVisible := time.Now().Add(delay)
		applyErr = r.deps.Executor.Do(ctx, func(ctx context.Context) error {
			return r.deps.Store.Retry(ctx, o.record.ID, r.deps.Identity, errMsg, nextVisible)
		})
		entry = localqueue.Entry{OperationKind: localqueue.OperationRetry, NewStatus: queue.StatusPending, NextVisibleAt: nextVisible}
	case queue.DispositionDead:
		applyErr = r.deps.Executor.Do(ctx, func(ctx context.Context) error {
			return r.deps.Store.DeadLetter(ctx, o.record.ID, r.deps.Identity, errMsg)
		})
		entry = localqueue.Entry{OperationKind: localqueue.OperationFail, NewStatus: queue.StatusDead}
		if r.deps.Instruments != nil && applyErr == nil {
			r.deps.Instruments.DeadLetterTotal.Add(ctx, 1)
		}
	default: // DispositionFailed
		applyErr = r.deps.Executor.Do(ctx, func(ctx context.Context) error {
			return r.deps.Store.FailPermanent(ctx, o.record.ID, r.deps.Identity, errMsg)
		})
		entry = localqueue.Entry{OperationKind: localqueue.OperationFail, NewStatus: queue.StatusFailed}
	}

	if applyErr == nil {
		if r.deps.Instruments != nil {
			r.deps.Instruments.FailedTotal.Add(ctx, 1)
		}
		return
	}

	r.deps.Logger.ErrorContext(ctx, "failed to record failure outcome, buffering locally",
		slog.String("record_id", o.record.ID), slog.Any("error", applyErr))
	entry.ID = uuidString()
	entry.RecordID = o.record.ID
	entry.WorkerID = r.deps.Identity
	entry.LastError = errMsg
	entry.Attempts = o.record.Attempts + 1
	entry.EnqueuedAt = time.Now()
	r.bufferOutcome(entry)
}

func (r *Runtime) bufferOutcome(entry localqueue.Entry) {
	if err := r.deps.LocalQueue.Enqueue(entry); err != nil {
		r.deps.Logger.Error("local operation queue is full, outcome dropped from durability guarantee",
			slog.String("record_id", entry.RecordID), slog.Any("error", err))
	}
}

// applyBufferedOutcome is the localqueue.Executor the main loop's flush
// calls feed through the same Store operations, via the Retrying Executor.
func (r *Runtime) applyBufferedOutcome(entry localqueue.Entry) error {
	ctx := context.Background()
	return r.deps.Executor.Do(ctx, func(ctx context.Context) error {
		switch entry.OperationKind {
		case localqueue.OperationComplete:
			return r.deps.Store.Complete(ctx, entry.RecordID, entry.WorkerID, entry.Result)
		case localqueue.OperationRetry:
			return r.deps.Store.Retry(ctx, entry.RecordID, entry.WorkerID, entry.LastError, entry.NextVisibleAt)
		case localqueue.OperationFail:
			if entry.NewStatus == queue.StatusDead {
				return r.deps.Store.DeadLetter(ctx, entry.RecordID, entry.WorkerID, entry.LastError)
			}
			return r.deps.Store.FailPermanent(ctx, entry.RecordID, entry.WorkerID, entry.LastError)
		default:
			return fmt.Errorf("unknown buffered operation kind %q", entry.OperationKind)
		}
	})
}

func uuidString() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
