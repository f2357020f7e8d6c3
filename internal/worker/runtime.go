// Package worker implements the Worker Runtime: one process per
// flow kind, polling the Queue Protocol for claimable records, dispatching
// them to a registered Handler under a bounded concurrency budget, and
// routing each outcome back through the Retry/Failure State Machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/rezkam/taskqueue/internal/dbpool"
	"github.com/rezkam/taskqueue/internal/health"
	"github.com/rezkam/taskqueue/internal/localqueue"
	"github.com/rezkam/taskqueue/internal/observability"
	"github.com/rezkam/taskqueue/internal/queue"
	"github.com/rezkam/taskqueue/internal/queue/postgres"
)

// minPollIntervalMS and maxPollIntervalMS bound the adaptive backpressure
// adjustment: halves down to a 100ms floor, doubles up to a 30s cap.
const (
	minPollIntervalMS = 100
	maxPollIntervalMS = 30_000

	// backpressureStreak is how many consecutive full/empty polls trigger
	// a poll-interval adjustment.
	backpressureStreak = 3

	// unhealthyBackoffMultiplier is applied to poll_interval_ms when the
	// health probe reports unhealthy.
	unhealthyBackoffMultiplier = 4
)

// Settings is the resolved per-flow-kind tuning the runtime reads once at
// startup from the flat ConfigProvider.
type Settings struct {
	MaxConcurrent      int
	BatchSize          int
	PollIntervalMS     int
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	MaxAttempts        int
	BackoffPolicy      queue.BackoffPolicy
	ShutdownGrace      time.Duration
}

// Deps bundles the Runtime's collaborators.
type Deps struct {
	FlowKind    string
	Identity    string
	Pool        *pgxpool.Pool // handed to handlers via HandlerContext.DB
	Store       *postgres.Store
	Registry    *queue.Registry
	LocalQueue  *localqueue.Queue
	Executor    *dbpool.Executor
	Probe       *health.Probe
	Instruments *observability.RuntimeInstruments
	Logger      *slog.Logger
}

// held tracks one in-flight claimed record: its cancellation token and the
// claimed record itself.
type held struct {
	cancel context.CancelFunc
	record *queue.Record
}

// Runtime is the worker main loop for a single flow kind.
type Runtime struct {
	deps     Deps
	settings Settings

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]*held // recordID -> held

	pollIntervalMS int
	fullStreak     int
	emptyStreak    int

	outcomes chan outcome
}

// outcome is what a handler goroutine reports back to the main loop.
type outcome struct {
	record *queue.Record
	kind   outcomeKind
	result []byte
	err    error
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomeCancelled
)

// New builds a Runtime ready to Run.
func New(deps Deps, settings Settings) *Runtime {
	return &Runtime{
		deps:           deps,
		settings:       settings,
		sem:            semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		inFlight:       make(map[string]*held),
		pollIntervalMS: settings.PollIntervalMS,
		outcomes:       make(chan outcome, settings.MaxConcurrent),
	}
}

// Run executes the main loop until ctx is cancelled, then drains in-flight
// handlers up to settings.ShutdownGrace before returning. Returns
// queue.ErrShutdown on a clean, fully-drained exit, or the drain-timeout
// error if handlers had to be force-cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go r.heartbeatLoop(heartbeatCtx)
	// Periodic reap of this flow kind's expired leases, every lease_duration_s.
	go func() {
		ticker := time.NewTicker(r.settings.LeaseDuration)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.deps.Store.ReapOrphans(heartbeatCtx, r.deps.FlowKind); err != nil {
					r.deps.Logger.ErrorContext(heartbeatCtx, "periodic reap failed", slog.Any("error", err))
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.drain()
		default:
		}

		report := r.deps.Probe.Check(ctx, health.Options{IncludeMigrationVersion: false})
		if report.Status == health.StatusUnhealthy {
			r.deps.Logger.WarnContext(ctx, "health probe unhealthy, backing off",
				slog.String("error", report.Error))
			if !r.sleepOrDone(ctx, time.Duration(r.pollIntervalMS*unhealthyBackoffMultiplier)*time.Millisecond) {
				return r.drain()
			}
			continue
		}

		if result, err := r.deps.LocalQueue.Flush(r.applyBufferedOutcome); err != nil {
			r.deps.Logger.ErrorContext(ctx, "failed to persist local queue during flush", slog.Any("error", err))
		} else if result.Flushed > 0 {
			r.deps.Logger.InfoContext(ctx, "flushed buffered outcomes",
				slog.Int("flushed", result.Flushed), slog.Int("remaining", result.Remaining))
		}

		free := r.freeConcurrency()
		if free == 0 {
			if !r.awaitOutcome(ctx) {
				return r.drain()
			}
			continue
		}

		batchSize := free
		if batchSize > r.settings.BatchSize {
			batchSize = r.settings.BatchSize
		}

		records, err := r.deps.Store.ClaimBatch(ctx, r.deps.FlowKind, r.deps.Identity, batchSize, r.settings.LeaseDuration)
		if err != nil {
			r.deps.Logger.ErrorContext(ctx, "claim failed", slog.Any("error", err))
			if !r.sleepOrDone(ctx, time.Duration(r.pollIntervalMS)*time.Millisecond) {
				return r.drain()
			}
			continue
		}

		r.adjustBackpressure(len(records), batchSize, free)

		for _, rec := range records {
			r.dispatch(ctx, rec)
		}

		if len(records) == 0 {
			if !r.sleepOrDone(ctx, time.Duration(r.pollIntervalMS)*time.Millisecond) {
				return r.drain()
			}
		} else {
			// Drain any outcomes that have already arrived before
			// polling again, so in-flight accounting stays current.
			r.drainReadyOutcomes()
		}
	}
}

// freeConcurrency returns max_concurrent - in_flight.
func (r *Runtime) freeConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := r.settings.MaxConcurrent - len(r.inFlight)
	if free < 0 {
		return 0
	}
	return free
}

// adjustBackpressure implements the poll-interval halving/doubling.
func (r *Runtime) adjustBackpressure(claimed, requestedBatch, freeBefore int) {
	nearCapacity := freeBefore <= (r.settings.MaxConcurrent / 4)

	if claimed > 0 && claimed >= requestedBatch && nearCapacity {
		r.emptyStreak = 0
		r.fullStreak++
		if r.fullStreak >= backpressureStreak {
			r.pollIntervalMS = max(r.pollIntervalMS/2, minPollIntervalMS)
			r.fullStreak = 0
			r.publishPollInterval()
		}
		return
	}

	if claimed == 0 {
		r.fullStreak = 0
		r.emptyStreak++
		if r.emptyStreak >= backpressureStreak {
			r.pollIntervalMS = min(r.pollIntervalMS*2, maxPollIntervalMS)
			r.emptyStreak = 0
			r.publishPollInterval()
		}
		return
	}

	r.fullStreak = 0
	r.emptyStreak = 0
}

func (r *Runtime) publishPollInterval() {
	if r.deps.Instruments == nil {
		return
	}
	r.deps.Instruments.PollIntervalMS.Record(context.Background(), int64(r.pollIntervalMS))
}

// sleepOrDone sleeps for d, or returns false immediately if ctx is
// cancelled first.
func (r *Runtime) sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// awaitOutcome blocks for exactly one outcome (or shutdown), applying it.
// Returns false if ctx was cancelled first.
func (r *Runtime) awaitOutcome(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case o := <-r.outcomes:
		r.handleOutcome(ctx, o)
		return true
	}
}

// drainReadyOutcomes applies any outcomes already waiting in the channel
// without blocking.
func (r *Runtime) drainReadyOutcomes() {
	for {
		select {
		case o := <-r.outcomes:
			r.handleOutcome(context.Background(), o)
		default:
			return
		}
	}
}

// drain stops claiming, waits up to ShutdownGrace for in-flight
// handlers, cancel on timeout, flush once more, exit.
func (r *Runtime) drain() error {
	deadline := time.After(r.settings.ShutdownGrace)
	drainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		r.mu.Lock()
		remaining := len(r.inFlight)
		r.mu.Unlock()
		if remaining == 0 {
			break
		}

		select {
		case o := <-r.outcomes:
			r.handleOutcome(drainCtx, o)
		case <-deadline:
			r.cancelAllInFlight()
			goto finalFlush
		}
	}

finalFlush:
	if _, err := r.deps.LocalQueue.Flush(r.applyBufferedOutcome); err != nil {
		r.deps.Logger.Error("failed to flush local queue during shutdown", slog.Any("error", err))
	}

	r.mu.Lock()
	stillHeld := len(r.inFlight)
	r.mu.Unlock()
	if stillHeld > 0 {
		return fmt.Errorf("drain timed out with %d handlers still in flight: %w", stillHeld, errors.New("shutdown grace period exceeded"))
	}
	return queue.ErrShutdown
}

func (r *Runtime) cancelAllInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.inFlight {
		h.cancel()
	}
}
