// Package recovery implements the Recovery Controller: the
// ordered startup sequence every worker process runs before joining the
// main loop, and the signal-driven shutdown path around it.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/taskqueue/internal/health"
	"github.com/rezkam/taskqueue/internal/localqueue"
)

// Controller runs the startup sequence. The signal-driven shutdown context
// the worker runtime's main loop selects on comes from the package-level
// ShutdownContext.
type Controller struct {
	FlowKind   string
	LocalQueue *localqueue.Queue
	Probe      *health.Probe
	ReapOrphans func(ctx context.Context) (int64, error)
	FlushLocal  func() (localqueue.FlushResult, error)
	Logger      *slog.Logger
}

// Startup runs the ordered startup sequence:
//  1. Load local queue — done by localqueue.Open before Controller exists.
//  2. Run Reap-Orphans scoped to this flow kind.
//  3. Attempt a full flush of the local queue.
//  4. Emit a startup health report.
func (c *Controller) Startup(ctx context.Context) error {
	reclaimed, err := c.ReapOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reap orphaned leases on startup: %w", err)
	}
	if reclaimed > 0 {
		c.Logger.InfoContext(ctx, "reclaimed orphaned records on startup",
			slog.String("flow_kind", c.FlowKind), slog.Int64("count", reclaimed))
	}

	result, err := c.FlushLocal()
	if err != nil {
		c.Logger.ErrorContext(ctx, "startup local queue flush failed", slog.Any("error", err))
	} else if result.Remaining > 0 {
		c.Logger.WarnContext(ctx, "local queue has unflushed entries after startup flush",
			slog.Int("flushed", result.Flushed), slog.Int("remaining", result.Remaining))
	}

	report := c.Probe.Check(ctx, health.Options{IncludeMigrationVersion: true})
	c.Logger.InfoContext(ctx, "startup health report",
		slog.String("status", string(report.Status)),
		slog.Bool("connection_ok", report.ConnectionOK),
		slog.Bool("query_ok", report.QueryOK),
		slog.Int64("latency_ms", report.LatencyMS))

	return nil
}

// ShutdownContext returns a context cancelled on the first SIGTERM/SIGINT,
// plus a stop function to release the signal subscription. A second
// identical signal received within 2 seconds of the first hard-exits the
// process, since a handler ignoring its cancellation token is otherwise
// only contained by lease expiry and reap.
func ShutdownContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Warn("shutdown signal received, draining in-flight handlers")
		cancel()

		select {
		case <-sigCh:
			logger.Error("second shutdown signal received within grace window, forcing exit")
			os.Exit(1)
		case <-time.After(2 * time.Second):
		}
	}()

	return ctx, func() { signal.Stop(sigCh); cancel() }
}
