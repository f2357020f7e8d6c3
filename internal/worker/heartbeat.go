package worker

import (
	"context"
	"log/slog"
	"time"
)

// heartbeatLoop is the single per-worker heartbeat task: every
// heartbeat_interval_s it refreshes every currently-held record's
// lease in one statement. Any id the database didn't report back as
// extended is lease-lost; that record's handler token is cancelled.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatOnce(ctx)
		}
	}
}

func (r *Runtime) heartbeatOnce(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	extended, err := r.deps.Store.Heartbeat(ctx, r.deps.Identity, ids, r.settings.LeaseDuration)
	if err != nil {
		r.deps.Logger.ErrorContext(ctx, "heartbeat failed", slog.Any("error", err))
		return
	}

	extendedSet := make(map[string]struct{}, len(extended))
	for _, id := range extended {
		extendedSet[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := extendedSet[id]; ok {
			continue
		}
		h, stillHeld := r.inFlight[id]
		if !stillHeld {
			// Completed (or otherwise removed) between the snapshot and
			// this heartbeat's response; nothing to cancel.
			continue
		}
		r.deps.Logger.Warn("lease lost, cancelling handler", slog.String("record_id", id))
		h.cancel()
	}
}
