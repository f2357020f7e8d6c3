package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ServerConfig configures the read-only health/readiness HTTP surface.
type ServerConfig struct {
	Addr string

	// LocalQueueLen reports the current buffered-outcome backlog size. Nil
	// is treated as always-zero.
	LocalQueueLen func() int

	// ReadinessThreshold overrides DefaultReadinessLocalQueueThreshold; 0
	// keeps the default.
	ReadinessThreshold int

	// PoolSnapshot, if set, is invoked on every /health request so pool
	// utilization warnings keep firing even when nothing else polls it.
	PoolSnapshot func(ctx context.Context)
}

// Server serves /health and /ready as plain net/http handlers: no router
// dependency, just a ServeMux over two read-only routes.
type Server struct {
	httpServer *http.Server
	probe      *Probe
	cfg        ServerConfig
}

// NewServer builds a Server around an existing Probe. Start manages its
// lifecycle; the server does not begin listening until Start is called.
func NewServer(probe *Probe, cfg ServerConfig) *Server {
	s := &Server{probe: probe, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled. It blocks until the
// server exits; a clean shutdown is reported as a nil error.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "health server shutdown failed", slog.Any("error", err))
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PoolSnapshot != nil {
		s.cfg.PoolSnapshot(r.Context())
	}

	report := s.probe.Check(r.Context(), Options{IncludeMigrationVersion: true})
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.probe.Check(r.Context(), Options{})

	localLen := 0
	if s.cfg.LocalQueueLen != nil {
		localLen = s.cfg.LocalQueueLen()
	}
	readiness := Readiness(report, localLen, s.cfg.ReadinessThreshold)

	code := http.StatusOK
	if !readiness.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readiness)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write health response", slog.Any("error", err))
	}
}
