// Package dbpool owns the bounded connection pool to the queue database
// and the migration runner that brings its schema up before the
// pool is handed to callers.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver, used only for migrations
	"github.com/pressly/goose/v3"

	"github.com/rezkam/taskqueue/internal/queue/postgres/migrations"
)

// Config holds PostgreSQL database connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int           // 0 = auto-scale based on available CPUs
	MaxIdleConns    int           // 0 = auto-scale based on available CPUs
	ConnMaxLifetime time.Duration // 0 = default 5min
	ConnMaxIdleTime time.Duration // 0 = default 1min
	AutoMigrate     bool
}

// Supervisor owns a bounded pgxpool.Pool: it vends handles, caps total
// concurrent handles, expires idle connections, and publishes utilization
// snapshots.
type Supervisor struct {
	pool *pgxpool.Pool
}

// Snapshot is the in-memory pool-state accounting.
type Snapshot struct {
	Size               int32
	CheckedOut         int32
	Overflow           int32
	UtilizationPercent float64
}

const (
	moderateUtilization = 0.80
	highUtilization     = 0.95
)

// New creates a connection pool supervisor, running embedded migrations
// first (if cfg.AutoMigrate) using a temporary database/sql handle, matching
// the pattern goose requires.
func New(ctx context.Context, cfg Config) (*Supervisor, error) {
	if cfg.AutoMigrate {
		if err := runMigrations(cfg.DSN); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	maxConns := int32(cfg.MaxOpenConns)
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := int32(cfg.MaxIdleConns)
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = connMaxIdleTime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Supervisor{pool: pool}, nil
}

// Pool returns the underlying pgxpool, for the Queue Protocol and Health
// Probe to issue statements against.
func (s *Supervisor) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool. Idempotent.
func (s *Supervisor) Close() {
	s.pool.Close()
}

// Snapshot reports current pool utilization, logging a
// structured warning at moderate/high thresholds.
func (s *Supervisor) Snapshot(ctx context.Context) Snapshot {
	stat := s.pool.Stat()
	total := stat.TotalConns()
	acquired := stat.AcquiredConns()
	maxConns := stat.MaxConns()

	var utilization float64
	if maxConns > 0 {
		utilization = float64(acquired) / float64(maxConns)
	}

	snap := Snapshot{
		Size:               total,
		CheckedOut:         acquired,
		Overflow:            total - maxConns,
		UtilizationPercent: utilization * 100,
	}

	switch {
	case utilization >= highUtilization:
		slog.WarnContext(ctx, "connection pool utilization high",
			slog.Float64("utilization_percent", snap.UtilizationPercent),
			slog.Int("checked_out", int(acquired)), slog.Int("max_conns", int(maxConns)))
	case utilization >= moderateUtilization:
		slog.WarnContext(ctx, "connection pool utilization moderate",
			slog.Float64("utilization_percent", snap.UtilizationPercent),
			slog.Int("checked_out", int(acquired)), slog.Int("max_conns", int(maxConns)))
	}

	return snap
}

// runMigrations applies the embedded schema migrations using goose over a
// temporary database/sql handle (goose requires one even though the rest of
// the runtime talks to Postgres exclusively via pgxpool).
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			slog.Error("failed to close migration database connection", "error", cerr)
		}
	}()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database for migrations: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(migrations.FS)

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
