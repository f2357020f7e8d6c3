// Package health implements the Health Probe: a cheap,
// never-raising check of database reachability, query responsiveness, and
// migration currency, classified into a three-way status.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/rezkam/taskqueue/internal/ptr"
	"github.com/rezkam/taskqueue/internal/queue/postgres/migrations"
)

// Status is the three-way health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// defaultThresholdMS is the default latency ceiling for "healthy".
const defaultThresholdMS = 1000

// Report is the populated result of a single check. Never left
// zero-valued on failure: Probe.Check always returns a usable Report, even
// when the database is entirely unreachable.
type Report struct {
	DBName           string
	Status           Status
	ConnectionOK     bool
	QueryOK          bool
	LatencyMS        int64
	MigrationVersion *int64 // absent on read-only DBs or when not requested
	PendingMigration bool   // applied version is behind the embedded migration set
	Error            string
	CheckedAt        time.Time
}

// Options controls which optional checks Check performs.
type Options struct {
	IncludeRetry            bool // currently informational; retries happen in the caller's Retrying Executor
	IncludeMigrationVersion bool
	ThresholdMS             int64 // 0 = defaultThresholdMS
}

// Probe checks one logical database's health.
type Probe struct {
	pool   *pgxpool.Pool
	dbName string
}

// New builds a Probe over an existing pool.
func New(pool *pgxpool.Pool, dbName string) *Probe {
	return &Probe{pool: pool, dbName: dbName}
}

// Check performs the probe. It never returns an error: every failure mode
// is captured in the returned Report's Error/Status fields: it always
// returns a populated report, even on total failure.
func (p *Probe) Check(ctx context.Context, opts Options) Report {
	report := Report{DBName: p.dbName, CheckedAt: time.Now()}

	threshold := opts.ThresholdMS
	if threshold <= 0 {
		threshold = defaultThresholdMS
	}

	start := time.Now()
	if err := p.pool.Ping(ctx); err != nil {
		report.Error = fmt.Sprintf("connection failed: %v", err)
		report.Status = StatusUnhealthy
		return report
	}
	report.ConnectionOK = true

	var one int
	queryErr := p.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	report.LatencyMS = time.Since(start).Milliseconds()
	if queryErr != nil {
		report.Error = fmt.Sprintf("query failed: %v", queryErr)
		report.QueryOK = false
	} else {
		report.QueryOK = true
	}

	if opts.IncludeMigrationVersion {
		if version, err := p.migrationVersion(ctx); err != nil {
			// Lookup failure does not itself degrade health; it just
			// leaves MigrationVersion absent.
			report.MigrationVersion = nil
		} else {
			report.MigrationVersion = ptr.To(version)
			if target, err := targetMigrationVersion(); err == nil && version < target {
				report.PendingMigration = true
			}
		}
	}

	report.Status = classify(report, threshold)
	return report
}

// classify implements the three-way health decision table. A pending
// migration degrades status but never escalates it to unhealthy: the
// database is still reachable and serving queries.
func classify(r Report, thresholdMS int64) Status {
	switch {
	case !r.ConnectionOK:
		return StatusUnhealthy
	case r.ConnectionOK && !r.QueryOK:
		return StatusDegraded
	case r.LatencyMS > thresholdMS:
		return StatusDegraded
	case r.PendingMigration:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// targetMigrationVersion returns the highest version among the embedded
// migrations, without requiring a database connection.
func targetMigrationVersion() (int64, error) {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("failed to set migration dialect: %w", err)
	}

	migs, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to collect embedded migrations: %w", err)
	}
	if len(migs) == 0 {
		return 0, nil
	}
	return migs[len(migs)-1].Version, nil
}

// migrationVersion reads the latest applied goose migration version from
// goose_db_version (goose's own bookkeeping table), over a connection
// acquired from the probe's pgxpool.
func (p *Probe) migrationVersion(ctx context.Context) (int64, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var version int64
	err = conn.QueryRow(ctx, "SELECT version_id FROM goose_db_version ORDER BY id DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, nil
}

// DefaultReadinessLocalQueueThreshold is the local buffered-outcome backlog
// size past which readiness is refused even when the database is healthy.
const DefaultReadinessLocalQueueThreshold = 1000

// ReadinessReport is the result of a readiness check: health plus the
// buffered-outcome backlog size it was evaluated against.
type ReadinessReport struct {
	Ready          bool
	Health         Report
	LocalQueueSize int
	Threshold      int
}

// Readiness reports ready iff health is StatusHealthy and localQueueSize is
// below threshold. threshold <= 0 uses DefaultReadinessLocalQueueThreshold.
func Readiness(health Report, localQueueSize, threshold int) ReadinessReport {
	if threshold <= 0 {
		threshold = DefaultReadinessLocalQueueThreshold
	}
	return ReadinessReport{
		Ready:          health.Status == StatusHealthy && localQueueSize < threshold,
		Health:         health,
		LocalQueueSize: localQueueSize,
		Threshold:      threshold,
	}
}

// Summary is the batch form over multiple databases.
type Summary struct {
	Overall    Status
	Breakdown  map[string]Report
	Alerts     []string
}

// Sum combines reports into a Summary: overall is the worst status present,
// and an alert is recorded for every unhealthy database.
func Sum(reports []Report) Summary {
	summary := Summary{Overall: StatusHealthy, Breakdown: make(map[string]Report, len(reports))}

	for _, r := range reports {
		summary.Breakdown[r.DBName] = r
		if worse(r.Status, summary.Overall) {
			summary.Overall = r.Status
		}
		if r.Status == StatusUnhealthy {
			summary.Alerts = append(summary.Alerts, fmt.Sprintf("database %q is unhealthy: %s", r.DBName, r.Error))
		}
	}
	return summary
}

func worse(a, b Status) bool {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	return rank(a) > rank(b)
}
