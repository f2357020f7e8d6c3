package config

import (
	"fmt"

	"github.com/rezkam/taskqueue/internal/env"
)

// RuntimeDefaults holds the process-default tier of the flat config surface:
// the values used when neither a per-flow-kind nor a
// per-environment override exists. Operators may set any of these with the
// corresponding QUEUE_ environment variable; the struct tags below are
// themselves the "default" resolution tier. A key that also appears in
// environmentOverrides (max_concurrent) resolves to the per-environment
// value, so QUEUE_MAX_CONCURRENT has no effect through QueueConfig.
type RuntimeDefaults struct {
	MaxConcurrent      int     `env:"QUEUE_MAX_CONCURRENT" default:"5"`
	BatchSize          int     `env:"QUEUE_BATCH_SIZE" default:"10"`
	PollIntervalMS     int     `env:"QUEUE_POLL_INTERVAL_MS" default:"1000"`
	LeaseDurationS     int     `env:"QUEUE_LEASE_DURATION_S" default:"300"`
	HeartbeatIntervalS int     `env:"QUEUE_HEARTBEAT_INTERVAL_S" default:"100"`
	MaxAttempts        int     `env:"QUEUE_MAX_ATTEMPTS" default:"3"`
	BackoffBaseS       int     `env:"QUEUE_BACKOFF_BASE_S" default:"1"`
	BackoffMaxS        int     `env:"QUEUE_BACKOFF_MAX_S" default:"60"`
	BackoffJitter      float64 `env:"QUEUE_BACKOFF_JITTER" default:"0.2"`

	PoolSize        int `env:"QUEUE_POOL_SIZE" default:"10"`
	PoolMaxOverflow int `env:"QUEUE_POOL_MAX_OVERFLOW" default:"5"`
	PoolTimeoutS    int `env:"QUEUE_POOL_TIMEOUT_S" default:"30"`

	DBRetryAttempts  int `env:"QUEUE_DB_RETRY_ATTEMPTS" default:"5"`
	DBRetryMinWaitS  int `env:"QUEUE_DB_RETRY_MIN_WAIT_S" default:"1"`
	DBRetryMaxWaitS  int `env:"QUEUE_DB_RETRY_MAX_WAIT_S" default:"30"`

	LocalQueuePath       string `env:"QUEUE_LOCAL_QUEUE_PATH" default:"./data/outbox.json"`
	LocalQueueMaxEntries int    `env:"QUEUE_LOCAL_QUEUE_MAX_ENTRIES" default:"10000"`
}

// LoadRuntimeDefaults loads the process-default tier from the environment.
func LoadRuntimeDefaults() (*RuntimeDefaults, error) {
	cfg := &RuntimeDefaults{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load runtime defaults: %w", err)
	}
	return cfg, nil
}

// environmentOverrides holds the built-in per-environment tier: max_concurrent
// defaults to 5 in development, 8 in staging, 15 in production.
var environmentOverrides = map[string]map[string]string{
	"development": {"max_concurrent": "5"},
	"staging":     {"max_concurrent": "8"},
	"production":  {"max_concurrent": "15"},
}
