package config

import (
	"fmt"

	"github.com/rezkam/taskqueue/internal/env"
)

// Config holds process-level configuration for the worker binary: the bits
// that are fixed for the life of the process rather than re-read per flow
// kind (those live in the flat ConfigProvider, see queueconfig.go).
type Config struct {
	FlowKind string `env:"QUEUE_FLOW_KIND"`
	Env      string `env:"QUEUE_ENV" default:"development"` // development, staging, production

	Database DatabaseConfig
	Pool     StoragePoolConfig

	OTelEnabled   bool   `env:"QUEUE_OTEL_ENABLED" default:"false"`
	OTelCollector string `env:"QUEUE_OTEL_COLLECTOR" default:"localhost:4317"`

	LocalQueuePath        string `env:"QUEUE_LOCAL_QUEUE_PATH" default:"./data/outbox.json"`
	LocalQueueMaxEntries  int    `env:"QUEUE_LOCAL_QUEUE_MAX_ENTRIES" default:"10000"`
	HealthEndpointAddr    string `env:"QUEUE_HEALTH_ADDR" default:":8089"`
}

// Load parses environment variables into a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.FlowKind == "" {
		return fmt.Errorf("QUEUE_FLOW_KIND is required: each worker process handles exactly one flow kind")
	}
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("unknown QUEUE_ENV: %s (want development, staging, or production)", c.Env)
	}
	return c.Database.Validate()
}
