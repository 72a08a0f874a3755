package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "CQRS_"

type Config struct {
	ES         es.Config
	Projection proj.Config `envPrefix:"PROJECTION_"`

	// ReconstructTimeout bounds the reconstruction of one entity.
	ReconstructTimeout time.Duration `env:"RECONSTRUCT_TIMEOUT" envDefault:"10s"`
	// ProjectionTimeout bounds the projections of one entity.
	ProjectionTimeout time.Duration `env:"PROJECTION_TIMEOUT" envDefault:"10s"`
	// EntityConcurrency bounds the entities processed in parallel per batch.
	EntityConcurrency int `env:"ENTITY_CONCURRENCY" envDefault:"16"`

	ConsumerName string `env:"CONSUMER_NAME" envDefault:"projections"`
	// ConsumerRetries is how often the consumer retries a failed event before
	// it holds its checkpoint and moves on.
	ConsumerRetries       int           `env:"CONSUMER_RETRIES" envDefault:"3"`
	ConsumerRetryInterval time.Duration `env:"CONSUMER_RETRY_INTERVAL" envDefault:"100ms"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

func DefaultConfig() Config {
	return Config{
		ES:                    es.DefaultConfig(),
		Projection:            proj.DefaultConfig(),
		ReconstructTimeout:    10 * time.Second,
		ProjectionTimeout:     10 * time.Second,
		EntityConcurrency:     16,
		ConsumerName:          "projections",
		ConsumerRetries:       3,
		ConsumerRetryInterval: 100 * time.Millisecond,
		ShutdownTimeout:       5 * time.Second,
	}
}

// LoadConfig reads the configuration from CQRS_* environment variables,
// e.g. CQRS_SNAPSHOT_THRESHOLD or CQRS_PROJECTION_MAX_RETRIES.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
