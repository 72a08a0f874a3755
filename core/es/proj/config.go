package proj

import "time"

// Config tunes the projection engine. Field tags are read by app.LoadConfig.
type Config struct {
	// MaxRetries is the number of retries after a concurrency conflict.
	MaxRetries           int           `env:"MAX_RETRIES" envDefault:"5"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"5ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"250ms"`
	// Concurrency bounds the read models projected in parallel for one entity.
	Concurrency int `env:"CONCURRENCY" envDefault:"8"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:           5,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     250 * time.Millisecond,
		Concurrency:          8,
	}
}
