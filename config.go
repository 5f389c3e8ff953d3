package stride

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds shared tuning knobs for schedulers, queues, and workers.
// Components take what they need; zero values fall back to defaults.
type Config struct {
	// PollInterval is how often scheduler and worker loops check for
	// due work.
	PollInterval time.Duration `env:"STRIDE_POLL_INTERVAL" envDefault:"1s"`

	// MaxConcurrent is the per-worker concurrent task limit.
	MaxConcurrent int `env:"STRIDE_MAX_CONCURRENT" envDefault:"10"`

	// BackoffBase is the base delay for exponential retry backoff.
	BackoffBase time.Duration `env:"STRIDE_BACKOFF_BASE" envDefault:"1s"`

	// DeadLetterCapacity bounds the per-queue dead letter list. Oldest
	// entries are evicted beyond this.
	DeadLetterCapacity int64 `env:"STRIDE_DEAD_LETTER_CAPACITY" envDefault:"1000"`

	// CompletedRetention is how long completed task records are kept
	// for inspection before the store may evict them.
	CompletedRetention time.Duration `env:"STRIDE_COMPLETED_RETENTION" envDefault:"1h"`

	// LockMargin is added to a job's timeout to form its lock TTL, so
	// the lock outlives a normally-finishing execution.
	LockMargin time.Duration `env:"STRIDE_LOCK_MARGIN" envDefault:"30s"`

	// HeartbeatInterval is how often workers publish health snapshots.
	HeartbeatInterval time.Duration `env:"STRIDE_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// HealthTTL is the external expiry on worker health records. A
	// record that is allowed to lapse signals a dead worker.
	HealthTTL time.Duration `env:"STRIDE_HEALTH_TTL" envDefault:"120s"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"STRIDE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       1 * time.Second,
		MaxConcurrent:      10,
		BackoffBase:        1 * time.Second,
		DeadLetterCapacity: 1000,
		CompletedRetention: 1 * time.Hour,
		LockMargin:         30 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HealthTTL:          120 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by STRIDE_* environment
// variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
