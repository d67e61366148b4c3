package scheduler

import (
	"time"

	"github.com/caarlos0/env/v10"
)

const JobMaterializeDue = "materialize_due"

// Config controls the due-subscription sweep. MaxBatches caps how many
// batches one run drains before yielding to the next tick.
type Config struct {
	RunInterval time.Duration `env:"SCHEDULER_RUN_INTERVAL" envDefault:"1m"`
	BatchSize   int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"50"`
	MaxBatches  int           `env:"SCHEDULER_MAX_BATCHES" envDefault:"20"`
	JobTimeout  time.Duration `env:"SCHEDULER_JOB_TIMEOUT" envDefault:"30s"`
	EnabledJobs []string      `env:"SCHEDULER_ENABLED_JOBS" envSeparator:","`
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		MaxBatches:  20,
		JobTimeout:  30 * time.Second,
	}
}

// ProvideConfig reads SCHEDULER_* variables.
func ProvideConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = defaults.MaxBatches
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
