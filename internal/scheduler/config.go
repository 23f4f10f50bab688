package scheduler

import (
	"time"

	"github.com/smallbiznis/bizsuite/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled        bool
	RunInterval    time.Duration
	JobTimeout     time.Duration
	SweepBatchSize int
	RelayBatchSize int
	// EnabledJobs limits the jobs this process runs; empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RunInterval:    time.Minute,
		JobTimeout:     30 * time.Second,
		SweepBatchSize: 200,
		RelayBatchSize: 100,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:        cfg.Scheduler.Enabled,
		RunInterval:    cfg.Scheduler.RunInterval,
		SweepBatchSize: cfg.Scheduler.SweepBatchSize,
		RelayBatchSize: cfg.Scheduler.RelayBatchSize,
		EnabledJobs:    cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.RelayBatchSize <= 0 {
		c.RelayBatchSize = defaults.RelayBatchSize
	}
	return c
}
