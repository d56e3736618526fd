package scheduler

import (
	"time"
)

// Config controls scheduler intervals, batch sizes and the per-job lock.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// EnabledJobs limits RunOnce to the named jobs. Empty runs every job.
	EnabledJobs []string
	JobTimeout  time.Duration
	// LockTTL bounds how long a crashed replica can hold a job lock.
	LockTTL    time.Duration
	JobRetries uint64
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Second,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
		LockTTL:     45 * time.Second,
		JobRetries:  2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	return c
}
