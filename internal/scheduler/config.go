package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	LockTTL         time.Duration
	OutboxDrainSize int
	PAYGHorizonDays int
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       50,
		LockTTL:         90 * time.Second,
		OutboxDrainSize: 200,
		PAYGHorizonDays: 30,
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
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.OutboxDrainSize <= 0 {
		c.OutboxDrainSize = defaults.OutboxDrainSize
	}
	if c.PAYGHorizonDays <= 0 {
		c.PAYGHorizonDays = defaults.PAYGHorizonDays
	}
	return c
}
