package scheduler

import (
	"time"

	"github.com/smallbiznis/commerce/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	MaxAge            time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RunInterval:       time.Minute,
		BatchSize:         50,
		RecoveryThreshold: 10 * time.Minute,
		MaxAge:            72 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	return Config{
		Enabled:           sc.Enabled,
		RunInterval:       sc.RunInterval,
		BatchSize:         sc.BatchSize,
		RecoveryThreshold: sc.RecoveryThreshold,
		MaxAge:            sc.MaxAge,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.MaxAge <= c.RecoveryThreshold {
		c.MaxAge = defaults.MaxAge
	}
	return c
}
