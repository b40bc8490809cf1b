package worker

import "time"

// Config carries the full pipeline tuning. Values come from the
// environment in cmd/bidworker; zero values fall back to the production
// defaults.
type Config struct {
	LockTTL            time.Duration // default 300s
	LockAcquireTimeout time.Duration // default 10s
	FreshnessTTL       time.Duration // default 24h

	BreakerThreshold int           // default 5
	BreakerWindow    time.Duration // default 300s
	BreakerCooldown  time.Duration // default 300s

	PoolMax            int           // default 3
	PoolAcquireTimeout time.Duration // default 30s

	BackoffBase time.Duration // default 500ms
	BackoffMax  time.Duration // default 30s
	MaxRetries  int           // default 3
}

func (c Config) WithDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 300 * time.Second
	}
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = 10 * time.Second
	}
	if c.FreshnessTTL <= 0 {
		c.FreshnessTTL = 24 * time.Hour
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 300 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 300 * time.Second
	}
	if c.PoolMax <= 0 {
		c.PoolMax = 3
	}
	if c.PoolAcquireTimeout <= 0 {
		c.PoolAcquireTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}
