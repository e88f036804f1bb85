// Package ratelimit implements fixed-window request limits for the HTTP API.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config is shared by both limiter implementations.
type Config struct {
	Limit     int           // requests per window; <= 0 disables limiting
	Window    time.Duration // default one minute
	KeyPrefix string        // default "opflow:ratelimit"
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "opflow:ratelimit"
	}
	return c
}

func decide(cfg Config, count int64, windowStart time.Time) Decision {
	remaining := cfg.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(cfg.Limit),
		Limit:     cfg.Limit,
		Remaining: remaining,
		ResetAt:   windowStart.Add(cfg.Window),
	}
}

func unlimited() Decision {
	return Decision{Allowed: true, Limit: -1, Remaining: -1}
}
