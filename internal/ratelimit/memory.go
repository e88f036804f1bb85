package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps counters in process. Limits are per instance.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int64
}

// NewMemoryLimiter creates a MemoryLimiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg.withDefaults(), now: time.Now, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	if l.cfg.Limit <= 0 {
		return unlimited(), nil
	}
	start := l.now().Truncate(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		if len(l.windows) > 10000 {
			l.sweep(start)
		}
		w = &window{start: start}
		l.windows[key] = w
	}
	w.count++
	return decide(l.cfg, w.count, start), nil
}

// sweep drops windows older than start.
func (l *MemoryLimiter) sweep(start time.Time) {
	for k, w := range l.windows {
		if w.start.Before(start) {
			delete(l.windows, k)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
