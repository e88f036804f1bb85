package engine

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig tunes every breaker in a registry. Zero fields take
// the defaults: 5 failures, 30s cooldown, 1 half-open trial.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
	HalfOpenMax      int           `json:"half_open_max"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	return c
}

// BreakerStats is a point-in-time view of one breaker.
type BreakerStats struct {
	Key                 string    `json:"key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	Cooldown            string    `json:"cooldown"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

type breaker struct {
	mu         sync.Mutex
	state      CircuitState
	failures   int
	lastFailAt time.Time
	trials     int
}

// cool moves an open breaker to half-open once its cooldown has passed.
// Caller holds b.mu.
func (b *breaker) cool(now time.Time, cooldown time.Duration) {
	if b.state == CircuitOpen && now.Sub(b.lastFailAt) >= cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
}

// CircuitBreakerRegistry holds one breaker per step type. Only failures that
// blame the provider (see countsAgainstBreaker) are recorded.
type CircuitBreakerRegistry struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

// AllowRequest returns nil when a call for key may go ahead and a
// CIRCUIT_OPEN error otherwise. In half-open state it admits HalfOpenMax trials.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	b.cool(now, r.cfg.Cooldown)

	switch b.state {
	case CircuitOpen:
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s calls suspended after %d consecutive provider failures", key, b.failures).
			WithDetails(map[string]any{
				"key":                key,
				"cooldown_remaining": (r.cfg.Cooldown - now.Sub(b.lastFailAt)).String(),
			})
	case CircuitHalfOpen:
		if b.trials >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s recovery trial already in flight", key)
		}
		b.trials++
	}
	return nil
}

func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	b := r.get(key)
	b.mu.Lock()
	b.state, b.failures, b.trials = CircuitClosed, 0, 0
	b.mu.Unlock()
}

// RecordFailure counts a provider failure for key and returns the resulting
// state. A failed half-open trial reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailAt = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool(r.now(), r.cfg.Cooldown)
	return b.state
}

func (r *CircuitBreakerRegistry) GetStats(key string) BreakerStats {
	return r.stats(key, r.get(key))
}

// Snapshot returns stats for every breaker that has seen traffic, by key.
func (r *CircuitBreakerRegistry) Snapshot() []BreakerStats {
	r.mu.Lock()
	keys := slices.Sorted(maps.Keys(r.breakers))
	bs := make([]*breaker, len(keys))
	for i, k := range keys {
		bs[i] = r.breakers[k]
	}
	r.mu.Unlock()

	out := make([]BreakerStats, len(keys))
	for i, k := range keys {
		out[i] = r.stats(k, bs[i])
	}
	return out
}

func (r *CircuitBreakerRegistry) stats(key string, b *breaker) BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool(r.now(), r.cfg.Cooldown)
	return BreakerStats{
		Key:                 key,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		FailureThreshold:    r.cfg.FailureThreshold,
		Cooldown:            r.cfg.Cooldown.String(),
		LastFailure:         b.lastFailAt,
	}
}

func (r *CircuitBreakerRegistry) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}

// countsAgainstBreaker reports whether err blames the downstream provider
// rather than the step's config or input.
func countsAgainstBreaker(err error) bool {
	switch schema.CodeOf(err) {
	case schema.ErrCodeProviderUnavailable, schema.ErrCodeTimeout:
		return true
	}
	return false
}
