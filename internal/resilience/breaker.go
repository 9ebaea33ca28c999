package resilience

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit again. It also bounds how many trial
	// requests the half-open state admits.
	SuccessThreshold uint32
	// Timeout is how long the circuit stays open before moving to
	// half-open and allowing trial attempts.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the breaker configuration used when a task
// kind carries no explicit settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// BreakerMetrics is a snapshot of one breaker's counters. TotalRequests
// counts every request including ones the open circuit rejected;
// RejectedRequests counts only those rejections.
type BreakerMetrics struct {
	TotalRequests      int64
	FailedRequests     int64
	SuccessfulRequests int64
	RejectedRequests   int64
	LastFailureTime    time.Time
	LastSuccessTime    time.Time
}

// Breaker guards one task kind. It wraps a gobreaker instance and layers on
// request metrics plus an external trip trigger for RetryPolicy's
// ShouldOpenCircuit callback.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker

	// tripRequested is set when a policy callback demands the circuit
	// open; ReadyToTrip honors it on the failure that carried it.
	tripRequested atomic.Bool

	mu      sync.Mutex
	metrics BreakerMetrics
}

// Name returns the task kind this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current gobreaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// RequestTrip asks the breaker to open on the next counted failure.
func (b *Breaker) RequestTrip() { b.tripRequested.Store(true) }

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Execute runs fn through the circuit. Open-circuit rejections are returned
// as gobreaker.ErrOpenState / ErrTooManyRequests without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		b.mu.Lock()
		b.metrics.TotalRequests++
		b.metrics.RejectedRequests++
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.metrics.TotalRequests++
	if err != nil {
		b.metrics.FailedRequests++
		b.metrics.LastFailureTime = time.Now()
	} else {
		b.metrics.SuccessfulRequests++
		b.metrics.LastSuccessTime = time.Now()
	}
	b.mu.Unlock()

	return err
}

// BreakerRegistry manages per-task-kind circuit breakers, created lazily
// and held for the lifetime of the process.
type BreakerRegistry struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry applying cfg to every breaker it
// creates.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	return &BreakerRegistry{
		config:   cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given task kind, creating it on first
// use.
func (r *BreakerRegistry) Get(kind string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[kind]; ok {
		return b
	}

	b := &Breaker{name: kind}
	cfg := r.config
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0, // never clear counts while closed
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if b.tripRequested.Load() {
				return true
			}
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
			if to == gobreaker.StateClosed {
				b.tripRequested.Store(false)
			}
		},
	})

	r.breakers[kind] = b
	return b
}
