package publisher

import (
	"errors"
	"sync"
	"time"

	"github.com/chronos/ebreplay/pkg/clock"
)

// ErrCircuitOpen is returned when the breaker for a bus rejects a publish.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests.
	CircuitOpen
	// CircuitHalfOpen allows limited requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open to close.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// MaxHalfOpenRequests is the max concurrent requests allowed in half-open state.
	MaxHalfOpenRequests int
	// OnStateChange is called whenever the circuit state changes (optional).
	// It runs with the breaker lock held and must not call back into the breaker.
	OnStateChange func(bus string, from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single bus.
type CircuitBreaker struct {
	mu     sync.Mutex
	config *BreakerConfig
	clock  clock.Clock
	bus    string

	state            CircuitState
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
}

// NewCircuitBreaker creates a breaker for bus.
func NewCircuitBreaker(bus string, config *BreakerConfig, c clock.Clock) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if c == nil {
		c = clock.New()
	}
	return &CircuitBreaker{
		config: config,
		clock:  c,
		bus:    bus,
		state:  CircuitClosed,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState moves an expired open circuit to half-open.
// Must be called with the lock held.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.config.Timeout {
		cb.transition(CircuitHalfOpen)
	}
	return cb.state
}

// Allow checks if a request should be allowed through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return true
		}
	}
	return false
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitHalfOpen:
		cb.successes++
		cb.halfOpenRequests--
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	if to == CircuitOpen {
		cb.openedAt = cb.clock.Now()
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.bus, from, to)
	}
}

// BreakerRegistry keeps one circuit breaker per bus.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   *BreakerConfig
	clock    clock.Clock
}

// NewBreakerRegistry creates a registry with the given default config.
func NewBreakerRegistry(config *BreakerConfig, c clock.Clock) *BreakerRegistry {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		clock:    c,
	}
}

// Get returns the circuit breaker for bus, creating it on first use.
func (r *BreakerRegistry) Get(bus string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[bus]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = r.breakers[bus]; exists {
		return cb
	}

	cb = NewCircuitBreaker(bus, r.config, r.clock)
	r.breakers[bus] = cb
	return cb
}

// States returns the current state of every breaker.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for bus, cb := range r.breakers {
		states[bus] = cb.State()
	}
	return states
}
