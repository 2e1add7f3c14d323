// Package resilience protects the storefront from a database that has gone
// away. The circuit breaker stops the connection pool from hammering a
// server that keeps refusing connections, and the Monitor probes the server
// in the background so the breaker closes again once it is reachable.
//
// State transitions:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (testing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if test fails)
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit is tripped - requests fail immediately.
	CircuitOpen
	// CircuitHalfOpen means a limited number of trial requests may pass.
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the circuit.
	// Default: 5
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it again.
	// Default: 2
	SuccessThreshold int
	// Timeout is how long the circuit stays open before allowing trial requests.
	// Default: 30 seconds
	Timeout time.Duration
	// MaxHalfOpenRequests caps the trial requests let through while half-open.
	// Default: 3
	MaxHalfOpenRequests int
	// Clock measures the open timeout.
	// Default: the real clock
	Clock clockwork.Clock
}

// DefaultCircuitBreakerConfig returns defaults suited to guarding database
// connection attempts.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern. It satisfies
// pool.Breaker.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config CircuitBreakerConfig
	clock  clockwork.Clock
	name   string

	state                CircuitState
	failureCount         int
	successCount         int
	halfOpenRequestCount int

	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &CircuitBreaker{
		config:          cfg,
		clock:           cfg.Clock,
		name:            name,
		state:           CircuitClosed,
		lastStateChange: cfg.Clock.Now(),
	}
}

// SetStateChangeCallback sets the callback for state changes. The callback
// runs on its own goroutine.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current circuit state. An open circuit whose timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.effectiveState()
}

// effectiveState must be called with at least a read lock.
func (cb *CircuitBreaker) effectiveState() CircuitState {
	if cb.state == CircuitOpen && cb.timeoutElapsed() {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) timeoutElapsed() bool {
	return cb.clock.Since(cb.openedAt) >= cb.config.Timeout
}

// Allow reports whether a request may proceed. Every allowed request must
// be followed by RecordSuccess, RecordFailure or Cancel.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if !cb.timeoutElapsed() {
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.halfOpenRequestCount = 1
		return true
	case CircuitHalfOpen:
		if cb.halfOpenRequestCount < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequestCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordSuccessLocked()
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		// A probe that started before the circuit opened.
		log.WithField("circuit", cb.name).Debug("success recorded while circuit open")
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordFailureLocked()
}

func (cb *CircuitBreaker) recordFailureLocked() {
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

// Cancel gives back a request admitted by Allow that ended without telling
// anything about the backend, such as one abandoned by its caller. While
// half-open the trial slot it held becomes available again.
func (cb *CircuitBreaker) Cancel() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.halfOpenRequestCount > 0 {
		cb.halfOpenRequestCount--
	}
}

// recordCheck records the outcome of a background health check. Checks do
// not occupy a half-open trial slot, so the circuit still closes once the
// backend answers even when every slot is held by a request in flight.
// While the open timeout is running the outcome is ignored.
func (cb *CircuitBreaker) recordCheck(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if !cb.timeoutElapsed() {
			return
		}
		cb.transitionTo(CircuitHalfOpen)
	}

	if ok {
		cb.recordSuccessLocked()
	} else {
		cb.recordFailureLocked()
	}
}

// transitionTo changes the circuit state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.clock.Now()

	switch newState {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.openedAt = cb.lastStateChange
		cb.successCount = 0
	case CircuitHalfOpen:
		cb.successCount = 0
		cb.halfOpenRequestCount = 0
	}

	log.WithField("circuit", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("circuit breaker state transition")

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
// It returns ErrCircuitOpen without calling fn when the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// ExecuteWithContext is Execute for context-aware work. A failure caused by
// ctx ending is returned as the context error and not counted.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	if err := ctx.Err(); err != nil {
		cb.Cancel()
		return err
	}

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			cb.Cancel()
			return ctx.Err()
		}
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// ForceOpen opens the circuit, for example while the database is under
// maintenance.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitOpen)
}

// ForceClose closes the circuit.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

// Reset returns the circuit breaker to its initial closed state without
// notifying the state change callback.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequestCount = 0
	cb.lastStateChange = cb.clock.Now()
	cb.openedAt = time.Time{}
}

// CircuitBreakerStats holds statistics for a circuit breaker.
type CircuitBreakerStats struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"-"`
	StateName            string       `json:"state"`
	FailureCount         int          `json:"failure_count"`
	SuccessCount         int          `json:"success_count"`
	LastFailureTime      time.Time    `json:"last_failure_time"`
	LastStateChange      time.Time    `json:"last_state_change"`
	HalfOpenRequestCount int          `json:"half_open_requests"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state := cb.effectiveState()
	return CircuitBreakerStats{
		Name:                 cb.name,
		State:                state,
		StateName:            state.String(),
		FailureCount:         cb.failureCount,
		SuccessCount:         cb.successCount,
		LastFailureTime:      cb.lastFailureTime,
		LastStateChange:      cb.lastStateChange,
		HalfOpenRequestCount: cb.halfOpenRequestCount,
	}
}

// IsOpen returns true if the circuit is currently rejecting requests.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

// IsClosed returns true if the circuit is currently closed.
func (cb *CircuitBreaker) IsClosed() bool {
	return cb.State() == CircuitClosed
}

// IsHalfOpen returns true if the circuit is currently half-open.
func (cb *CircuitBreaker) IsHalfOpen() bool {
	return cb.State() == CircuitHalfOpen
}

// Name returns the name of this circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
