package resilience

import (
	"github.com/storefront/dbpool/lib/metrics"
)

// Circuit breaker metrics for Prometheus exposition.
var (
	// CircuitBreakerState tracks the current state of the database circuit.
	// 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = metrics.NewGauge(
		"storefront_db_circuit_state",
		"Current state of the database circuit breaker (0=closed, 1=open, 2=half-open)",
	)

	// CircuitBreakerTrips counts the number of times the circuit has opened.
	CircuitBreakerTrips = metrics.NewCounter(
		"storefront_db_circuit_trips_total",
		"Total number of times the database circuit breaker has opened",
	)

	// CircuitBreakerSuccesses counts successful operations through the circuit.
	CircuitBreakerSuccesses = metrics.NewCounter(
		"storefront_db_circuit_successes_total",
		"Total successful operations through the database circuit breaker",
	)

	// CircuitBreakerFailures counts failed operations through the circuit.
	CircuitBreakerFailures = metrics.NewCounter(
		"storefront_db_circuit_failures_total",
		"Total failed operations through the database circuit breaker",
	)

	// CircuitBreakerRejections counts requests rejected by the open circuit.
	CircuitBreakerRejections = metrics.NewCounter(
		"storefront_db_circuit_rejections_total",
		"Total requests rejected by the open database circuit breaker",
	)
)

// MetricsCallback is a state change callback that updates the circuit metrics.
func MetricsCallback(from, to CircuitState) {
	CircuitBreakerState.Set(int64(to))
	if to == CircuitOpen {
		CircuitBreakerTrips.Inc()
	}
}

// MetricsCircuitBreaker wraps a CircuitBreaker and counts every outcome.
// Because it overrides Allow, RecordSuccess and RecordFailure, it records
// metrics both for Execute and for callers such as the connection pool that
// drive the breaker directly.
type MetricsCircuitBreaker struct {
	*CircuitBreaker
}

// NewMetricsCircuitBreaker creates a circuit breaker that records metrics.
func NewMetricsCircuitBreaker(name string, cfg CircuitBreakerConfig) *MetricsCircuitBreaker {
	cb := NewCircuitBreaker(name, cfg)
	cb.SetStateChangeCallback(MetricsCallback)
	return &MetricsCircuitBreaker{CircuitBreaker: cb}
}

// Allow reports whether a request may proceed, counting rejections.
func (mcb *MetricsCircuitBreaker) Allow() bool {
	if !mcb.CircuitBreaker.Allow() {
		CircuitBreakerRejections.Inc()
		return false
	}
	return true
}

// RecordSuccess records and counts a successful operation.
func (mcb *MetricsCircuitBreaker) RecordSuccess() {
	CircuitBreakerSuccesses.Inc()
	mcb.CircuitBreaker.RecordSuccess()
}

// RecordFailure records and counts a failed operation.
func (mcb *MetricsCircuitBreaker) RecordFailure() {
	CircuitBreakerFailures.Inc()
	mcb.CircuitBreaker.RecordFailure()
}

func (mcb *MetricsCircuitBreaker) recordCheck(ok bool) {
	if ok {
		CircuitBreakerSuccesses.Inc()
	} else {
		CircuitBreakerFailures.Inc()
	}
	mcb.CircuitBreaker.recordCheck(ok)
}

// Execute runs fn if the circuit allows it, recording metrics.
func (mcb *MetricsCircuitBreaker) Execute(fn func() error) error {
	if !mcb.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		mcb.RecordFailure()
		return err
	}

	mcb.RecordSuccess()
	return nil
}
