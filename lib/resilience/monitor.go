package resilience

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Probe checks whether the database can be reached. A nil error means healthy.
type Probe func(ctx context.Context) error

// TCPProbe returns a Probe that dials addr and hangs up.
func TCPProbe(addr string) Probe {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// MonitorConfig configures the database monitor.
type MonitorConfig struct {
	// CircuitBreaker configures the breaker driven by probe results.
	CircuitBreaker CircuitBreakerConfig
	// CheckInterval is the time between probes.
	// Default: 30 seconds
	CheckInterval time.Duration
	// ProbeTimeout bounds each probe.
	// Default: 5 seconds
	ProbeTimeout time.Duration
	// Clock drives the probe ticker.
	// Default: the real clock
	Clock clockwork.Clock
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		CheckInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// Monitor probes the database in the background and feeds the results into
// a circuit breaker. The same breaker is handed to the connection pool, so a
// server that stops answering is noticed even while no connection is being
// created, and a recovered server lets the pool through again.
type Monitor struct {
	mu      sync.RWMutex
	config  MonitorConfig
	clock   clockwork.Clock
	probe   Probe
	circuit *MetricsCircuitBreaker

	lastCheck   time.Time
	lastHealthy time.Time
	lastErr     error
	isHealthy   bool

	onUnhealthy func()
	onHealthy   func()

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor for probe with its own circuit breaker.
func NewMonitor(name string, probe Probe, cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CircuitBreaker.Clock == nil {
		cfg.CircuitBreaker.Clock = cfg.Clock
	}

	m := &Monitor{
		config:    cfg,
		clock:     cfg.Clock,
		probe:     probe,
		circuit:   NewMetricsCircuitBreaker(name, cfg.CircuitBreaker),
		isHealthy: true, // Optimistic start
	}

	m.circuit.SetStateChangeCallback(func(from, to CircuitState) {
		log.WithField("name", name).
			WithField("from", from.String()).
			WithField("to", to.String()).
			Info("database circuit state changed")
		MetricsCallback(from, to)
	})

	return m
}

// SetCallbacks sets the callbacks for health state changes.
func (m *Monitor) SetCallbacks(onUnhealthy, onHealthy func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = onUnhealthy
	m.onHealthy = onHealthy
}

// Breaker returns the circuit breaker driven by this monitor.
func (m *Monitor) Breaker() *MetricsCircuitBreaker {
	return m.circuit
}

// Start begins probing. It is a no-op if the monitor is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	log.WithField("checkInterval", m.config.CheckInterval).Debug("starting database monitor")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitorLoop(ctx)
	}()

	return nil
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Debug("database monitor stopped")
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	m.Check(ctx)

	ticker := m.clock.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Check(ctx)
		}
	}
}

// Check probes the database once and updates health and circuit state. It
// returns the probe error. The outcome is recorded unless the circuit is
// open and its timeout has not yet elapsed. Checks never take a half-open
// trial slot.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.RLock()
	wasHealthy := m.isHealthy
	onUnhealthy := m.onUnhealthy
	onHealthy := m.onHealthy
	m.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	err := m.probe(pctx)
	cancel()

	if ctx.Err() != nil {
		// Shutting down; the result says nothing about the database.
		return err
	}

	healthy := err == nil
	now := m.clock.Now()

	m.mu.Lock()
	m.lastCheck = now
	m.isHealthy = healthy
	m.lastErr = err
	if healthy {
		m.lastHealthy = now
	}
	m.mu.Unlock()

	m.circuit.recordCheck(healthy)

	switch {
	case healthy && !wasHealthy:
		log.Info("database reachable again")
		if onHealthy != nil {
			go onHealthy()
		}
	case !healthy && wasHealthy:
		log.WithError(err).Warn("database unreachable")
		if onUnhealthy != nil {
			go onUnhealthy()
		}
	case !healthy:
		log.WithError(err).Debug("database probe failed")
	}

	return err
}

// IsHealthy returns true if the last probe passed.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthy
}

// CircuitState returns the current circuit breaker state.
func (m *Monitor) CircuitState() CircuitState {
	return m.circuit.State()
}

// MonitorStats holds combined health and circuit breaker statistics.
type MonitorStats struct {
	IsHealthy      bool                `json:"healthy"`
	LastCheck      time.Time           `json:"last_check"`
	LastHealthy    time.Time           `json:"last_healthy"`
	LastError      string              `json:"last_error,omitempty"`
	CircuitBreaker CircuitBreakerStats `json:"circuit"`
}

// Stats returns combined health and circuit breaker statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MonitorStats{
		IsHealthy:      m.isHealthy,
		LastCheck:      m.lastCheck,
		LastHealthy:    m.lastHealthy,
		CircuitBreaker: m.circuit.Stats(),
	}
	if m.lastErr != nil {
		stats.LastError = m.lastErr.Error()
	}
	return stats
}

// Reset resets both the circuit breaker and health state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.isHealthy = true
	m.lastErr = nil
	m.mu.Unlock()
	m.circuit.Reset()
}
