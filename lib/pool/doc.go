// Package pool provides a bounded pool of exclusive-use database connections
// for the storefront data-access layer.
//
// The pool supports:
//   - A hard ceiling on open connections with blocking acquisition
//   - Eager creation of an initial set of connections
//   - Validation of connections on checkout, on checkin and in the background
//   - Bounded creation retries with exponential backoff
//   - Idle eviction and leak diagnostics
//   - Metrics for pool utilization
//   - Context-aware acquisition with timeout support
//
// # Basic Usage
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxSize = 20
//	cfg.Validator = sqlconn.Validate
//
//	p, err := pool.New(ctx, factory, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	h, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(h)
//
//	// Use h.Conn()...
//
// Do wraps the acquire/release pair around one unit of work:
//
//	err := p.Do(ctx, func(ctx context.Context, h *pool.Handle) error {
//	    if err := run(ctx, h.Conn()); err != nil {
//	        return pool.MarkBroken(err) // discard instead of release
//	    }
//	    return nil
//	})
//
// # Errors
//
// Acquire fails with ErrPoolClosed after Close, with ErrPoolExhausted when
// its deadline expires while the pool is at capacity, and with a
// *CreationError once Config.Retry.MaxAttempts factory calls have failed.
// Validation failures are never returned; invalid connections are closed and
// replaced. Releasing a foreign or already returned Handle is logged and
// counted, never returned as an error.
//
// # Leak Detection
//
//	cfg.LeakThreshold = 30 * time.Second
//	cfg.OnLeak = func(r pool.LeakReport) {
//	    slog.Warn("connection held too long", "lease", r.LeaseID, "held", r.HeldFor)
//	}
//
// # Metrics
//
// Pool utilization metrics are registered with the metrics package:
//   - storefront_pool_connections_max: Maximum pool size
//   - storefront_pool_connections_open: Current open connections
//   - storefront_pool_connections_available: Connections available for reuse
//   - storefront_pool_connections_in_use: Leased connections
//   - storefront_pool_waiting: Blocked acquire calls
//   - storefront_pool_acquire_total: Total acquire attempts
//   - storefront_pool_acquire_success_total: Successful acquires
//   - storefront_pool_acquire_failed_total: Failed acquires
//   - storefront_pool_release_total: Total releases
//   - storefront_pool_misuse_total: Foreign or repeated releases
//   - storefront_pool_leaks_total: Leases held past the leak threshold
//   - storefront_pool_acquire_duration_seconds: Acquire latency
package pool
