// Package store is the storefront's gateway to the database. Request
// handlers run their queries through WithConn, which leases a pooled
// connection for the duration of the call and turns capacity and
// connectivity failures into a "service temporarily unavailable" error that
// is safe to show to users.
package store

import (
	"context"
	"fmt"

	apperrors "github.com/storefront/dbpool/lib/errors"
	"github.com/storefront/dbpool/lib/metrics"
	"github.com/storefront/dbpool/lib/pool"
	"github.com/storefront/dbpool/lib/sqlconn"
)

// Store metrics
var (
	// OperationLatency tracks the time spent in WithConn, including the wait
	// for a connection.
	OperationLatency = metrics.NewHistogram(
		"storefront_store_operation_duration_seconds",
		"Time spent running a unit of work on a pooled connection",
		metrics.DefaultLatencyBuckets,
	)
	// OperationsTotal counts units of work.
	OperationsTotal = metrics.NewCounter(
		"storefront_store_operations_total",
		"Total units of work run on pooled connections",
	)
)

// Store runs units of work on pooled connections.
type Store struct {
	pool *pool.Pool
}

// New returns a Store backed by p. The caller keeps ownership of p.
func New(p *pool.Pool) *Store {
	return &Store{pool: p}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pool.Pool {
	return s.pool
}

// WithConn leases a connection, runs fn with it and returns it to the pool.
// If fn returns an error marked with pool.MarkBroken the connection is
// discarded. When no connection can be had, because the pool is exhausted,
// closed or cannot reach the database, the result is an *errors.Error with
// CodeUnavailable and errors.UnavailableMessage; the underlying cause stays
// reachable through errors.Is. Other errors from fn are returned unchanged.
func (s *Store) WithConn(ctx context.Context, fn func(ctx context.Context, h *pool.Handle) error) error {
	OperationsTotal.Inc()
	timer := metrics.NewTimer(OperationLatency)
	err := s.pool.Do(ctx, fn)
	elapsed := timer.ObserveDuration()

	if err == nil {
		return nil
	}
	if !apperrors.IsUnavailable(err) {
		return err
	}

	metrics.ServiceUnavailableTotal.Inc()
	log.WithField("elapsed", elapsed).WithError(err).Warn("database unavailable")
	return apperrors.ForUser(err)
}

// Ping checks that a pooled connection can reach the database. A connection
// that fails the ping is discarded and the failure is reported as
// unavailable.
func (s *Store) Ping(ctx context.Context) error {
	return s.WithConn(ctx, func(ctx context.Context, h *pool.Handle) error {
		p, ok := h.Conn().(sqlconn.Pinger)
		if !ok {
			return nil
		}
		if err := p.Ping(ctx); err != nil {
			return pool.MarkBroken(fmt.Errorf("%w: ping: %w", apperrors.ErrUnavailable, err))
		}
		return nil
	})
}
