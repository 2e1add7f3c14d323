package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/storefront/dbpool/lib/errors"
	"github.com/storefront/dbpool/lib/metrics"
	"github.com/storefront/dbpool/lib/pool"
	"github.com/storefront/dbpool/lib/testutil"
)

func newTestStore(t *testing.T, f *testutil.ConnFactory, maxSize int) *Store {
	t.Helper()

	cfg := pool.DefaultConfig()
	cfg.InitialSize = 0
	cfg.MaxSize = maxSize
	cfg.HealthCheckInterval = 0
	cfg.Retry.MaxAttempts = 1
	cfg.Validator = func(ctx context.Context, conn pool.Connection) bool {
		return testutil.Validate(ctx, conn)
	}

	factory := func(ctx context.Context) (pool.Connection, error) {
		c, err := f.Create(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	p, err := pool.New(context.Background(), factory, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return New(p)
}

func requireUnavailable(t *testing.T, err error) *apperrors.Error {
	t.Helper()
	var e *apperrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, apperrors.CodeUnavailable, e.Code)
	assert.Equal(t, apperrors.UnavailableMessage, e.SafeMessage())
	return e
}

func TestWithConn(t *testing.T) {
	f := testutil.NewConnFactory()
	s := newTestStore(t, f, 2)

	before := OperationLatency.Count()
	var used *testutil.FakeConn
	err := s.WithConn(context.Background(), func(ctx context.Context, h *pool.Handle) error {
		used = h.Conn().(*testutil.FakeConn)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, used)

	stats := s.Pool().Stats()
	assert.Equal(t, 1, stats.NumAvailable)
	assert.Equal(t, 0, stats.NumInUse)
	assert.Equal(t, before+1, OperationLatency.Count())
}

func TestWithConnPassesThroughQueryErrors(t *testing.T) {
	s := newTestStore(t, testutil.NewConnFactory(), 2)
	errQuery := errors.New("duplicate key value violates unique constraint \"orders_pkey\"")

	err := s.WithConn(context.Background(), func(ctx context.Context, h *pool.Handle) error {
		return errQuery
	})
	assert.Same(t, errQuery, err)
}

func TestWithConnExhausted(t *testing.T) {
	s := newTestStore(t, testutil.NewConnFactory(), 1)

	held, err := s.Pool().Acquire(context.Background())
	require.NoError(t, err)
	defer s.Pool().Release(held)

	before := metrics.ServiceUnavailableTotal.Value()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	called := false
	err = s.WithConn(ctx, func(ctx context.Context, h *pool.Handle) error {
		called = true
		return nil
	})

	assert.False(t, called)
	requireUnavailable(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.Equal(t, before+1, metrics.ServiceUnavailableTotal.Value())
}

func TestWithConnClosedPool(t *testing.T) {
	s := newTestStore(t, testutil.NewConnFactory(), 1)
	require.NoError(t, s.Pool().Close())

	err := s.WithConn(context.Background(), func(ctx context.Context, h *pool.Handle) error {
		return nil
	})
	requireUnavailable(t, err)
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestWithConnDatabaseDown(t *testing.T) {
	f := testutil.NewConnFactory()
	f.FailAlways(errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))
	s := newTestStore(t, f, 1)

	err := s.WithConn(context.Background(), func(ctx context.Context, h *pool.Handle) error {
		return nil
	})
	e := requireUnavailable(t, err)
	assert.ErrorIs(t, err, pool.ErrCreate)
	assert.NotContains(t, e.SafeMessage(), "10.0.0.5")
}

func TestPing(t *testing.T) {
	f := testutil.NewConnFactory()
	s := newTestStore(t, f, 1)

	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, 1, s.Pool().Stats().NumAvailable)
}

func TestPingBrokenConnection(t *testing.T) {
	f := testutil.NewConnFactory()
	s := newTestStore(t, f, 1)

	// Break the connection while it is leased so checkout validation is
	// bypassed and the ping itself fails.
	err := s.WithConn(context.Background(), func(ctx context.Context, h *pool.Handle) error {
		h.Conn().(*testutil.FakeConn).Break()
		p, ok := h.Conn().(interface{ Ping(context.Context) error })
		require.True(t, ok)
		return pool.MarkBroken(p.Ping(ctx))
	})
	assert.ErrorIs(t, err, testutil.ErrFakeBroken)
	assert.Equal(t, 0, s.Pool().Stats().NumOpen)

	// A fresh connection is opened for the next ping.
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, 2, f.Created())
}

// brokenPinger passes pool validation but fails every ping.
type brokenPinger struct{}

func (brokenPinger) Close() error                   { return nil }
func (brokenPinger) Ping(ctx context.Context) error { return errors.New("server closed the connection unexpectedly") }

func TestPingFailureIsUnavailable(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.InitialSize = 0
	cfg.MaxSize = 1
	cfg.HealthCheckInterval = 0
	p, err := pool.New(context.Background(), func(ctx context.Context) (pool.Connection, error) {
		return brokenPinger{}, nil
	}, cfg)
	require.NoError(t, err)
	defer p.Close()

	s := New(p)
	err = s.Ping(context.Background())
	requireUnavailable(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Equal(t, 0, p.Stats().NumOpen)
}
