package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/storefront/dbpool/lib/errors"
	"github.com/storefront/dbpool/lib/pool"
	"github.com/storefront/dbpool/lib/resilience"
	"github.com/storefront/dbpool/lib/store"
	"github.com/storefront/dbpool/lib/testutil"
	"github.com/storefront/dbpool/version"
)

func newTestStore(t *testing.T, f *testutil.ConnFactory) *store.Store {
	t.Helper()

	cfg := pool.DefaultConfig()
	cfg.InitialSize = 0
	cfg.MaxSize = 4
	cfg.HealthCheckInterval = 0
	cfg.Retry.MaxAttempts = 1
	cfg.Validator = func(ctx context.Context, conn pool.Connection) bool {
		return testutil.Validate(ctx, conn)
	}

	p, err := pool.New(context.Background(), func(ctx context.Context) (pool.Connection, error) {
		c, err := f.Create(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return store.New(p)
}

func newTestServer(t *testing.T, f *testutil.ConnFactory, mon *resilience.Monitor) *Server {
	t.Helper()
	return newTestServerWithConfig(t, Config{
		Store:   newTestStore(t, f),
		Monitor: mon,
	})
}

func newTestServerWithConfig(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{ListenAddr: "127.0.0.1:0"})
	assert.Error(t, err)
}

func TestLiveness(t *testing.T) {
	f := testutil.NewConnFactory()
	f.FailAlways(errors.New("connection refused"))
	s := newTestServer(t, f, nil)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "alive", body["status"])
	assert.Zero(t, f.Created(), "liveness must not touch the database")
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		fail       error
		wantCode   int
		wantStatus string
		wantReason string
	}{
		{"database up", nil, http.StatusOK, "ready", ""},
		{"database down", errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"),
			http.StatusServiceUnavailable, "not_ready", apperrors.UnavailableMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testutil.NewConnFactory()
			if tt.fail != nil {
				f.FailAlways(tt.fail)
			}
			s := newTestServer(t, f, nil)

			rec := get(t, s, "/readyz")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]string
			decode(t, rec, &body)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, tt.wantReason, body["reason"])
		})
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testutil.NewConnFactory(), nil)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks["database"])
	assert.Equal(t, "0/4 in use, 1 available, 0 waiting", body.Checks["pool"])
	assert.NotContains(t, body.Checks, "circuit")
	assert.Equal(t, version.Version, body.Version)
}

func TestHealthDatabaseDown(t *testing.T) {
	f := testutil.NewConnFactory()
	f.FailAlways(errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))
	mon := resilience.NewMonitor("postgres", func(ctx context.Context) error { return nil },
		resilience.DefaultMonitorConfig())
	s := newTestServer(t, f, mon)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	decode(t, rec, &body)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "unhealthy: "+apperrors.UnavailableMessage, body.Checks["database"])
	assert.NotContains(t, body.Checks["database"], "10.0.0.5")
	assert.Equal(t, "closed", body.Checks["circuit"])
}

func TestStats(t *testing.T) {
	s := newTestServer(t, testutil.NewConnFactory(), nil)

	h, err := s.store.Pool().Acquire(context.Background())
	require.NoError(t, err)
	defer s.store.Pool().Release(h)

	rec := get(t, s, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body StatsResponse
	decode(t, rec, &body)
	assert.Equal(t, 4, body.Pool.MaxSize)
	assert.Equal(t, 1, body.Pool.NumInUse)
	assert.EqualValues(t, 1, body.Pool.AcquireSuccess)
	assert.Nil(t, body.Database)
}

func TestStatsWithMonitor(t *testing.T) {
	probeErr := errors.New("connection refused")
	mon := resilience.NewMonitor("postgres", func(ctx context.Context) error { return probeErr },
		resilience.DefaultMonitorConfig())
	require.Error(t, mon.Check(context.Background()))

	s := newTestServer(t, testutil.NewConnFactory(), mon)

	rec := get(t, s, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body StatsResponse
	decode(t, rec, &body)
	require.NotNil(t, body.Database)
	assert.False(t, body.Database.IsHealthy)
	assert.Equal(t, "connection refused", body.Database.LastError)
	assert.Equal(t, "closed", body.Database.CircuitBreaker.StateName)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, testutil.NewConnFactory(), nil)

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	body := rec.Body.String()
	assert.Contains(t, body, "storefront_pool_connections_max 4")
	assert.Contains(t, body, "storefront_service_unavailable_total")
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, testutil.NewConnFactory(), nil)

	rec := get(t, s, "/version")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body version.Info
	decode(t, rec, &body)
	assert.Equal(t, version.Get(), body)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, testutil.NewConnFactory(), nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/admin").Code)
}

func TestProbeRateLimit(t *testing.T) {
	s := newTestServerWithConfig(t, Config{
		Store:      newTestStore(t, testutil.NewConnFactory()),
		ProbeRate:  0.001,
		ProbeBurst: 2,
	})

	assert.Equal(t, http.StatusOK, get(t, s, "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)

	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Liveness never touches the database and is not limited.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)
	}

	// Another client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.RemoteAddr = "198.51.100.7:40000"
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t, testutil.NewConnFactory(), nil)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second Start must fail")

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Stop(ctx), "Stop is idempotent")
}
