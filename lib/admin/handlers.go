package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/storefront/dbpool/lib/errors"
	"github.com/storefront/dbpool/lib/metrics"
	"github.com/storefront/dbpool/lib/pool"
	"github.com/storefront/dbpool/lib/resilience"
	"github.com/storefront/dbpool/version"
)

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Pool     pool.Stats                `json:"pool"`
	Database *resilience.MonitorStats `json:"database,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// handleMetrics refreshes the pool gauges and writes every registered metric.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	pool.UpdateMetrics(s.store.Pool().Stats())
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Pool: s.store.Pool().Stats()}
	if s.monitor != nil {
		ms := s.monitor.Stats()
		resp.Database = &ms
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}

// handleHealth pings the database through the pool and reports pool
// utilization and circuit state. It answers 503 when the database cannot
// be reached.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	overallStatus := "healthy"

	s.checkDatabase(ctx, checks, &overallStatus)
	s.checkPool(checks)

	if s.monitor != nil {
		checks["circuit"] = s.monitor.CircuitState().String()
	}

	resp := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Checks:    checks,
	}

	httpStatus := http.StatusOK
	if overallStatus != "healthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	s.writeJSON(w, httpStatus, resp)
}

func (s *Server) checkDatabase(ctx context.Context, checks map[string]string, overallStatus *string) {
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = "unhealthy: " + apperrors.ForUser(err).SafeMessage()
		*overallStatus = "unhealthy"
		return
	}
	checks["database"] = "healthy"
}

func (s *Server) checkPool(checks map[string]string) {
	st := s.store.Pool().Stats()
	checks["pool"] = fmt.Sprintf("%d/%d in use, %d available, %d waiting",
		st.NumInUse, st.MaxSize, st.NumAvailable, st.Waiting)
}

// handleLiveness returns a simple liveness probe response.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// handleReadiness reports whether the storefront can take traffic: the
// database must answer a ping within two seconds.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": apperrors.ForUser(err).SafeMessage(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
