// Package admin serves the operational HTTP endpoints of the storefront
// database layer: Prometheus metrics, pool statistics, health probes and
// build information. It is meant for operators and load balancers, not for
// shoppers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront/dbpool/lib/ratelimit"
	"github.com/storefront/dbpool/lib/resilience"
	"github.com/storefront/dbpool/lib/store"
)

// probeLimiterIdle is how long an idle client's probe budget is remembered.
const probeLimiterIdle = 10 * time.Minute

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	store      *store.Store
	monitor    *resilience.Monitor
	limiter    *ratelimit.KeyedLimiter
	logger     *slog.Logger
	mu         sync.RWMutex
	running    bool
	addr       net.Addr
}

// Config holds admin server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:9187")
	ListenAddr string
	// Store is the data-access gateway whose pool is reported on
	Store *store.Store
	// Monitor is the database monitor, if the circuit breaker is enabled
	Monitor *resilience.Monitor
	// ProbeRate limits each client to this many database-touching probes
	// (/health, /readyz) per second; 0 disables the limit
	ProbeRate float64
	// ProbeBurst is the number of probes a client may send at once
	ProbeBurst int
	// Logger is the structured logger
	Logger *slog.Logger
}

// New creates a new admin server. It does not start listening.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("admin: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		store:   cfg.Store,
		monitor: cfg.Monitor,
		logger:  cfg.Logger,
	}

	if cfg.ProbeRate > 0 {
		burst := cfg.ProbeBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = ratelimit.NewKeyed(cfg.ProbeRate, burst, probeLimiterIdle, nil)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Routes returns the admin router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/stats", s.handleStats)
	r.Get("/version", s.handleVersion)

	// Health check endpoints; the ones that ping the database are rate limited
	r.Get("/healthz", s.handleLiveness)
	r.Group(func(r chi.Router) {
		r.Use(s.limitProbes)
		r.Get("/health", s.handleHealth)
		r.Get("/readyz", s.handleReadiness)
	})

	return r
}

// Start starts the admin server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("admin server started", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop stops the admin server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("admin server stopped")
	return nil
}

// withLogging logs every request at debug level.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		w.Header().Set("X-Content-Type-Options", "nosniff")

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

// limitProbes rejects clients that probe the database faster than the
// configured rate with 429 and a Retry-After header.
func (s *Server) limitProbes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		client := clientIP(r)
		if !s.limiter.Allow(client) {
			wait := s.limiter.RetryAfter(client)
			secs := int((wait + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.logger.Debug("probe rate limited", "client", client, "path", r.URL.Path)
			s.writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}
