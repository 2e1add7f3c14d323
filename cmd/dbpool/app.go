package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/storefront/dbpool/lib/admin"
	"github.com/storefront/dbpool/lib/config"
	"github.com/storefront/dbpool/lib/metrics"
	"github.com/storefront/dbpool/lib/pool"
	"github.com/storefront/dbpool/lib/resilience"
	"github.com/storefront/dbpool/lib/sqlconn"
	"github.com/storefront/dbpool/lib/store"
)

// app wires the pool, the database monitor and the admin server together.
type app struct {
	logger  *slog.Logger
	pool    *pool.Pool
	store   *store.Store
	monitor *resilience.Monitor
	admin   *admin.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	factory, err := sqlconn.NewFactory(sqlconn.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		ConnectTimeout:  cfg.Database.ConnectTimeout.Std(),
		ApplicationName: cfg.Database.ApplicationName,
	})
	if err != nil {
		return nil, fmt.Errorf("connection factory: %w", err)
	}

	a := &app{logger: logger}

	pcfg := cfg.PoolConfig()
	pcfg.Validator = sqlconn.Validate
	pcfg.OnLeak = func(r pool.LeakReport) {
		attrs := []any{"lease", r.LeaseID, "held_for", r.HeldFor}
		if len(r.Stack) > 0 {
			attrs = append(attrs, "stack", string(r.Stack))
		}
		logger.Warn("connection held too long", attrs...)
	}

	if cfg.Breaker.Enabled {
		a.monitor = resilience.NewMonitor("postgres", databaseProbe(cfg.Database.DSN, factory, logger), cfg.MonitorConfig())
		a.monitor.SetCallbacks(
			func() { logger.Warn("database unreachable, circuit may open") },
			func() { logger.Info("database reachable") },
		)
		pcfg.Breaker = a.monitor.Breaker()
	}

	a.pool, err = pool.New(ctx, factory, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connection pool: %w", err)
	}
	a.store = store.New(a.pool)

	if cfg.Admin.Enabled {
		a.admin, err = admin.New(admin.Config{
			ListenAddr: cfg.Admin.Listen,
			Store:      a.store,
			Monitor:    a.monitor,
			ProbeRate:  cfg.Admin.ProbeRate,
			ProbeBurst: cfg.Admin.ProbeBurst,
			Logger:     logger,
		})
		if err != nil {
			a.pool.Close()
			return nil, fmt.Errorf("admin server: %w", err)
		}
	}

	return a, nil
}

// databaseProbe dials the server when the DSN names a TCP address and
// otherwise opens and closes a real connection.
func databaseProbe(dsn string, factory pool.Factory, logger *slog.Logger) resilience.Probe {
	addr, err := sqlconn.Address(dsn)
	if err == nil {
		return resilience.TCPProbe(addr)
	}
	logger.Debug("probing with full connections", "reason", err)
	return func(ctx context.Context) error {
		conn, err := factory(ctx)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Start starts the monitor and the admin server.
func (a *app) Start(ctx context.Context) error {
	metrics.RecordStartTime()

	if a.monitor != nil {
		if err := a.monitor.Start(ctx); err != nil {
			return fmt.Errorf("database monitor: %w", err)
		}
	}
	if a.admin != nil {
		if err := a.admin.Start(); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}
	return nil
}

// Close stops accepting admin requests, then closes the pool and the monitor.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.admin != nil {
		if err := a.admin.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	return errors.Join(errs...)
}
