// Package config loads the storefront database settings from a TOML file and
// the environment, and turns them into pool and circuit breaker configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/storefront/dbpool/lib/errors"
	"github.com/storefront/dbpool/lib/pool"
	"github.com/storefront/dbpool/lib/resilience"
	"github.com/storefront/dbpool/lib/validation"
)

// Default configuration values
const (
	DefaultDriver          = "pgx"
	DefaultDSN             = "postgres://storefront@localhost:5432/storefront?sslmode=disable"
	DefaultConnectTimeout  = 5 * time.Second
	DefaultApplicationName = "storefront"
	DefaultAcquireTimeout  = 10 * time.Second
	DefaultProbeInterval   = 15 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultAdminListen     = "127.0.0.1:9187"
	DefaultProbeRate       = 5.0
	DefaultProbeBurst      = 10
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DBPOOL_"

const (
	maxPoolSize      = 10000
	maxRetryAttempts = 100
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = fmt.Errorf("config: %w", apperrors.ErrConfiguration)

// Duration is a time.Duration that reads and writes TOML strings such as
// "250ms" or "1m30s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for the storefront database layer.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Pool     PoolConfig     `toml:"pool"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
}

// DatabaseConfig describes how connections are opened.
type DatabaseConfig struct {
	// Driver is "pgx" or "postgres" (lib/pq)
	Driver string `toml:"driver"`
	// DSN is the PostgreSQL connection string
	DSN string `toml:"dsn"`
	// ConnectTimeout bounds each connection attempt
	ConnectTimeout Duration `toml:"connect_timeout"`
	// ApplicationName is reported to the server
	ApplicationName string `toml:"application_name"`
}

// PoolConfig sizes and tunes the connection pool.
type PoolConfig struct {
	// InitialSize is the number of connections opened at startup
	InitialSize int `toml:"initial_size"`
	// MaxSize is the hard ceiling on open connections
	MaxSize int `toml:"max_size"`
	// AcquireTimeout bounds how long a request waits for a connection; 0 waits for the request context
	AcquireTimeout Duration `toml:"acquire_timeout"`
	// ValidationTimeout bounds each connection check
	ValidationTimeout Duration `toml:"validation_timeout"`
	// MaxIdleTime closes connections idle longer than this; 0 disables
	MaxIdleTime Duration `toml:"max_idle_time"`
	// HealthCheckInterval is how often idle connections are checked; 0 disables
	HealthCheckInterval Duration `toml:"health_check_interval"`
	// LeakThreshold reports connections held longer than this; 0 disables
	LeakThreshold Duration `toml:"leak_threshold"`
	// CaptureStacks records the acquiring stack for leak reports
	CaptureStacks bool `toml:"capture_stacks"`
	// RetryMaxAttempts is the number of creation attempts per acquire
	RetryMaxAttempts int `toml:"retry_max_attempts"`
	// RetryInitialBackoff is the delay after the first failed creation
	RetryInitialBackoff Duration `toml:"retry_initial_backoff"`
	// RetryMaxBackoff caps the delay between creation attempts
	RetryMaxBackoff Duration `toml:"retry_max_backoff"`
}

// BreakerConfig controls the circuit breaker in front of connection creation.
type BreakerConfig struct {
	// Enabled controls whether the breaker and the database monitor run
	Enabled bool `toml:"enabled"`
	// FailureThreshold is the number of consecutive failures that open the circuit
	FailureThreshold int `toml:"failure_threshold"`
	// SuccessThreshold is the number of trial successes that close it.
	// Must not exceed MaxHalfOpenRequests.
	SuccessThreshold int `toml:"success_threshold"`
	// MaxHalfOpenRequests caps the connection attempts let through while half-open
	MaxHalfOpenRequests int `toml:"max_half_open_requests"`
	// OpenTimeout is how long the circuit stays open
	OpenTimeout Duration `toml:"open_timeout"`
	// ProbeInterval is the time between background reachability probes
	ProbeInterval Duration `toml:"probe_interval"`
	// ProbeTimeout bounds each probe
	ProbeTimeout Duration `toml:"probe_timeout"`
}

// AdminConfig contains admin HTTP server settings.
type AdminConfig struct {
	// Enabled controls whether the admin server is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the admin server to
	Listen string `toml:"listen"`
	// ProbeRate caps database-touching health probes per client per second; 0 disables
	ProbeRate float64 `toml:"probe_rate"`
	// ProbeBurst is the number of probes a client may send at once
	ProbeBurst int `toml:"probe_burst"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Verbose enables debug logging
	Verbose bool `toml:"verbose"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	pd := pool.DefaultConfig()
	bd := resilience.DefaultCircuitBreakerConfig()

	return &Config{
		Database: DatabaseConfig{
			Driver:          DefaultDriver,
			DSN:             DefaultDSN,
			ConnectTimeout:  Duration(DefaultConnectTimeout),
			ApplicationName: DefaultApplicationName,
		},
		Pool: PoolConfig{
			InitialSize:         pd.InitialSize,
			MaxSize:             pd.MaxSize,
			AcquireTimeout:      Duration(DefaultAcquireTimeout),
			ValidationTimeout:   Duration(pd.ValidationTimeout),
			MaxIdleTime:         Duration(pd.MaxIdleTime),
			HealthCheckInterval: Duration(pd.HealthCheckInterval),
			RetryMaxAttempts:    pd.Retry.MaxAttempts,
			RetryInitialBackoff: Duration(pd.Retry.InitialBackoff),
			RetryMaxBackoff:     Duration(pd.Retry.MaxBackoff),
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			FailureThreshold:    bd.FailureThreshold,
			SuccessThreshold:    bd.SuccessThreshold,
			MaxHalfOpenRequests: bd.MaxHalfOpenRequests,
			OpenTimeout:         Duration(bd.Timeout),
			ProbeInterval:       Duration(DefaultProbeInterval),
			ProbeTimeout:        Duration(DefaultProbeTimeout),
		},
		Admin: AdminConfig{
			Enabled:    true,
			Listen:     DefaultAdminListen,
			ProbeRate:  DefaultProbeRate,
			ProbeBurst: DefaultProbeBurst,
		},
	}
}

// DefaultPath returns the default config file location under the user's
// config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "storefront", "dbpool.toml")
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides settings from DBPOOL_* variables looked up with lookup,
// usually os.LookupEnv. Unset variables leave the value alone.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("DRIVER", &c.Database.Driver)
	str("DSN", &c.Database.DSN)
	dur("CONNECT_TIMEOUT", &c.Database.ConnectTimeout)
	num("INITIAL_SIZE", &c.Pool.InitialSize)
	num("MAX_SIZE", &c.Pool.MaxSize)
	dur("ACQUIRE_TIMEOUT", &c.Pool.AcquireTimeout)
	dur("LEAK_THRESHOLD", &c.Pool.LeakThreshold)
	flag("BREAKER_ENABLED", &c.Breaker.Enabled)
	str("ADMIN_LISTEN", &c.Admin.Listen)
	flag("VERBOSE", &c.Log.Verbose)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the configuration for errors. Every problem is reported,
// not just the first.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.OneOf("database.driver", c.Database.Driver, "pgx", "postgres"))
	errs.Add(validation.Required("database.dsn", c.Database.DSN))
	errs.Add(validation.NonNegativeDuration("database.connect_timeout", c.Database.ConnectTimeout.Std()))

	errs.Add(validation.IntRange("pool.max_size", c.Pool.MaxSize, 1, maxPoolSize))
	errs.Add(validation.IntRange("pool.initial_size", c.Pool.InitialSize, 0, max(c.Pool.MaxSize, 0)))
	errs.Add(validation.PositiveDuration("pool.validation_timeout", c.Pool.ValidationTimeout.Std()))
	errs.Add(validation.NonNegativeDuration("pool.acquire_timeout", c.Pool.AcquireTimeout.Std()))
	errs.Add(validation.NonNegativeDuration("pool.max_idle_time", c.Pool.MaxIdleTime.Std()))
	errs.Add(validation.NonNegativeDuration("pool.health_check_interval", c.Pool.HealthCheckInterval.Std()))
	errs.Add(validation.NonNegativeDuration("pool.leak_threshold", c.Pool.LeakThreshold.Std()))
	errs.Add(validation.IntRange("pool.retry_max_attempts", c.Pool.RetryMaxAttempts, 1, maxRetryAttempts))
	errs.Add(validation.NonNegativeDuration("pool.retry_initial_backoff", c.Pool.RetryInitialBackoff.Std()))
	errs.Add(validation.NonNegativeDuration("pool.retry_max_backoff", c.Pool.RetryMaxBackoff.Std()))

	if c.Breaker.Enabled {
		errs.Add(validation.Positive("breaker.failure_threshold", c.Breaker.FailureThreshold))
		errs.Add(validation.Positive("breaker.max_half_open_requests", c.Breaker.MaxHalfOpenRequests))
		// A threshold above the trial cap could never be reached.
		errs.Add(validation.IntRange("breaker.success_threshold", c.Breaker.SuccessThreshold, 1, max(c.Breaker.MaxHalfOpenRequests, 1)))
		errs.Add(validation.PositiveDuration("breaker.open_timeout", c.Breaker.OpenTimeout.Std()))
		errs.Add(validation.NonNegativeDuration("breaker.probe_interval", c.Breaker.ProbeInterval.Std()))
		errs.Add(validation.NonNegativeDuration("breaker.probe_timeout", c.Breaker.ProbeTimeout.Std()))
	}

	if c.Admin.Enabled {
		errs.Add(validation.HostPort("admin.listen", c.Admin.Listen))
		if c.Admin.ProbeRate < 0 {
			errs.Add(validation.NewResult("admin.probe_rate", "must not be negative", validation.ErrOutOfRange))
		}
		if c.Admin.ProbeRate > 0 {
			errs.Add(validation.Positive("admin.probe_burst", c.Admin.ProbeBurst))
		}
	}

	if err := errs.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// PoolConfig translates the [pool] section into a pool.Config. The leak
// watcher runs at half the leak threshold.
func (c *Config) PoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.InitialSize = c.Pool.InitialSize
	cfg.MaxSize = c.Pool.MaxSize
	cfg.AcquireTimeout = c.Pool.AcquireTimeout.Std()
	cfg.ValidationTimeout = c.Pool.ValidationTimeout.Std()
	cfg.MaxIdleTime = c.Pool.MaxIdleTime.Std()
	cfg.HealthCheckInterval = c.Pool.HealthCheckInterval.Std()
	cfg.LeakThreshold = c.Pool.LeakThreshold.Std()
	cfg.LeakCheckInterval = cfg.LeakThreshold / 2
	cfg.CaptureStacks = c.Pool.CaptureStacks
	cfg.Retry.MaxAttempts = c.Pool.RetryMaxAttempts
	cfg.Retry.InitialBackoff = c.Pool.RetryInitialBackoff.Std()
	cfg.Retry.MaxBackoff = c.Pool.RetryMaxBackoff.Std()
	return cfg
}

// MonitorConfig translates the [breaker] section into a resilience.MonitorConfig.
func (c *Config) MonitorConfig() resilience.MonitorConfig {
	return resilience.MonitorConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold:    c.Breaker.FailureThreshold,
			SuccessThreshold:    c.Breaker.SuccessThreshold,
			Timeout:             c.Breaker.OpenTimeout.Std(),
			MaxHalfOpenRequests: c.Breaker.MaxHalfOpenRequests,
		},
		CheckInterval: c.Breaker.ProbeInterval.Std(),
		ProbeTimeout:  c.Breaker.ProbeTimeout.Std(),
	}
}
