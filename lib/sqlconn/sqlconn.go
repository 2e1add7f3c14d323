// Package sqlconn opens PostgreSQL connections for the connection pool.
//
// Two drivers are supported. "pgx" opens native pgx connections and is the
// default. "postgres" opens lib/pq connections through the database/sql/driver
// interfaces, which is what the storefront used before it moved to pgx.
// Either way the result is a pool.Factory plus a pool.Validator that pings
// the server.
package sqlconn

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	apperrors "github.com/storefront/dbpool/lib/errors"
	"github.com/storefront/dbpool/lib/pool"
)

// Driver names accepted by NewFactory.
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

// closeTimeout bounds the graceful termination message pgx sends on Close.
const closeTimeout = 5 * time.Second

var (
	// ErrUnsupportedDriver is returned by NewFactory for unknown driver names.
	ErrUnsupportedDriver = apperrors.ErrSQLUnsupportedDriver
	// ErrNotConnected is returned by Ping on a closed connection.
	ErrNotConnected = apperrors.ErrSQLNotConnected
)

// Options configures how connections are opened.
type Options struct {
	// Driver selects the client library, DriverPgx or DriverPostgres.
	// Default: DriverPgx
	Driver string
	// DSN is a PostgreSQL connection string in URL or key/value form.
	DSN string
	// ConnectTimeout bounds each connection attempt on top of the caller's
	// context. Zero leaves it to the context and the DSN.
	ConnectTimeout time.Duration
	// ApplicationName is reported to the server as application_name.
	// Only applied by the pgx driver; for lib/pq set it in the DSN.
	ApplicationName string
}

// Pinger is implemented by connections that can check the server is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewFactory returns a pool.Factory for opts.Driver.
func NewFactory(opts Options) (pool.Factory, error) {
	switch strings.ToLower(opts.Driver) {
	case "", DriverPgx:
		return NewPgxFactory(opts)
	case DriverPostgres:
		connector, err := pq.NewConnector(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
		}
		return NewConnectorFactory(connector, opts.ConnectTimeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, opts.Driver)
	}
}

// Validate is a pool.Validator. A connection that implements Pinger is
// valid if Ping succeeds; any other connection is assumed valid.
func Validate(ctx context.Context, conn pool.Connection) bool {
	p, ok := conn.(Pinger)
	if !ok {
		return true
	}
	if err := p.Ping(ctx); err != nil {
		log.WithError(err).Debug("connection failed ping")
		return false
	}
	return true
}

// Address returns the host:port the DSN points at, for reachability probes.
// Unix socket DSNs have no TCP address and return an error.
func Address(dsn string) (string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}
	if strings.HasPrefix(cfg.Host, "/") {
		return "", fmt.Errorf("%w: %s is a unix socket", apperrors.ErrInvalidInput, cfg.Host)
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))), nil
}

func withConnectTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// PgxConn is a pooled native pgx connection.
type PgxConn struct {
	conn *pgx.Conn
}

// NewPgxFactory returns a pool.Factory that opens pgx connections.
// The DSN is parsed once, so a malformed DSN fails here rather than on
// every Acquire.
func NewPgxFactory(opts Options) (pool.Factory, error) {
	cfg, err := pgx.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = opts.ConnectTimeout
	}
	if opts.ApplicationName != "" {
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = make(map[string]string)
		}
		cfg.RuntimeParams["application_name"] = opts.ApplicationName
	}

	log.WithField("host", cfg.Host).WithField("database", cfg.Database).Debug("pgx factory configured")

	return func(ctx context.Context) (pool.Connection, error) {
		ctx, cancel := withConnectTimeout(ctx, opts.ConnectTimeout)
		defer cancel()

		// ConnectConfig must not be handed a config that was already used.
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, err
		}
		return &PgxConn{conn: conn}, nil
	}, nil
}

// Conn returns the underlying pgx connection. It must not be closed directly.
func (c *PgxConn) Conn() *pgx.Conn {
	return c.conn
}

// Ping checks that the server answers.
func (c *PgxConn) Ping(ctx context.Context) error {
	if c.conn.IsClosed() {
		return ErrNotConnected
	}
	return c.conn.Ping(ctx)
}

// Close terminates the connection.
func (c *PgxConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

// DriverConn is a pooled database/sql/driver connection.
type DriverConn struct {
	conn driver.Conn
}

// NewConnectorFactory returns a pool.Factory that opens connections from a
// database/sql/driver Connector.
func NewConnectorFactory(connector driver.Connector, connectTimeout time.Duration) pool.Factory {
	return func(ctx context.Context) (pool.Connection, error) {
		ctx, cancel := withConnectTimeout(ctx, connectTimeout)
		defer cancel()

		conn, err := connector.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return &DriverConn{conn: conn}, nil
	}
}

// Raw returns the driver connection. It must not be closed directly.
func (c *DriverConn) Raw() driver.Conn {
	return c.conn
}

// Ping checks the connection with driver.Validator and driver.Pinger when
// the driver implements them.
func (c *DriverConn) Ping(ctx context.Context) error {
	if v, ok := c.conn.(driver.Validator); ok && !v.IsValid() {
		return ErrNotConnected
	}
	if p, ok := c.conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes the driver connection.
func (c *DriverConn) Close() error {
	return c.conn.Close()
}
