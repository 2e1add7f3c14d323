// dbpool runs the storefront database connection pool with its admin
// endpoints, and offers a few operational subcommands.
//
// Usage:
//
//	dbpool [flags] [serve]
//	dbpool [flags] check
//	dbpool [flags] init
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "$XDG_CONFIG_HOME/storefront/dbpool.toml")
//	-driver string
//	    Database driver, pgx or postgres (overrides config)
//	-dsn string
//	    PostgreSQL connection string (overrides config)
//	-listen string
//	    Admin server address (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
//
// Environment variables prefixed with DBPOOL_ override the configuration
// file; flags override both.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storefront/dbpool/lib/config"
	"github.com/storefront/dbpool/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command-line flags
	configPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	driver := flag.String("driver", "", "Database driver, pgx or postgres (overrides config)")
	dsn := flag.String("dsn", "", "PostgreSQL connection string (overrides config)")
	listen := flag.String("listen", "", "Admin server address (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dbpool - Storefront database connection pool\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] [serve]    Run the pool and the admin server\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] check      Check that the database is reachable\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] init       Write the default configuration file\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("dbpool version %s\n", version.Full())
		return 0
	}

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	// init writes the defaults and never reads the file it is about to create
	if cmd == "init" {
		return handleInit(*configPath)
	}

	// Start with the config file, then the environment, then the flags
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *listen != "" {
		cfg.Admin.Listen = *listen
	}
	if *verbose {
		cfg.Log.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if cfg.Log.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	switch cmd {
	case "serve":
		return handleServe(cfg, logger)
	case "check":
		return handleCheck(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		flag.Usage()
		return 1
	}
}

// handleServe runs the pool and the admin server until SIGINT or SIGTERM.
func handleServe(cfg *config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start", "error", err)
		svc.Close(context.Background())
		return 1
	}

	logger.Info("dbpool started",
		"driver", cfg.Database.Driver,
		"max_size", cfg.Pool.MaxSize,
		"version", version.Version)

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	// Create a new context for shutdown with reasonable timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("dbpool stopped")
	return 0
}

// handleCheck opens a connection, pings the server and prints the pool
// statistics. It exits non-zero if the database cannot be reached.
func handleCheck(cfg *config.Config, logger *slog.Logger) int {
	cfg.Pool.InitialSize = 0
	cfg.Admin.Enabled = false
	cfg.Breaker.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close(context.Background())

	start := time.Now()
	if err := svc.store.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Database unreachable: %v\n", err)
		return 1
	}

	out := struct {
		Status  string `json:"status"`
		Latency string `json:"latency"`
		Pool    any    `json:"pool"`
	}{
		Status:  "ok",
		Latency: time.Since(start).Round(time.Millisecond).String(),
		Pool:    svc.pool.Stats(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// handleInit writes the default configuration to path unless a file is
// already there.
func handleInit(path string) int {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Config already exists: %s\n", path)
		return 1
	} else if !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", path)
	return 0
}
