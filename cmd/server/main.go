package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/me/tskmgr/internal/config"
	"github.com/me/tskmgr/internal/dispatch"
	"github.com/me/tskmgr/internal/events"
	"github.com/me/tskmgr/internal/logging"
	"github.com/me/tskmgr/internal/server"
	"github.com/me/tskmgr/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	driver := flag.String("db-driver", "", "Database driver (sqlite, postgres)")
	dsn := flag.String("db", "", "Database path or DSN (default ~/.tskmgr/tskmgr.db)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	override(&cfg.Addr, *addr)
	override(&cfg.LogLevel, *logLevel)
	override(&cfg.LogFormat, *logFormat)
	override(&cfg.Database.Driver, *driver)
	override(&cfg.Database.DSN, *dsn)
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "tskmgr-server"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	engine := dispatch.NewEngine(st, events.NewBus(logger), dispatch.Config{SampleSize: cfg.SampleSize}, logger)
	srv := server.New(cfg, st, engine, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// openStore opens the configured database. An empty sqlite DSN means the
// default file under the home directory.
func openStore(ctx context.Context, db config.DatabaseConfig, logger *slog.Logger) (*store.SQLStore, error) {
	switch db.Driver {
	case config.DriverPostgres:
		pc := store.DefaultPostgresConfig(db.DSN)
		if db.MaxOpenConns > 0 {
			pc.MaxOpenConns = db.MaxOpenConns
		}
		if db.MaxIdleConns > 0 {
			pc.MaxIdleConns = db.MaxIdleConns
		}
		if db.ConnMaxLifetime > 0 {
			pc.ConnMaxLifetime = db.ConnMaxLifetime
		}
		return store.NewPostgresStore(ctx, pc, logger)
	default:
		path := db.DSN
		if path == "" {
			path = config.DefaultDBPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
			}
		}
		return store.NewSQLiteStore(path, logger)
	}
}
