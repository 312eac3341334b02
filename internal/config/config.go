// Package config loads tskmgr server settings from defaults, an optional
// YAML file and TSKMGR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/tskmgr/internal/dispatch"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ServerConfig holds configuration for the tskmgr server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json

	Database DatabaseConfig `yaml:"database"`

	// SampleSize bounds the completions each duration estimate averages.
	SampleSize int `yaml:"sample_size"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the task store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	// DSN is a file path for sqlite (":memory:" for testing) and a
	// connection string for postgres.
	DSN string `yaml:"dsn"`

	// Pool settings, postgres only.
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		SampleSize:      dispatch.DefaultSampleSize,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultDBPath returns ~/.tskmgr/tskmgr.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tskmgr.db"
	}
	return home + "/.tskmgr/tskmgr.db"
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// not empty) and then with the environment.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TSKMGR_* variables found by lookup.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TSKMGR_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := lookup("TSKMGR_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("TSKMGR_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookup("TSKMGR_DB_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := lookup("TSKMGR_DB_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup("TSKMGR_SAMPLE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TSKMGR_SAMPLE_SIZE: %w", err)
		}
		c.SampleSize = n
	}
	return nil
}

// Validate checks the configuration.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.SampleSize < 1 {
		errs = append(errs, errors.New("sample_size must be >= 1"))
	}
	return errors.Join(errs...)
}
