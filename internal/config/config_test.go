package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.SampleSize != 25 {
		t.Errorf("SampleSize = %d, want 25", cfg.SampleSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tskmgr.yaml")
	data := `
addr: ":9090"
log_level: debug
database:
  driver: postgres
  dsn: postgres://file/tskmgr
  max_open_conns: 4
sample_size: 10
shutdown_timeout: 3s
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TSKMGR_DB_DSN", "postgres://env/tskmgr")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("addr/log_level = %q/%q", cfg.Addr, cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want default text", cfg.LogFormat)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.MaxOpenConns != 4 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Database.DSN != "postgres://env/tskmgr" {
		t.Errorf("DSN = %q, env should win", cfg.Database.DSN)
	}
	if cfg.SampleSize != 10 || cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("sample_size/shutdown = %d/%v", cfg.SampleSize, cfg.ShutdownTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultServerConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"TSKMGR_ADDR":        ":7000",
		"TSKMGR_LOG_FORMAT":  "json",
		"TSKMGR_DB_DRIVER":   "postgres",
		"TSKMGR_SAMPLE_SIZE": "5",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Addr != ":7000" || cfg.LogFormat != "json" || cfg.Database.Driver != "postgres" || cfg.SampleSize != 5 {
		t.Errorf("cfg = %+v", cfg)
	}

	err = cfg.ApplyEnv(envMap(map[string]string{"TSKMGR_SAMPLE_SIZE": "many"}))
	if err == nil {
		t.Error("expected error for non-numeric sample size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"empty addr", func(c *ServerConfig) { c.Addr = "" }, "addr"},
		{"bad level", func(c *ServerConfig) { c.LogLevel = "loud" }, "log level"},
		{"bad format", func(c *ServerConfig) { c.LogFormat = "xml" }, "log format"},
		{"bad driver", func(c *ServerConfig) { c.Database.Driver = "mysql" }, "driver"},
		{"postgres without dsn", func(c *ServerConfig) { c.Database.Driver = DriverPostgres }, "dsn"},
		{"zero sample size", func(c *ServerConfig) { c.SampleSize = 0 }, "sample_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
