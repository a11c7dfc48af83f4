package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Batch.Size != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Batch.Size)
	}
	if cfg.Batch.TimeoutSeconds != 30 {
		t.Errorf("expected batch timeout 30s, got %d", cfg.Batch.TimeoutSeconds)
	}
	if cfg.Buffer.Addr() != "localhost:6379" {
		t.Errorf("unexpected buffer addr %s", cfg.Buffer.Addr())
	}
	if !cfg.CORS.Enabled {
		t.Error("expected CORS enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Batch.Size != 50 {
		t.Errorf("expected default batch size 50, got %d", cfg.Batch.Size)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  host: 127.0.0.1
  port: 9000
batch:
  size: 25
  timeout_seconds: 10
buffer:
  host: redis.internal
  port: 6380
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Batch.Size != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.Batch.Size)
	}
	if cfg.Buffer.Addr() != "redis.internal:6380" {
		t.Errorf("unexpected buffer addr %s", cfg.Buffer.Addr())
	}
	// Values the file omits keep their defaults
	if cfg.Store.Port != 5432 {
		t.Errorf("expected default store port 5432, got %d", cfg.Store.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("batch: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("BATCH_TIMEOUT", "5")
	t.Setenv("BUFFER_HOST", "buffer.internal")
	t.Setenv("BUFFER_PORT", "6380")
	t.Setenv("STORE_DB", "other_db")
	t.Setenv("SERVER_PORT", "8080")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Batch.Size != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Batch.Size)
	}
	if cfg.Batch.TimeoutSeconds != 5 {
		t.Errorf("expected batch timeout 5, got %d", cfg.Batch.TimeoutSeconds)
	}
	if cfg.Buffer.Addr() != "buffer.internal:6380" {
		t.Errorf("unexpected buffer addr %s", cfg.Buffer.Addr())
	}
	if cfg.Store.DBName != "other_db" {
		t.Errorf("expected store db other_db, got %s", cfg.Store.DBName)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }},
		{"zero batch timeout", func(c *Config) { c.Batch.TimeoutSeconds = 0 }},
		{"zero broadcast interval", func(c *Config) { c.Telemetry.BroadcastIntervalMS = 0 }},
		{"zero rps window", func(c *Config) { c.Telemetry.RPSWindowSeconds = 0 }},
		{"empty buffer host", func(c *Config) { c.Buffer.Host = "" }},
		{"empty store dbname", func(c *Config) { c.Store.DBName = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestGetDSN(t *testing.T) {
	cfg := Default()
	want := "host=localhost port=5432 user=ingestor password=ingestor_pass dbname=messages_db sslmode=disable"
	if got := cfg.Store.GetDSN(); got != want {
		t.Errorf("unexpected DSN:\n got %s\nwant %s", got, want)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.Batch.Timeout().Seconds() != 30 {
		t.Errorf("expected 30s batch timeout, got %v", cfg.Batch.Timeout())
	}
	if cfg.Telemetry.BroadcastInterval().Milliseconds() != 500 {
		t.Errorf("expected 500ms broadcast interval, got %v", cfg.Telemetry.BroadcastInterval())
	}
	if cfg.Server.GetReadTimeout().Seconds() != 15 {
		t.Errorf("expected 15s read timeout, got %v", cfg.Server.GetReadTimeout())
	}
}
