// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CORS      CORSConfig      `yaml:"cors"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Store     StoreConfig     `yaml:"store"`
	Batch     BatchConfig     `yaml:"batch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

// BufferConfig addresses the Redis instance backing the pending-message
// list, the counters, and the pub/sub channel.
type BufferConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

type BatchConfig struct {
	Size           int `yaml:"size"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type TelemetryConfig struct {
	BroadcastIntervalMS int `yaml:"broadcast_interval_ms"`
	RPSWindowSeconds    int `yaml:"rps_window_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			ReadTimeoutMS:  15000,
			WriteTimeoutMS: 15000,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAgeSeconds:  300,
		},
		Buffer: BufferConfig{
			Host: "localhost",
			Port: 6379,
		},
		Store: StoreConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "ingestor",
			Password: "ingestor_pass",
			DBName:   "messages_db",
			SSLMode:  "disable",
			MaxConns: 8,
		},
		Batch: BatchConfig{
			Size:           50,
			TimeoutSeconds: 30,
		},
		Telemetry: TelemetryConfig{
			BroadcastIntervalMS: 500,
			RPSWindowSeconds:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from file and applies environment variable overrides.
// A missing file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Batch.Size < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Batch.TimeoutSeconds < 1 {
		return fmt.Errorf("batch timeout must be at least 1 second")
	}
	if c.Telemetry.BroadcastIntervalMS < 1 {
		return fmt.Errorf("broadcast interval must be at least 1ms")
	}
	if c.Telemetry.RPSWindowSeconds < 1 {
		return fmt.Errorf("rps window must be at least 1 second")
	}
	if c.Buffer.Host == "" {
		return fmt.Errorf("buffer host is required")
	}
	if c.Store.Host == "" || c.Store.DBName == "" {
		return fmt.Errorf("store host and dbname are required")
	}
	if c.Logging.Level != "" && !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// applyEnvOverrides checks for the pipeline's environment variables
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}

	// Batch overrides
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Batch.Size)
	}
	if v := os.Getenv("BATCH_TIMEOUT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Batch.TimeoutSeconds)
	}

	// Buffer overrides
	if v := os.Getenv("BUFFER_HOST"); v != "" {
		cfg.Buffer.Host = v
	}
	if v := os.Getenv("BUFFER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Buffer.Port)
	}
	if v := os.Getenv("BUFFER_PASSWORD"); v != "" {
		cfg.Buffer.Password = v
	}

	// Store overrides
	if v := os.Getenv("STORE_HOST"); v != "" {
		cfg.Store.Host = v
	}
	if v := os.Getenv("STORE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.Port)
	}
	if v := os.Getenv("STORE_DB"); v != "" {
		cfg.Store.DBName = v
	}
	if v := os.Getenv("STORE_USER"); v != "" {
		cfg.Store.User = v
	}
	if v := os.Getenv("STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}

	// Telemetry overrides
	if v := os.Getenv("BROADCAST_INTERVAL_MS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Telemetry.BroadcastIntervalMS)
	}
	if v := os.Getenv("RPS_WINDOW_SECONDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Telemetry.RPSWindowSeconds)
	}
}

// GetReadTimeout returns the read timeout as a duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Addr returns the host:port address of the buffer instance
func (b *BufferConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// GetDSN returns the PostgreSQL connection string
func (s *StoreConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// Timeout returns the age bound of the oldest staged message as a duration
func (b *BatchConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// BroadcastInterval returns the stats frame cadence as a duration
func (t *TelemetryConfig) BroadcastInterval() time.Duration {
	return time.Duration(t.BroadcastIntervalMS) * time.Millisecond
}

// RPSWindow returns the throughput estimation window as a duration
func (t *TelemetryConfig) RPSWindow() time.Duration {
	return time.Duration(t.RPSWindowSeconds) * time.Second
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
