// ============================================================================
// eegflow Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: YAML configuration with defaults, environment overrides and
//           validation
//
// Sources, later wins:
//   1. Default()
//   2. YAML file (missing keys keep their default)
//   3. EEGFLOW_* environment variables for the few deployment-specific keys
//
// Durations are Go duration strings ("2h", "30s").
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete server configuration.
type Config struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`

	Session struct {
		Timeout       time.Duration `yaml:"timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		UndoDepth     int           `yaml:"undo_depth"`
	} `yaml:"session"`

	Jobs struct {
		MaxConcurrent   int           `yaml:"max_concurrent"`
		QueueSize       int           `yaml:"queue_size"`
		Retention       time.Duration `yaml:"retention"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"jobs"`

	Analysis struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"analysis"`

	JobStore struct {
		Path     string        `yaml:"path"` // empty disables persistence
		Interval time.Duration `yaml:"interval"`
		Backups  int           `yaml:"backups"`
	} `yaml:"jobstore"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"` // empty serves /metrics on the HTTP address
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GRPCAddr = ":50051"

	cfg.Session.Timeout = 2 * time.Hour
	cfg.Session.SweepInterval = 5 * time.Minute
	cfg.Session.UndoDepth = 10

	cfg.Jobs.MaxConcurrent = 4
	cfg.Jobs.QueueSize = 64
	cfg.Jobs.Retention = 24 * time.Hour
	cfg.Jobs.CleanupInterval = time.Hour

	cfg.Analysis.BatchSize = 5

	cfg.JobStore.Path = "data/jobs.json"
	cfg.JobStore.Interval = 30 * time.Second
	cfg.JobStore.Backups = 2

	cfg.Metrics.Enabled = true

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path over the defaults. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("EEGFLOW_HTTP_ADDR"); ok {
		c.Server.HTTPAddr = v
	}
	if v, ok := lookup("EEGFLOW_GRPC_ADDR"); ok {
		c.Server.GRPCAddr = v
	}
	if v, ok := lookup("EEGFLOW_JOBSTORE_PATH"); ok {
		c.JobStore.Path = v
	}
	if v, ok := lookup("EEGFLOW_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("EEGFLOW_MAX_CONCURRENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: EEGFLOW_MAX_CONCURRENT=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Jobs.MaxConcurrent = n
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.HTTPAddr != "", "server.http_addr must not be empty")
	check(c.Session.Timeout > 0, "session.timeout must be positive, got %s", c.Session.Timeout)
	check(c.Session.SweepInterval > 0, "session.sweep_interval must be positive, got %s", c.Session.SweepInterval)
	check(c.Session.UndoDepth >= 1, "session.undo_depth must be at least 1, got %d", c.Session.UndoDepth)
	check(c.Jobs.MaxConcurrent >= 1, "jobs.max_concurrent must be at least 1, got %d", c.Jobs.MaxConcurrent)
	check(c.Jobs.QueueSize >= 1, "jobs.queue_size must be at least 1, got %d", c.Jobs.QueueSize)
	check(c.Jobs.Retention > 0, "jobs.retention must be positive, got %s", c.Jobs.Retention)
	check(c.Jobs.CleanupInterval > 0, "jobs.cleanup_interval must be positive, got %s", c.Jobs.CleanupInterval)
	check(c.Analysis.BatchSize >= 1, "analysis.batch_size must be at least 1, got %d", c.Analysis.BatchSize)
	if c.JobStore.Path != "" {
		check(c.JobStore.Interval > 0, "jobstore.interval must be positive, got %s", c.JobStore.Interval)
		check(c.JobStore.Backups >= 0, "jobstore.backups must not be negative, got %d", c.JobStore.Backups)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
