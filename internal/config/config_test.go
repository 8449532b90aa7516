package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Hour, cfg.Session.Timeout)
	assert.Equal(t, 10, cfg.Session.UndoDepth)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
	assert.Equal(t, 5, cfg.Analysis.BatchSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9000"
session:
  timeout: 30m
jobs:
  max_concurrent: 8
jobstore:
  path: ""
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr, "unset keys keep defaults")
	assert.Equal(t, 30*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, 8, cfg.Jobs.MaxConcurrent)
	assert.Empty(t, cfg.JobStore.Path)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config YAML")

	_, err = Load(writeConfig(t, "session:\n  timeout: forever\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.Jobs.MaxConcurrent = 0 }, "jobs.max_concurrent"},
		{"no undo", func(c *Config) { c.Session.UndoDepth = 0 }, "session.undo_depth"},
		{"negative timeout", func(c *Config) { c.Session.Timeout = -time.Second }, "session.timeout"},
		{"batch size", func(c *Config) { c.Analysis.BatchSize = 0 }, "analysis.batch_size"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"jobstore interval", func(c *Config) { c.JobStore.Interval = 0 }, "jobstore.interval"},
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	cfg := Default()
	cfg.JobStore.Path = ""
	cfg.JobStore.Interval = 0
	assert.NoError(t, cfg.Validate(), "interval is ignored without a jobstore")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EEGFLOW_HTTP_ADDR":      ":7000",
		"EEGFLOW_LOG_LEVEL":      "debug",
		"EEGFLOW_MAX_CONCURRENT": "3",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Jobs.MaxConcurrent)

	env["EEGFLOW_MAX_CONCURRENT"] = "many"
	assert.ErrorIs(t, Default().applyEnv(lookup), ErrInvalidConfig)
}
