// ============================================================================
// eegflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the eegflow server and its job tools
//
// Command Structure:
//   eegflow                        # Root command
//   ├── serve                      # Start HTTP + gRPC server
//   ├── batch -f request.yaml      # Run a batch pipeline in-process
//   ├── status --job ID            # Query a job on a running server
//   ├── watch --job ID             # Stream batch progress from a server
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML loaded by internal/config. When the default path does not exist
//   the built-in defaults are used; an explicit --config must exist.
//
// serve Command:
//   1. Load config and build the logger
//   2. Create metrics registry, session registry, worker pool, batch
//      orchestrator and analysis engine
//   3. Restore batch job records from the job store
//   4. Run HTTP, gRPC, metrics, cleanup and persistence under one errgroup
//   5. On SIGINT/SIGTERM stop the pool, drain servers, write final snapshot
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/eegflow/internal/config"
)

const defaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eegflow",
		Short: "eegflow: EEG preprocessing and time-frequency analysis service",
		Long: `eegflow serves interactive EEG sessions with:
- Bounded undo/redo per session
- Batch preprocessing pipelines with live progress
- Morlet time-frequency analysis jobs
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildBatchCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWatchCommand())

	return rootCmd
}

// loadConfig loads path. A missing file at the default path falls back to
// the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by the log section.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Log.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// clientAddr turns a listen address such as ":50051" into a dialable one.
func clientAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
