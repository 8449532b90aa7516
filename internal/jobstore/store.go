package jobstore

// ============================================================================
// Responsibilities:
// 1. Serialise batch job records into one JSON snapshot file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Check the schema version on load
// 4. Persist periodically while the server runs, and once more on shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("job snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("job snapshot schema version is incompatible")
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// Data is the on-disk snapshot.
type Data struct {
	SchemaVer int                    `json:"schema_ver"`
	SavedAt   time.Time              `json:"saved_at"`
	Batch     []types.BatchJobStatus `json:"batch"`
}

// Store reads and writes one snapshot file.
type Store struct {
	path    string
	backups int
	mu      sync.Mutex
}

// New returns a store for path keeping up to backups previous snapshots as
// path.1 (newest) … path.N.
func New(path string, backups int) *Store {
	if backups < 0 {
		backups = 0
	}
	return &Store{path: path, backups: backups}
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether a snapshot has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Write atomically replaces the snapshot with records.
//
// Flow:
// 1. marshal into path.tmp
// 2. rotate path → path.1 → … (when backups are kept)
// 3. rename path.tmp → path
func (s *Store) Write(records []types.BatchJobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if records == nil {
		records = []types.BatchJobStatus{}
	}
	raw, err := json.MarshalIndent(Data{
		SchemaVer: SchemaVersion,
		SavedAt:   time.Now().UTC(),
		Batch:     records,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := s.rotate(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// rotate shifts existing snapshots one slot down, dropping the oldest.
func (s *Store) rotate() error {
	if s.backups == 0 {
		return nil
	}
	if _, err := os.Stat(s.path); err != nil {
		return nil
	}
	for i := s.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1)); err != nil {
				return fmt.Errorf("failed to rotate backup %s: %w", from, err)
			}
		}
	}
	// copy rather than move so path stays readable until the final rename
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot for backup: %w", err)
	}
	if err := os.WriteFile(s.path+".1", raw, 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is an empty snapshot.
func (s *Store) Load() (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Data{SchemaVer: SchemaVersion, Batch: []types.BatchJobStatus{}}, nil
		}
		return Data{}, fmt.Errorf("failed to read job snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Batch == nil {
		data.Batch = []types.BatchJobStatus{}
	}
	return data, nil
}

// ============================================================================
// Periodic persistence
// ============================================================================

// Persist writes source() every interval until ctx is done, then writes a
// final snapshot. Write failures are logged and retried on the next tick.
func (s *Store) Persist(ctx context.Context, interval time.Duration, source func() []types.BatchJobStatus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "jobstore", "path", s.path)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Write(source()); err != nil {
				log.Warn("Job snapshot failed", "error", err)
			}
		case <-ctx.Done():
			records := source()
			if err := s.Write(records); err != nil {
				log.Error("Final job snapshot failed", "error", err)
				return err
			}
			log.Info("Job snapshot written", "jobs", len(records))
			return nil
		}
	}
}
