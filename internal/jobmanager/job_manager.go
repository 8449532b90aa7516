// ============================================================================
// eegflow Job Manager - shared job table
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: Own the id → job map of an orchestrator; lookup, listing,
//           statistics and expiry of terminal jobs
//
// Design:
//   The table is generic over the orchestrator's own job type. The batch
//   orchestrator and the analysis engine both keep their job records here;
//   each record guards its own fields and exposes them through Record.
//
//   jobs map[JobID]R  - single source of truth for every job
//   order []JobID     - insertion order for stable listings
//
// Status transitions are NOT performed here. Only the executing unit of a job
// mutates it; the table only answers "which jobs exist".
//
// Concurrency:
//   - sync.RWMutex protects the map and the order slice
//   - read operations use RLock, writes use Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob is returned by Add for an id already present.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
)

// Record is the view the table needs of a job.
type Record interface {
	Status() types.JobStatus
	LastUpdated() time.Time
}

// JobManager holds the jobs of one orchestrator.
type JobManager[R Record] struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]R
	order []types.JobID
}

// NewJobManager creates an empty table.
//
// Usage:
//
//	jm := NewJobManager[*batchJob]()
//	err := jm.Add(id, job)
//
// Concurrency: the returned table is safe for concurrent use.
func NewJobManager[R Record]() *JobManager[R] {
	return &JobManager[R]{
		jobs: make(map[types.JobID]R),
	}
}

// Add registers a new job.
//
// Returns:
//   - ErrDuplicateJob: the id is already registered
func (jm *JobManager[R]) Add(id types.JobID, rec R) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[id]; exists {
		return ErrDuplicateJob
	}
	jm.jobs[id] = rec
	jm.order = append(jm.order, id)
	return nil
}

// Has reports whether id is registered.
func (jm *JobManager[R]) Has(id types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, ok := jm.jobs[id]
	return ok
}

// Get returns the job registered under id.
//
// Returns:
//   - ErrJobNotFound: the id is unknown
func (jm *JobManager[R]) Get(id types.JobID) (R, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	rec, ok := jm.jobs[id]
	if !ok {
		var zero R
		return zero, ErrJobNotFound
	}
	return rec, nil
}

// Remove deletes a job and reports whether it existed.
func (jm *JobManager[R]) Remove(id types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.removeLocked(id)
}

func (jm *JobManager[R]) removeLocked(id types.JobID) bool {
	if _, ok := jm.jobs[id]; !ok {
		return false
	}
	delete(jm.jobs, id)
	for i, v := range jm.order {
		if v == id {
			jm.order = append(jm.order[:i], jm.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns every job in insertion order.
func (jm *JobManager[R]) List() []R {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]R, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, jm.jobs[id])
	}
	return out
}

// Len returns the number of registered jobs.
func (jm *JobManager[R]) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats counts jobs per status.
//
// Usage:
//
//	stats := jm.Stats()
//	log.Info("Jobs", "running", stats[types.StatusRunning])
func (jm *JobManager[R]) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobStatus]int)
	for _, rec := range jm.jobs {
		stats[rec.Status()]++
	}
	return stats
}

// Expired lists terminal jobs whose last update is older than maxAge.
func (jm *JobManager[R]) Expired(now time.Time, maxAge time.Duration) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	cutoff := now.Add(-maxAge)
	var expired []types.JobID
	for _, id := range jm.order {
		rec := jm.jobs[id]
		if rec.Status().IsTerminal() && rec.LastUpdated().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Cleanup removes the jobs reported by Expired and returns their ids.
func (jm *JobManager[R]) Cleanup(now time.Time, maxAge time.Duration) []types.JobID {
	expired := jm.Expired(now, maxAge)

	jm.mu.Lock()
	defer jm.mu.Unlock()
	removed := expired[:0]
	for _, id := range expired {
		// a concurrent Remove may have won
		if jm.removeLocked(id) {
			removed = append(removed, id)
		}
	}
	return removed
}
