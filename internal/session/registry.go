// ============================================================================
// eegflow Session Registry
// ============================================================================
//
// Package: internal/session
// File: registry.go
// Function: Owns every live session; creation, lookup, borrowing, expiry
//
// Locking:
//   Registry.mu  guards the id → session map (create/lookup/remove atomic)
//   Session.mu   single writer per session; held for one whole operation
//
//   Lock order is always Registry.mu before Session.mu, and Registry.mu is
//   never held while waiting on Session.mu.
//
// Expiry:
//   A sweeper goroutine removes sessions idle longer than the timeout.
//   Removal waits for an in-flight borrow to finish before releasing the
//   session's handles.
//
// ============================================================================

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/internal/snapshot"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

var (
	// ErrSessionNotFound is returned for unknown or removed session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRegistryClosed is returned by Create after Close.
	ErrRegistryClosed = errors.New("session registry is closed")
)

// DefaultTimeout is the idle time after which a session expires.
const DefaultTimeout = 2 * time.Hour

// Session is one loaded recording and its edit state. Fields other than the
// immutable identity are only accessed while the session is borrowed.
type Session struct {
	ID         types.SessionID
	SourcePath string
	CreatedAt  time.Time

	mu         sync.Mutex
	closed     bool
	lastAccess atomic.Int64 // unix nanoseconds

	raw     signal.Raw
	epochs  signal.Epochs
	history []types.HistoryEntry
	undo    *snapshot.Store
}

// Raw returns the current recording handle. Only valid while borrowed.
func (s *Session) Raw() signal.Raw { return s.raw }

// Epochs returns the current epochs handle or nil. Only valid while borrowed.
func (s *Session) Epochs() signal.Epochs { return s.epochs }

// History returns a copy of the applied operations in order.
func (s *Session) History() []types.HistoryEntry {
	return append([]types.HistoryEntry(nil), s.history...)
}

// LastAccess returns the time of the last lookup.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

func (s *Session) state() snapshot.State {
	st := snapshot.State{Raw: s.raw, Epochs: s.epochs}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		st.Last = &last
	}
	return st
}

// release frees every handle; the caller holds s.mu.
func (s *Session) release() {
	releaseHandles(s.raw, s.epochs)
	s.undo.Clear()
	s.raw, s.epochs = nil, nil
	s.closed = true
}

func releaseHandles(raw signal.Raw, epochs signal.Epochs) {
	if r, ok := raw.(signal.Releaser); ok {
		r.Release()
	}
	if r, ok := epochs.(signal.Releaser); ok {
		r.Release()
	}
}

// Summary is the list view of a session.
type Summary struct {
	SessionID  types.SessionID `json:"session_id"`
	SourcePath string          `json:"source_path"`
	CreatedAt  time.Time       `json:"created_at"`
	LastAccess time.Time       `json:"last_access"`
}

// Options configures a Registry.
type Options struct {
	Timeout       time.Duration // idle expiry, DefaultTimeout when zero
	SweepInterval time.Duration // sweeper period, no sweeper when zero
	UndoDepth     int           // snapshot capacity per session
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// Registry maps session ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*Session
	closed   bool

	opts   Options
	now    func() time.Time
	newID  func() string
	log    *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry returns an empty registry and starts its sweeper when
// opts.SweepInterval is positive.
func NewRegistry(opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UndoDepth <= 0 {
		opts.UndoDepth = snapshot.DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		sessions: make(map[types.SessionID]*Session),
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return uuid.NewString()[:8] },
		log:      opts.Logger,
		stopCh:   make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop(opts.SweepInterval)
	}
	return r
}

// Create registers a new session owning raw and returns its id.
func (r *Registry) Create(sourcePath string, raw signal.Raw) (types.SessionID, error) {
	now := r.now()
	s := &Session{
		SourcePath: sourcePath,
		CreatedAt:  now,
		raw:        raw,
		undo:       snapshot.New(r.opts.UndoDepth),
	}
	s.touch(now)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	id := types.SessionID(r.newID())
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = types.SessionID(r.newID())
	}
	s.ID = id
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.opts.Metrics.SetSessionsActive(n)
	r.log.Info("Session created", "sessionID", id, "source", sourcePath)
	return id, nil
}

// Get looks up a session and refreshes its last access time.
func (r *Registry) Get(id types.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// With borrows a session for the duration of fn, holding its writer lock.
func (r *Registry) With(id types.SessionID, fn func(*Session) error) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	return fn(s)
}

// Remove deregisters a session and releases its handles. It reports whether
// the session existed.
func (r *Registry) Remove(id types.SessionID) bool {
	return r.removeIf(id, nil)
}

// removeIf removes id when keep is nil or reports false. keep runs under the
// registry write lock, so no Get can touch the session while it decides.
func (r *Registry) removeIf(id types.SessionID, keep func(*Session) bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && keep != nil && keep(s) {
		ok = false
	}
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.release()
	s.mu.Unlock()

	r.opts.Metrics.SetSessionsActive(n)
	r.log.Info("Session removed", "sessionID", id)
	return true
}

// expire removes id if it is still idle since before cutoff.
func (r *Registry) expire(id types.SessionID, cutoff time.Time) bool {
	return r.removeIf(id, func(s *Session) bool {
		return !s.LastAccess().Before(cutoff)
	})
}

// Sweep removes sessions idle since before now minus the timeout and returns
// how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.opts.Timeout)

	r.mu.RLock()
	var expired []types.SessionID
	for id, s := range r.sessions {
		if s.LastAccess().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if r.expire(id, cutoff) {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("Expired sessions swept", "count", removed)
	}
	return removed
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns summaries of all sessions ordered by creation time.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Summary{
			SessionID:  s.ID,
			SourcePath: s.SourcePath,
			CreatedAt:  s.CreatedAt,
			LastAccess: s.LastAccess(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops the sweeper and releases every session. Further Create calls
// fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]types.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	for _, id := range ids {
		r.Remove(id)
	}
}
