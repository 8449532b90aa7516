// ============================================================================
// eegflow Progress Bus - per-job status broadcast
// ============================================================================
//
// Package: internal/progress
// File: bus.go
// Function: Fan out job status snapshots to any number of receivers
//
// Delivery model:
//
//   Publish(job, s) ──► topic[job] ──► Subscription 1 queue ──► pump ──► C
//                                  ├─► Subscription 2 queue ──► pump ──► C
//                                  └─► ...
//
//   - Each Subscription owns an unbounded FIFO drained by its own pump
//     goroutine, so Publish never blocks and never drops for slow readers.
//   - A new Subscription first receives the latest snapshot of the job.
//   - Non-terminal snapshots with lower progress than the last accepted one
//     are discarded; nothing is accepted after a terminal snapshot.
//   - After delivering the terminal snapshot a Subscription closes C.
//
// Lifecycle:
//   Receivers either drain C until it closes or call Close. The terminal
//   snapshot of a job is kept until Remove(job) so late receivers still see
//   the outcome.
//
// ============================================================================

package progress

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// Snapshot is a job status published on the bus.
type Snapshot interface {
	ProgressValue() float64
	Terminal() bool
}

// Bus broadcasts snapshots of type S per job.
type Bus[S Snapshot] struct {
	mu      sync.Mutex
	topics  map[types.JobID]*topic[S]
	closed  bool
	log     *slog.Logger
	metrics *metrics.Collector
}

type topic[S Snapshot] struct {
	latest   S
	has      bool
	terminal bool
	subs     map[*Subscription[S]]struct{}
}

// NewBus returns an empty bus. Logger and metrics may be nil.
func NewBus[S Snapshot](logger *slog.Logger, m *metrics.Collector) *Bus[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[S]{
		topics:  make(map[types.JobID]*topic[S]),
		log:     logger,
		metrics: m,
	}
}

func (b *Bus[S]) topicLocked(jobID types.JobID) *topic[S] {
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic[S]{subs: make(map[*Subscription[S]]struct{})}
		b.topics[jobID] = t
	}
	return t
}

// Publish offers s to every receiver of jobID. It reports whether s was
// accepted.
func (b *Bus[S]) Publish(jobID types.JobID, s S) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	t := b.topicLocked(jobID)
	if t.terminal {
		b.log.Debug("Progress after terminal status discarded", "jobID", jobID)
		return false
	}
	if !s.Terminal() && t.has && s.ProgressValue() < t.latest.ProgressValue() {
		b.log.Warn("Out-of-order progress discarded", "jobID", jobID,
			"progress", s.ProgressValue(), "last", t.latest.ProgressValue())
		return false
	}

	t.latest, t.has = s, true
	last := s.Terminal()
	for sub := range t.subs {
		sub.enqueue(s, last)
	}
	if last {
		t.terminal = true
		t.subs = make(map[*Subscription[S]]struct{})
	}
	b.metrics.RecordProgressEvent()
	return true
}

// Subscribe registers a receiver for jobID.
func (b *Bus[S]) Subscribe(jobID types.JobID) *Subscription[S] {
	sub := newSubscription(b, jobID)

	b.mu.Lock()
	closed := b.closed
	if !closed {
		t := b.topicLocked(jobID)
		if t.has {
			sub.enqueue(t.latest, t.terminal)
		}
		if !t.terminal {
			t.subs[sub] = struct{}{}
		}
	}
	b.mu.Unlock()

	b.metrics.AddProgressSubscribers(1)
	go sub.pump()
	if closed {
		sub.abort()
	}
	return sub
}

// SubscribeFunc calls fn with every snapshot of jobID on a dedicated
// goroutine. Errors and panics from fn are logged and swallowed.
func (b *Bus[S]) SubscribeFunc(jobID types.JobID, fn func(S) error) *Subscription[S] {
	sub := b.Subscribe(jobID)
	go func() {
		for s := range sub.C {
			if err := safeCall(fn, s); err != nil {
				b.log.Warn("Progress subscriber failed", "jobID", jobID, "error", err)
			}
		}
	}()
	return sub
}

func safeCall[S Snapshot](fn func(S) error, s S) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(s)
}

// Latest returns the last accepted snapshot of jobID.
func (b *Bus[S]) Latest(jobID types.JobID) (S, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero S
	t, ok := b.topics[jobID]
	if !ok || !t.has {
		return zero, false
	}
	return t.latest, true
}

// Receivers returns the number of attached receivers of jobID.
func (b *Bus[S]) Receivers(jobID types.JobID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

// Remove closes every receiver of jobID and forgets the job.
func (b *Bus[S]) Remove(jobID types.JobID) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.abort()
	}
}

// Close closes every receiver and rejects further publishes.
func (b *Bus[S]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[types.JobID]*topic[S])
	b.mu.Unlock()

	for _, t := range topics {
		for sub := range t.subs {
			sub.abort()
		}
	}
}

func (b *Bus[S]) detach(jobID types.JobID, sub *Subscription[S]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok {
		delete(t.subs, sub)
	}
}
