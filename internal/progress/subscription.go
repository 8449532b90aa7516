package progress

import (
	"sync"

	"github.com/ChuLiYu/eegflow/pkg/types"
)

// Subscription is one receiver of a job's snapshots. C is closed after the
// terminal snapshot, on Close, or when the job is removed from the bus.
type Subscription[S Snapshot] struct {
	C <-chan S

	bus   *Bus[S]
	jobID types.JobID
	out   chan S

	mu        sync.Mutex
	queue     []S
	finishing bool // terminal snapshot queued, close after draining
	notify    chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func newSubscription[S Snapshot](b *Bus[S], jobID types.JobID) *Subscription[S] {
	out := make(chan S)
	return &Subscription[S]{
		C:      out,
		bus:    b,
		jobID:  jobID,
		out:    out,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Close detaches the receiver and closes C. Safe to call more than once.
func (s *Subscription[S]) Close() {
	s.bus.detach(s.jobID, s)
	s.abort()
}

// Done is closed once the receiver has shut down.
func (s *Subscription[S]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[S]) abort() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Subscription[S]) enqueue(v S, last bool) {
	s.mu.Lock()
	if s.finishing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.finishing = last
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[S]) pump() {
	defer func() {
		close(s.out)
		s.bus.metrics.AddProgressSubscribers(-1)
		close(s.done)
	}()

	var zero S
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finishing := s.finishing
			s.mu.Unlock()
			if finishing {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.stop:
			return
		}
	}
}
