// ============================================================================
// eegflow Worker Pool - bounded job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Admit batch and analysis job units and run them on a fixed set
//           of worker goroutines
//
// Architecture:
//   ┌──────────────┐
//   │ batch /      │ --Submit()--> taskCh (buffered, queue_size)
//   │ analysis     │
//   └──────────────┘
//                      ┌────────────────────┐
//                      │ Worker 1 ←── taskCh │
//                      │ Worker 2 ←── taskCh │ ──→ resultCh
//                      │ Worker N ←── taskCh │
//                      └────────────────────┘
//
// Lifecycle:
//   1. NewPool()   - create the pool and its channels
//   2. Start(n)    - launch n worker goroutines
//   3. Submit(t)   - enqueue without blocking (ErrQueueFull when full)
//   4. Stop()      - cancel the pool context, close taskCh, wait for workers
//
// Concurrency:
//   - sendMu is held for reading while a task is sent and for writing while
//     taskCh is closed, so Submit never races a closing channel
//   - running counts tasks currently executing
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *slog.Logger

	mu      sync.Mutex // started, stopped, workers
	started bool
	stopped bool

	sendMu  sync.RWMutex
	closing bool

	running atomic.Int64
}

// NewPool creates a pool whose queue and result channel hold bufferSize
// entries. A nil logger means slog.Default().
func NewPool(bufferSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh, p.resultCh, p.log)
		w.onStart = func() { p.running.Add(1) }
		w.onFinish = func() { p.running.Add(-1) }
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Info("Worker pool started", "workers", workerCount, "queue", cap(p.taskCh))
	return nil
}

// Submit enqueues task without blocking.
//
// Returns:
//   - ErrPoolNotStarted: Start has not been called
//   - ErrPoolClosed: Stop has been called
//   - ErrQueueFull: every queue slot is taken
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closing {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// ReceiveResult blocks for the next result. It returns ErrPoolClosed once
// the pool has stopped and every result has been read.
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case r, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Context is cancelled when the pool stops. Job units tie their own
// cancellation to it.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Stop cancels running tasks, runs the queued ones with a cancelled context
// and waits for every worker to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	p.sendMu.Lock()
	p.closing = true
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	p.log.Info("Worker pool stopped")
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.taskCh)
}
