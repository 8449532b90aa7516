// ============================================================================
// eegflow Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Goroutine that executes tasks taken from the pool queue
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run it under the pool context, with a deadline when Task.Timeout > 0
//   3. Convert a panic into an error so one broken job cannot kill the worker
//   4. Report the Result without blocking
//   5. Repeat until taskCh is closed
//
// A task that is still queued when the pool stops is run with an already
// cancelled context, so job bodies observe cancellation at their first check.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	ctx      context.Context
	taskCh   <-chan Task
	resultCh chan<- Result
	log      *slog.Logger
	onStart  func()
	onFinish func()
}

func newWorker(id int, ctx context.Context, taskCh <-chan Task, resultCh chan<- Result, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
		log:      log,
	}
}

// Run is the main loop of the worker.
func (w *Worker) Run() {
	for task := range w.taskCh {
		if w.onStart != nil {
			w.onStart()
		}
		start := time.Now()
		err := w.execute(task)
		if w.onFinish != nil {
			w.onFinish()
		}

		result := Result{
			JobID:    task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		if err != nil {
			w.log.Debug("Task finished with error", "worker", w.id, "jobID", task.ID, "error", err)
		}

		select {
		case w.resultCh <- result:
		default:
			// nobody is reading results
		}
	}
}

func (w *Worker) execute(task Task) (err error) {
	ctx := w.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Task panicked", "worker", w.id, "jobID", task.ID, "panic", r)
			err = fmt.Errorf("task panic: %v", r)
		}
	}()

	if task.Run == nil {
		return fmt.Errorf("task %s has no body", task.ID)
	}
	return task.Run(ctx)
}
