package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/eegflow/pkg/types"
)

// Task is one unit of work, typically the body of a batch or analysis job.
type Task struct {
	ID      types.JobID                     // job the unit belongs to
	Run     func(ctx context.Context) error // body; ctx is cancelled on pool Stop
	Timeout time.Duration                   // zero means no deadline
}

// Result is the outcome of one Task.
type Result struct {
	JobID    types.JobID
	Success  bool
	Error    error
	Duration time.Duration
}
