// ============================================================================
// eegflow Batch Orchestrator - multi-file preprocessing pipelines
// ============================================================================
//
// Package: internal/batch
// File: orchestrator.go
// Function: Create, run, cancel and observe batch jobs that push every input
//           file through the same preprocessing pipeline
//
// Job lifecycle:
//
//   CreateJob()          Start()             unit
//   ──────────► idle ───────────► (queued) ──────────► running
//                │                                        │
//                │ Cancel()                               ├─► completed
//                ▼                                        ├─► failed   (orchestrator fault)
//            cancelled ◄──────────── Cancel() ────────────┘
//
// Per-file flow (inside the unit):
//   1. check cancellation            → stop, remaining results stay pending
//   2. load the file into a session  → currentStep=loading
//   3. run each enabled step         → currentStep=<step type>
//   4. export                        → currentStep=exporting
//   5. close the session, record success/failure, progress=(i+1)/total*100
//
// Ownership:
//   Only the unit mutates a running job. Cancel sets the job's cancellation
//   token, waits for the unit's done channel and then writes the single
//   terminal "cancelled" status itself. The unit never publishes after it has
//   observed cancellation.
//
// ============================================================================

package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ChuLiYu/eegflow/internal/jobmanager"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/progress"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/worker"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobRunning is returned by Start for a job that was already started.
	ErrJobRunning = errors.New("batch job already started")
	// ErrJobTerminal is returned by Start for a finished job.
	ErrJobTerminal = errors.New("batch job already finished")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid batch request")

	errCancelled = errors.New("cancelled")
)

// Current step names besides the step types themselves.
const (
	StepLoading   = "loading"
	StepExporting = "exporting"
)

// DefaultOutputFormat is used when a request names none.
const DefaultOutputFormat = "fif"

// InterruptedMessage is the error of jobs that were running when the
// process stopped.
const InterruptedMessage = "interrupted by shutdown"

// Options wires an Orchestrator.
type Options struct {
	Sessions *session.Service
	Pool     *worker.Pool
	Bus      *progress.Bus[types.BatchJobStatus]
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Orchestrator owns every batch job of the process.
type Orchestrator struct {
	sessions *session.Service
	pool     *worker.Pool
	bus      *progress.Bus[types.BatchJobStatus]
	jobs     *jobmanager.JobManager[*job]
	validate *validator.Validate
	metrics  *metrics.Collector
	log      *slog.Logger

	now   func() time.Time
	newID func() types.JobID
}

// New creates an orchestrator. Sessions and Pool are required; a nil Bus
// gets a private one.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = progress.NewBus[types.BatchJobStatus](logger, opts.Metrics)
	}
	return &Orchestrator{
		sessions: opts.Sessions,
		pool:     opts.Pool,
		bus:      bus,
		jobs:     jobmanager.NewJobManager[*job](),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  opts.Metrics,
		log:      logger.With("component", "batch"),
		now:      time.Now,
		newID: func() types.JobID {
			return types.JobID(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
		},
	}
}

// ============================================================================
// Job record
// ============================================================================

type job struct {
	mu      sync.Mutex
	status  types.BatchJobStatus
	req     types.BatchRequest
	started   bool // submitted to the pool
	running   bool // unit has begun executing
	cancelled bool // Cancel fired the token

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Status
}

func (j *job) LastUpdated() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.LastUpdated()
}

func (j *job) snapshot() types.BatchJobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Clone()
}

// ============================================================================
// Public API
// ============================================================================

// CreateJob validates req and registers an idle job with one pending result
// per input file.
func (o *Orchestrator) CreateJob(req types.BatchRequest) (types.JobID, error) {
	if err := o.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.OutputFormat == "" {
		req.OutputFormat = DefaultOutputFormat
	}
	req.FilePaths = append([]string(nil), req.FilePaths...)
	req.Steps = append([]types.StepConfig(nil), req.Steps...)

	results := make([]types.BatchFileResult, len(req.FilePaths))
	for i, p := range req.FilePaths {
		results[i] = types.BatchFileResult{FilePath: p, FileName: filepath.Base(p), Status: types.FilePending}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	for attempt := 0; ; attempt++ {
		id := o.newID()
		j.status = types.BatchJobStatus{
			JobID:      id,
			Status:     types.StatusIdle,
			TotalFiles: len(req.FilePaths),
			Results:    results,
			CreatedAt:  o.now(),
		}
		err := o.jobs.Add(id, j)
		if err == nil {
			break
		}
		if !errors.Is(err, jobmanager.ErrDuplicateJob) || attempt >= 3 {
			cancel()
			return "", err
		}
	}

	st := j.snapshot()
	o.bus.Publish(st.JobID, st)
	o.log.Info("Batch job created", "jobID", st.JobID, "files", st.TotalFiles, "steps", len(req.Steps))
	return st.JobID, nil
}

// Start submits the job to the worker pool.
//
// Returns:
//   - jobmanager.ErrJobNotFound: unknown id
//   - ErrJobRunning: the job was already started
//   - ErrJobTerminal: the job already reached a terminal status
//   - wrapped worker errors when the pool rejects the job
func (o *Orchestrator) Start(jobID types.JobID) error {
	j, err := o.jobs.Get(jobID)
	if err != nil {
		return err
	}

	j.mu.Lock()
	switch {
	case j.status.Status.IsTerminal():
		j.mu.Unlock()
		return ErrJobTerminal
	case j.started:
		j.mu.Unlock()
		return ErrJobRunning
	}
	j.started = true
	j.mu.Unlock()

	err = o.pool.Submit(worker.Task{
		ID:  jobID,
		Run: func(poolCtx context.Context) error { return o.run(poolCtx, j) },
	})
	if err != nil {
		j.mu.Lock()
		j.started = false
		j.mu.Unlock()
		return fmt.Errorf("submit batch job %s: %w", jobID, err)
	}
	o.log.Info("Batch job submitted", "jobID", jobID)
	return nil
}

// Cancel stops a job. It reports false for unknown or terminal jobs.
func (o *Orchestrator) Cancel(jobID types.JobID) bool {
	j, err := o.jobs.Get(jobID)
	if err != nil {
		return false
	}

	j.mu.Lock()
	if j.status.Status.IsTerminal() {
		j.mu.Unlock()
		return false
	}
	j.cancelled = true
	j.cancel()
	running := j.running
	j.mu.Unlock()

	if running {
		<-j.done
	}

	j.mu.Lock()
	if j.status.Status.IsTerminal() {
		// the unit finished before it saw the token
		j.mu.Unlock()
		return false
	}
	now := o.now()
	j.status.Status = types.StatusCancelled
	j.status.UpdatedAt = &now
	st := j.status.Clone()
	j.mu.Unlock()

	o.bus.Publish(jobID, st)
	o.metrics.RecordBatchJob(string(types.StatusCancelled))
	o.log.Info("Batch job cancelled", "jobID", jobID,
		"completed", st.CompletedFiles, "failed", st.FailedFiles, "total", st.TotalFiles)
	return true
}

// Status returns a copy of the job's status.
func (o *Orchestrator) Status(jobID types.JobID) (types.BatchJobStatus, error) {
	j, err := o.jobs.Get(jobID)
	if err != nil {
		return types.BatchJobStatus{}, err
	}
	return j.snapshot(), nil
}

// List returns copies of every job status in creation order.
func (o *Orchestrator) List() []types.BatchJobStatus {
	jobs := o.jobs.List()
	out := make([]types.BatchJobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// Stats counts jobs per status.
func (o *Orchestrator) Stats() map[types.JobStatus]int {
	return o.jobs.Stats()
}

// Subscribe attaches a progress receiver to a known job. The receiver first
// gets the current status.
func (o *Orchestrator) Subscribe(jobID types.JobID) (*progress.Subscription[types.BatchJobStatus], error) {
	if !o.jobs.Has(jobID) {
		return nil, jobmanager.ErrJobNotFound
	}
	return o.bus.Subscribe(jobID), nil
}

// Cleanup removes terminal jobs last updated more than maxAge ago, together
// with their progress state, and returns how many were removed.
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	removed := o.jobs.Cleanup(o.now(), maxAge)
	for _, id := range removed {
		o.bus.Remove(id)
	}
	if len(removed) > 0 {
		o.log.Info("Batch jobs cleaned up", "count", len(removed))
	}
	return len(removed)
}

// Records returns every job status for persistence.
func (o *Orchestrator) Records() []types.BatchJobStatus {
	return o.List()
}

// Restore registers persisted jobs as read-only records. Jobs that were not
// terminal are restored as failed. Ids already present are skipped.
func (o *Orchestrator) Restore(records []types.BatchJobStatus) int {
	restored := 0
	for _, rec := range records {
		st := rec.Clone()
		if !st.Status.IsTerminal() {
			now := o.now()
			st.Status = types.StatusFailed
			st.ErrorMessage = InterruptedMessage
			st.CurrentFile, st.CurrentStep = "", ""
			st.UpdatedAt = &now
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		done := make(chan struct{})
		close(done)
		j := &job{status: st, started: true, ctx: ctx, cancel: cancel, done: done}
		if err := o.jobs.Add(st.JobID, j); err != nil {
			continue
		}
		o.bus.Publish(st.JobID, st)
		restored++
	}
	if restored > 0 {
		o.log.Info("Batch jobs restored", "count", restored)
	}
	return restored
}

// ============================================================================
// Execution unit
// ============================================================================

// run is the body of a job on a pool worker.
func (o *Orchestrator) run(poolCtx context.Context, j *job) (err error) {
	defer close(j.done)
	stop := context.AfterFunc(poolCtx, j.cancel)
	defer stop()
	defer func() {
		if poolCtx.Err() != nil {
			o.interrupt(j)
		}
	}()

	j.mu.Lock()
	if j.ctx.Err() != nil || j.status.Status.IsTerminal() {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Batch job panicked", "jobID", j.status.JobID, "panic", r)
			err = fmt.Errorf("batch job panic: %v", r)
			o.fail(j, err.Error())
		}
	}()

	start := time.Now()
	if !o.update(j, func(st *types.BatchJobStatus) { st.Status = types.StatusRunning }) {
		return nil
	}

	for i, path := range j.req.FilePaths {
		if j.ctx.Err() != nil {
			return nil
		}
		name := filepath.Base(path)
		if !o.update(j, func(st *types.BatchJobStatus) {
			st.CurrentFile = name
			st.CurrentStep = StepLoading
		}) {
			return nil
		}

		fileStart := time.Now()
		outPath, ferr := o.processFile(j, path)
		if errors.Is(ferr, errCancelled) {
			return nil
		}
		elapsed := time.Since(fileStart).Seconds()

		result := types.BatchFileResult{FilePath: path, FileName: name}
		if ferr != nil {
			result.Status = types.FileFailed
			result.Error = ferr.Error()
			o.metrics.RecordBatchFile("failed", elapsed)
			o.log.Warn("Batch file failed", "jobID", j.status.JobID, "file", name, "error", ferr)
		} else {
			result.Status = types.FileSuccess
			result.OutputPath = outPath
			result.ProcessingTime = elapsed
			o.metrics.RecordBatchFile("success", elapsed)
			o.log.Info("Batch file processed", "jobID", j.status.JobID, "file", name, "output", outPath, "seconds", elapsed)
		}

		if !o.record(j, func(st *types.BatchJobStatus) {
			st.Results[i] = result
			if result.Status == types.FileSuccess {
				st.CompletedFiles++
			} else {
				st.FailedFiles++
			}
			st.Progress = float64(i+1) / float64(st.TotalFiles) * 100
		}) {
			return nil
		}
	}

	var final types.BatchJobStatus
	ok := o.update(j, func(st *types.BatchJobStatus) {
		st.Status = types.StatusCompleted
		st.CurrentFile, st.CurrentStep = "", ""
		st.Progress = 100
		final = st.Clone()
	})
	if !ok {
		return nil
	}
	o.metrics.RecordBatchJob(string(types.StatusCompleted))
	o.log.Info("Batch job completed", "jobID", final.JobID,
		"completed", final.CompletedFiles, "failed", final.FailedFiles, "duration", time.Since(start))
	return nil
}

// update mutates the job under its lock and publishes the result. Once the
// job has been cancelled nothing is changed and update reports false so the
// unit stops.
func (o *Orchestrator) update(j *job, fn func(*types.BatchJobStatus)) bool {
	return o.apply(j, fn, false)
}

// record is update for file outcomes: a finished file keeps its result even
// when the job was cancelled meanwhile. Only the publish is suppressed.
func (o *Orchestrator) record(j *job, fn func(*types.BatchJobStatus)) bool {
	return o.apply(j, fn, true)
}

func (o *Orchestrator) apply(j *job, fn func(*types.BatchJobStatus), always bool) bool {
	j.mu.Lock()
	cancelled := j.ctx.Err() != nil
	if cancelled && !always {
		j.mu.Unlock()
		return false
	}
	fn(&j.status)
	now := o.now()
	j.status.UpdatedAt = &now
	st := j.status.Clone()
	j.mu.Unlock()

	if cancelled {
		return false
	}
	o.bus.Publish(st.JobID, st)
	return true
}

func (o *Orchestrator) fail(j *job, msg string) {
	j.mu.Lock()
	if j.ctx.Err() != nil || j.status.Status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	now := o.now()
	j.status.Status = types.StatusFailed
	j.status.ErrorMessage = msg
	j.status.UpdatedAt = &now
	st := j.status.Clone()
	j.mu.Unlock()

	o.bus.Publish(st.JobID, st)
	o.metrics.RecordBatchJob(string(types.StatusFailed))
}

// interrupt ends a job stopped by pool shutdown rather than by Cancel.
// Recorded file results are kept.
func (o *Orchestrator) interrupt(j *job) {
	j.mu.Lock()
	if j.cancelled || j.status.Status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	now := o.now()
	j.status.Status = types.StatusFailed
	j.status.ErrorMessage = InterruptedMessage
	j.status.CurrentFile, j.status.CurrentStep = "", ""
	j.status.UpdatedAt = &now
	st := j.status.Clone()
	j.mu.Unlock()

	o.bus.Publish(st.JobID, st)
	o.metrics.RecordBatchJob(string(types.StatusFailed))
	o.log.Warn("Batch job interrupted", "jobID", st.JobID,
		"completed", st.CompletedFiles, "failed", st.FailedFiles, "total", st.TotalFiles)
}

// processFile runs one input through the pipeline and returns the export
// path. Collaborator calls are not interrupted by cancellation; errCancelled
// is returned at the next step boundary instead.
func (o *Orchestrator) processFile(j *job, path string) (string, error) {
	ctx := context.WithoutCancel(j.ctx)

	info, err := o.sessions.Load(ctx, path)
	if err != nil {
		return "", err
	}
	id := info.SessionID
	defer func() {
		if err := o.sessions.Close(id); err != nil {
			o.log.Debug("Batch session already gone", "sessionID", id, "error", err)
		}
	}()

	for _, step := range j.req.Steps {
		if !step.Enabled {
			continue
		}
		if j.ctx.Err() != nil {
			return "", errCancelled
		}
		if !o.update(j, func(st *types.BatchJobStatus) { st.CurrentStep = string(step.Type) }) {
			return "", errCancelled
		}
		if err := o.executeStep(ctx, id, step); err != nil {
			return "", fmt.Errorf("step %s: %w", step.Type, err)
		}
	}

	if j.ctx.Err() != nil {
		return "", errCancelled
	}
	if !o.update(j, func(st *types.BatchJobStatus) { st.CurrentStep = StepExporting }) {
		return "", errCancelled
	}

	if err := os.MkdirAll(j.req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	out := filepath.Join(j.req.OutputDir, OutputName(path, j.req.OutputFormat))
	if err := o.sessions.Export(ctx, id, out, j.req.OutputFormat, j.req.ExportEpochs); err != nil {
		return "", err
	}
	return out, nil
}

// OutputName returns "<stem>_processed.<format>" for an input path.
func OutputName(path, format string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + "_processed." + format
}
