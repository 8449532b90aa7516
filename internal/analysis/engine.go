// ============================================================================
// eegflow Analysis Engine - background time-frequency jobs
// ============================================================================
//
// Package: internal/analysis
// File: engine.go
// Function: Run Morlet time-frequency decompositions over a session's epochs
//           as cancellable jobs with coarse progress
//
// Progress checkpoints:
//   0.05          running, inputs being validated
//   0.15          inputs valid, wavelet parameters fixed
//   0.15 → 0.75   one step per epoch batch
//   0.80          power averaged
//   0.85 → 0.98   one step per channel image (image mode only)
//   1.00          completed or error
//
// Cancellation:
//   Cancel marks the job as error "cancelled by user" right away and
//   publishes that status. The unit notices at its next checkpoint (before a
//   batch, before a channel image) and returns without publishing. A started
//   backend call is not interrupted.
//
// ============================================================================

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/ChuLiYu/eegflow/internal/jobmanager"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/progress"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/internal/worker"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid analysis request")
	// ErrNoChannels is reported when no channel was requested.
	ErrNoChannels = errors.New("no channels selected")
	// ErrUnknownChannels is reported when none of the requested channels exist.
	ErrUnknownChannels = errors.New("selected channels not found in epochs")
	// ErrNoMatchingEpochs is reported when the event filter selects nothing.
	ErrNoMatchingEpochs = errors.New("no epochs for event")
	// ErrFrequencyRange is reported when fmax is not above fmin.
	ErrFrequencyRange = errors.New("fmax must be greater than fmin")
	// ErrEpochWindow is reported for empty epoch windows.
	ErrEpochWindow = errors.New("epoch window is empty")
)

// CancelledMessage is the error of user cancelled jobs.
const CancelledMessage = "cancelled by user"

// InterruptedMessage is the error of jobs stopped by shutdown.
const InterruptedMessage = "interrupted by shutdown"

// DefaultBatchSize is the number of epochs per decomposition batch.
const DefaultBatchSize = 5

// Progress checkpoints.
const (
	progressStarted   = 0.05
	progressValidated = 0.15
	progressComputeW  = 0.6
	progressAveraged  = 0.8
	progressRendering = 0.85
	progressRenderW   = 0.13
)

// Options wires an Engine.
type Options struct {
	Sessions  *session.Service
	TF        signal.TimeFrequency
	Pool      *worker.Pool
	Bus       *progress.Bus[types.AnalysisJobStatus]
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	BatchSize int
}

// Engine owns every analysis job of the process.
type Engine struct {
	sessions  *session.Service
	tf        signal.TimeFrequency
	pool      *worker.Pool
	bus       *progress.Bus[types.AnalysisJobStatus]
	jobs      *jobmanager.JobManager[*job]
	validate  *validator.Validate
	metrics   *metrics.Collector
	log       *slog.Logger
	batchSize int

	now   func() time.Time
	newID func() types.JobID
}

// New creates an engine. A nil Bus gets a private one.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = progress.NewBus[types.AnalysisJobStatus](logger, opts.Metrics)
	}
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Engine{
		sessions:  opts.Sessions,
		tf:        opts.TF,
		pool:      opts.Pool,
		bus:       bus,
		jobs:      jobmanager.NewJobManager[*job](),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		metrics:   opts.Metrics,
		log:       logger.With("component", "analysis"),
		batchSize: size,
		now:       time.Now,
		newID: func() types.JobID {
			return types.JobID(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		},
	}
}

type job struct {
	mu     sync.Mutex
	status types.AnalysisJobStatus
	ctx    context.Context
	cancel context.CancelFunc
}

func (j *job) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Status
}

func (j *job) LastUpdated() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.UpdatedAt
}

func (j *job) snapshot() types.AnalysisJobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// ============================================================================
// Public API
// ============================================================================

// CreateJob registers a pending job and returns its id.
func (e *Engine) CreateJob() types.JobID {
	ctx, cancel := context.WithCancel(context.Background())
	for {
		now := e.now()
		id := e.newID()
		j := &job{
			status: types.AnalysisJobStatus{
				JobID:     id,
				Status:    types.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			},
			ctx:    ctx,
			cancel: cancel,
		}
		if err := e.jobs.Add(id, j); err == nil {
			e.bus.Publish(id, j.snapshot())
			return id
		}
	}
}

// Start validates req, creates a job for the session and submits it.
//
// Returns:
//   - ErrInvalidRequest: malformed request
//   - session.ErrSessionNotFound: unknown session
//   - wrapped worker errors when the pool rejects the job
func (e *Engine) Start(sessionID types.SessionID, req types.AnalysisRequest) (types.JobID, error) {
	if err := e.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := e.sessions.Info(sessionID); err != nil {
		return "", err
	}

	id := e.CreateJob()
	err := e.pool.Submit(worker.Task{
		ID: id,
		Run: func(ctx context.Context) error {
			return e.Run(ctx, id, sessionID, req)
		},
	})
	if err != nil {
		e.finish(id, nil, fmt.Errorf("submit: %w", err))
		return "", fmt.Errorf("submit analysis job %s: %w", id, err)
	}
	e.log.Info("Analysis job submitted", "jobID", id, "sessionID", sessionID,
		"channels", len(req.Channels), "fmin", req.FMin, "fmax", req.FMax, "renderMode", req.RenderMode)
	return id, nil
}

// Cancel stops a pending or running job and reports whether it did.
func (e *Engine) Cancel(jobID types.JobID) bool {
	j, err := e.jobs.Get(jobID)
	if err != nil {
		return false
	}

	j.mu.Lock()
	if j.status.Status != types.StatusPending && j.status.Status != types.StatusRunning {
		j.mu.Unlock()
		return false
	}
	j.status.Status = types.StatusError
	j.status.Error = CancelledMessage
	j.status.Progress = 1
	j.status.UpdatedAt = e.now()
	st := j.status
	j.mu.Unlock()
	j.cancel()

	e.bus.Publish(jobID, st)
	e.metrics.RecordAnalysisJob("cancelled")
	e.log.Info("Analysis job cancelled", "jobID", jobID)
	return true
}

// Status returns a copy of the job's status.
func (e *Engine) Status(jobID types.JobID) (types.AnalysisJobStatus, error) {
	j, err := e.jobs.Get(jobID)
	if err != nil {
		return types.AnalysisJobStatus{}, err
	}
	return j.snapshot(), nil
}

// Subscribe attaches a progress receiver to a known job.
func (e *Engine) Subscribe(jobID types.JobID) (*progress.Subscription[types.AnalysisJobStatus], error) {
	if !e.jobs.Has(jobID) {
		return nil, jobmanager.ErrJobNotFound
	}
	return e.bus.Subscribe(jobID), nil
}

// Stats counts jobs per status.
func (e *Engine) Stats() map[types.JobStatus]int {
	return e.jobs.Stats()
}

// Cleanup removes terminal jobs last updated more than maxAge ago.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	removed := e.jobs.Cleanup(e.now(), maxAge)
	for _, id := range removed {
		e.bus.Remove(id)
	}
	if len(removed) > 0 {
		e.log.Info("Analysis jobs cleaned up", "count", len(removed))
	}
	return len(removed)
}

// ============================================================================
// Execution unit
// ============================================================================

// Run is the synchronous body of a job. Failures are recorded on the job;
// the returned error only reports an unknown job.
func (e *Engine) Run(ctx context.Context, jobID types.JobID, sessionID types.SessionID, req types.AnalysisRequest) error {
	j, err := e.jobs.Get(jobID)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, j.cancel)
	defer stop()

	start := time.Now()
	result, err := e.compute(j, sessionID, req)
	if errors.Is(err, errStopped) {
		return nil
	}
	e.finish(jobID, result, err)
	if err == nil {
		e.log.Info("Analysis job completed", "jobID", jobID, "duration", time.Since(start))
	} else {
		e.log.Warn("Analysis job failed", "jobID", jobID, "error", err)
	}
	return nil
}

var errStopped = errors.New("stopped")

// step publishes progress p. It returns errStopped once the job has been
// cancelled; a job stopped by shutdown is closed here as an error.
func (e *Engine) step(j *job, p float64, running bool) error {
	j.mu.Lock()
	if j.status.Status.IsTerminal() {
		j.mu.Unlock()
		return errStopped
	}
	if j.ctx.Err() != nil {
		j.status.Status = types.StatusError
		j.status.Error = InterruptedMessage
		j.status.Progress = 1
	} else {
		if running {
			j.status.Status = types.StatusRunning
		}
		j.status.Progress = p
	}
	j.status.UpdatedAt = e.now()
	st := j.status
	j.mu.Unlock()

	e.bus.Publish(st.JobID, st)
	if st.Status.IsTerminal() {
		e.metrics.RecordAnalysisJob(string(types.StatusError))
		return errStopped
	}
	return nil
}

func (e *Engine) finish(jobID types.JobID, result *types.AnalysisResult, err error) {
	j, gerr := e.jobs.Get(jobID)
	if gerr != nil {
		return
	}
	j.mu.Lock()
	if j.status.Status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	j.status.Progress = 1
	j.status.UpdatedAt = e.now()
	if err != nil {
		j.status.Status = types.StatusError
		j.status.Error = err.Error()
	} else {
		j.status.Status = types.StatusCompleted
		j.status.Result = result
	}
	st := j.status
	j.mu.Unlock()

	e.bus.Publish(jobID, st)
	e.metrics.RecordAnalysisJob(string(st.Status))
}

func (e *Engine) compute(j *job, sessionID types.SessionID, req types.AnalysisRequest) (*types.AnalysisResult, error) {
	if err := e.step(j, progressStarted, true); err != nil {
		return nil, err
	}

	epochs, err := e.sessions.EpochsCopy(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNoEpochs) {
			return nil, fmt.Errorf("epochs are required for time-frequency analysis: %w", err)
		}
		return nil, err
	}
	defer func() {
		if r, ok := epochs.(signal.Releaser); ok {
			r.Release()
		}
	}()

	plan, err := newPlan(epochs.Info(), req)
	if err != nil {
		return nil, err
	}
	if err := e.step(j, progressValidated, false); err != nil {
		return nil, err
	}

	sum, times, total, err := e.decompose(j, epochs, plan)
	if err != nil {
		return nil, err
	}
	if err := e.step(j, progressAveraged, false); err != nil {
		return nil, err
	}

	byChannel := make([][][]float64, len(sum))
	for ci, plane := range sum {
		byChannel[ci] = make([][]float64, len(plane))
		for fi, row := range plane {
			avg := append([]float64(nil), row...)
			floats.Scale(1/float64(total), avg)
			byChannel[ci][fi] = avg
		}
	}
	power := channelMean(byChannel)

	timesMs := make([]float64, len(times))
	for i, t := range times {
		timesMs[i] = t * 1000
	}

	result := &types.AnalysisResult{
		Times:          timesMs,
		Freqs:          plan.freqs,
		Power:          power,
		ChannelNames:   plan.channelNames,
		PowerByChannel: byChannel,
		NCyclesUsed:    plan.nCycles,
		RenderMode:     types.RenderData,
	}
	if req.RenderMode == types.RenderImage {
		if err := e.render(j, result, req); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) decompose(j *job, epochs signal.Epochs, plan plan) ([][][]float64, []float64, int, error) {
	n := len(plan.epochs)
	size := n
	if n >= 2*e.batchSize {
		size = e.batchSize
	}

	var sum [][][]float64
	var times []float64
	total := 0
	for lo := 0; lo < n; lo += size {
		if err := e.checkpoint(j); err != nil {
			return nil, nil, 0, err
		}
		hi := min(lo+size, n)

		batchStart := time.Now()
		pb, err := e.tf.Morlet(context.WithoutCancel(j.ctx), epochs, signal.MorletRequest{
			Epochs:       plan.epochs[lo:hi],
			Picks:        plan.picks,
			Freqs:        plan.freqs,
			NCycles:      plan.nCycles,
			Decim:        plan.decim,
			Baseline:     plan.baseline,
			BaselineMode: plan.baselineMode,
		})
		if err != nil {
			return nil, nil, 0, fmt.Errorf("morlet decomposition: %w", err)
		}
		e.metrics.ObserveAnalysisBatch(time.Since(batchStart).Seconds())

		if sum == nil {
			sum, times = pb.Sum, pb.Times
		} else {
			for ci := range sum {
				for fi := range sum[ci] {
					floats.Add(sum[ci][fi], pb.Sum[ci][fi])
				}
			}
		}
		total += hi - lo

		p := progressValidated + progressComputeW*float64(total)/float64(max(1, n))
		if err := e.step(j, p, false); err != nil {
			return nil, nil, 0, err
		}
	}
	if sum == nil || total == 0 {
		return nil, nil, 0, fmt.Errorf("time-frequency computation produced no epochs")
	}
	return sum, times, total, nil
}

func (e *Engine) render(j *job, result *types.AnalysisResult, req types.AnalysisRequest) error {
	if err := e.step(j, progressRendering, false); err != nil {
		return err
	}
	vmin, vmax := ColorRange(result.PowerByChannel, req.Colormap, req.VMin, req.VMax)
	format := req.ImageFormat
	if format == "" {
		format = FormatPNG
	}
	base := Heatmap{
		Times:    result.Times,
		Freqs:    result.Freqs,
		VMin:     vmin,
		VMax:     vmax,
		Colormap: req.Colormap,
		Unit:     UnitLabel(req.BaselineMode),
	}

	overview := base
	overview.Title = fmt.Sprintf("ROI Average (%d channels)", len(result.ChannelNames))
	overview.Power = result.Power
	overview.Width, overview.Height = overviewWidth, overviewHeight
	img, err := Render(format, overview)
	if err != nil {
		return fmt.Errorf("render overview: %w", err)
	}

	images := make(map[string]string, len(result.ChannelNames))
	for ci, name := range result.ChannelNames {
		if err := e.checkpoint(j); err != nil {
			return err
		}
		h := base
		h.Title = name
		h.Power = result.PowerByChannel[ci]
		h.Width, h.Height = channelWidth, channelHeight
		chImg, err := Render(format, h)
		if err != nil {
			return fmt.Errorf("render %s: %w", name, err)
		}
		images[name] = chImg

		p := progressRendering + progressRenderW*float64(ci+1)/float64(len(result.ChannelNames))
		if err := e.step(j, p, false); err != nil {
			return err
		}
	}

	result.Image = img
	result.ImagesByChannel = images
	result.ImageFormat = format
	result.VMin, result.VMax = &vmin, &vmax
	result.RenderMode = types.RenderImage
	return nil
}

// checkpoint reports errStopped when the job was cancelled or the pool is
// shutting down.
func (e *Engine) checkpoint(j *job) error {
	j.mu.Lock()
	terminal := j.status.Status.IsTerminal()
	p := j.status.Progress
	j.mu.Unlock()
	if terminal {
		return errStopped
	}
	if j.ctx.Err() != nil {
		return e.step(j, p, false)
	}
	return nil
}

func channelMean(byChannel [][][]float64) [][]float64 {
	if len(byChannel) == 0 {
		return nil
	}
	out := make([][]float64, len(byChannel[0]))
	for fi := range out {
		row := make([]float64, len(byChannel[0][fi]))
		for _, plane := range byChannel {
			floats.Add(row, plane[fi])
		}
		floats.Scale(1/float64(len(byChannel)), row)
		out[fi] = row
	}
	return out
}

// ============================================================================
// Request planning
// ============================================================================

type plan struct {
	epochs       []int
	picks        []int
	channelNames []string
	freqs        []float64
	nCycles      float64
	decim        int
	baseline     *[2]float64
	baselineMode string
}

// newPlan validates req against the epochs and fixes every parameter of
// the decomposition.
func newPlan(info signal.EpochsInfo, req types.AnalysisRequest) (plan, error) {
	var p plan
	if len(req.Channels) == 0 {
		return p, ErrNoChannels
	}

	for i := 0; i < info.Count; i++ {
		if req.EventID == nil || (i < len(info.EventCodes) && info.EventCodes[i] == *req.EventID) {
			p.epochs = append(p.epochs, i)
		}
	}
	if len(p.epochs) == 0 {
		if req.EventID != nil {
			return p, fmt.Errorf("%w %d", ErrNoMatchingEpochs, *req.EventID)
		}
		return p, fmt.Errorf("%w: epochs are empty", ErrNoMatchingEpochs)
	}

	index := make(map[string]int, len(info.ChannelNames))
	for i, name := range info.ChannelNames {
		index[name] = i
	}
	seen := make(map[string]bool, len(req.Channels))
	for _, ch := range req.Channels {
		if i, ok := index[ch]; ok && !seen[ch] {
			seen[ch] = true
			p.picks = append(p.picks, i)
			p.channelNames = append(p.channelNames, ch)
		}
	}
	if len(p.picks) == 0 {
		return p, ErrUnknownChannels
	}

	if req.FMax <= req.FMin {
		return p, ErrFrequencyRange
	}
	p.freqs = Frequencies(req.FMin, req.FMax)

	p.decim = req.Decim
	if p.decim <= 0 {
		p.decim = 2
	}

	epochLen := info.TMax - info.TMin
	if epochLen <= 0 {
		return p, ErrEpochWindow
	}
	p.nCycles = ClampCycles(req.NCycles, epochLen, p.freqs[0])

	p.baseline = req.Baseline
	p.baselineMode = req.BaselineMode
	return p, nil
}

// Frequencies returns 1 Hz steps from fmin to fmax inclusive, or 8 linearly
// spaced values when that yields fewer than two.
func Frequencies(fmin, fmax float64) []float64 {
	var out []float64
	for f := fmin; f <= fmax+1e-6; f++ {
		out = append(out, f)
	}
	if len(out) >= 2 {
		return out
	}
	out = make([]float64, 8)
	floats.Span(out, fmin, fmax)
	return out
}

// ClampCycles bounds the wavelet cycle count so the longest wavelet fits in
// the epoch: max(1, epochLen*fmin*0.9).
func ClampCycles(nCycles, epochLen, fmin float64) float64 {
	limit := math.Max(1, epochLen*fmin*0.9)
	if nCycles > limit {
		return limit
	}
	return nCycles
}
