package analysis

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eegflow/internal/jobmanager"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/progress"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/internal/signal/memsignal"
	"github.com/ChuLiYu/eegflow/internal/worker"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixture struct {
	engine   *Engine
	sessions *session.Service
	pool     *worker.Pool
}

func newFixture(t *testing.T, backend *memsignal.Backend) fixture {
	t.Helper()
	m := metrics.NewCollector(prometheus.NewRegistry())
	sessions := session.NewService(session.NewRegistry(session.Options{}), backend, m, nil)
	t.Cleanup(sessions.Registry().Close)

	pool := worker.NewPool(8, nil)
	require.NoError(t, pool.Start(2))
	t.Cleanup(pool.Stop)

	engine := New(Options{Sessions: sessions, TF: backend, Pool: pool, Metrics: m, BatchSize: 2})
	return fixture{engine: engine, sessions: sessions, pool: pool}
}

// epochedSession loads six channels (Fp1..C4) for 8 s at 100 Hz and cuts seven
// epochs of [-0.2, 0.8] s.
func epochedSession(t *testing.T, fx fixture) types.SessionID {
	t.Helper()
	info, err := fx.sessions.Load(testContext(t), "synthetic:6x8x100")
	require.NoError(t, err)
	reject := 1e6
	_, err = fx.sessions.CreateEpochs(testContext(t), info.SessionID, signal.EpochParams{
		EventIDs: []int{1, 2}, TMin: -0.2, TMax: 0.8,
		Baseline: &[2]float64{-0.2, 0}, RejectThreshold: &reject,
	})
	require.NoError(t, err)
	return info.SessionID
}

func request(channels ...string) types.AnalysisRequest {
	req := types.DefaultAnalysisRequest()
	req.Channels = channels
	req.FMin, req.FMax = 8, 12
	req.NCycles = 3
	req.Baseline = &[2]float64{-0.2, 0}
	return req
}

func waitTerminal(t *testing.T, e *Engine, id types.JobID) types.AnalysisJobStatus {
	t.Helper()
	var st types.AnalysisJobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = e.Status(id)
		require.NoError(t, err)
		return st.Status.IsTerminal()
	}, 10*time.Second, 5*time.Millisecond)
	return st
}

func drain(t *testing.T, sub *progress.Subscription[types.AnalysisJobStatus]) []types.AnalysisJobStatus {
	t.Helper()
	var got []types.AnalysisJobStatus
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s, ok := <-sub.C:
			if !ok {
				return got
			}
			got = append(got, s)
		case <-timeout:
			t.Fatalf("progress stream did not finish, %d events so far", len(got))
			return got
		}
	}
}

// ============================================================================
// Data mode
// ============================================================================

func TestRunProducesAveragedPower(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	sid := epochedSession(t, fx)

	id, err := fx.engine.Start(sid, request("C3", "Fp1"))
	require.NoError(t, err)
	sub, err := fx.engine.Subscribe(id)
	require.NoError(t, err)
	defer sub.Close()

	events := drain(t, sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, types.StatusCompleted, last.Status, last.Error)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
	assert.InDelta(t, 1.0, last.Progress, 1e-9)

	res := last.Result
	require.NotNil(t, res)
	assert.Equal(t, []string{"C3", "Fp1"}, res.ChannelNames, "requested order is kept")
	assert.Equal(t, []float64{8, 9, 10, 11, 12}, res.Freqs)
	assert.Equal(t, types.RenderData, res.RenderMode)
	assert.Empty(t, res.Image)

	require.Len(t, res.PowerByChannel, 2)
	require.Len(t, res.Power, len(res.Freqs))
	require.NotEmpty(t, res.Times)
	assert.InDelta(t, -200, res.Times[0], 1e-6, "times are in ms")
	for fi := range res.Power {
		require.Len(t, res.Power[fi], len(res.Times))
		for ti := range res.Power[fi] {
			mean := (res.PowerByChannel[0][fi][ti] + res.PowerByChannel[1][fi][ti]) / 2
			assert.InDelta(t, mean, res.Power[fi][ti], 1e-9)
		}
	}
}

func TestNCyclesAreClampedToEpochLength(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	sid := epochedSession(t, fx)

	req := request("C3")
	req.FMin, req.FMax = 2, 6
	req.NCycles = 7

	id, err := fx.engine.Start(sid, req)
	require.NoError(t, err)
	st := waitTerminal(t, fx.engine, id)
	require.Equal(t, types.StatusCompleted, st.Status, st.Error)
	// 1 s epoch * 2 Hz * 0.9
	assert.InDelta(t, 1.8, st.Result.NCyclesUsed, 1e-9)
}

func TestEventFilterSelectsEpochs(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	sid := epochedSession(t, fx)

	code := 2
	req := request("C3")
	req.EventID = &code
	id, err := fx.engine.Start(sid, req)
	require.NoError(t, err)
	st := waitTerminal(t, fx.engine, id)
	assert.Equal(t, types.StatusCompleted, st.Status, st.Error)

	missing := 9
	req.EventID = &missing
	id, err = fx.engine.Start(sid, req)
	require.NoError(t, err)
	st = waitTerminal(t, fx.engine, id)
	assert.Equal(t, types.StatusError, st.Status)
	assert.Contains(t, st.Error, "no epochs for event 9")
}

// ============================================================================
// Image mode
// ============================================================================

func TestImageModeRendersEveryChannel(t *testing.T) {
	tests := []struct {
		name   string
		format string
		magic  string
	}{
		{"png", FormatPNG, "\x89PNG"},
		{"svg", FormatSVG, "<?xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, memsignal.New())
			sid := epochedSession(t, fx)

			req := request("C3", "C4")
			req.RenderMode = types.RenderImage
			req.ImageFormat = tt.format
			id, err := fx.engine.Start(sid, req)
			require.NoError(t, err)

			st := waitTerminal(t, fx.engine, id)
			require.Equal(t, types.StatusCompleted, st.Status, st.Error)
			res := st.Result
			assert.Equal(t, types.RenderImage, res.RenderMode)
			assert.Equal(t, tt.format, res.ImageFormat)
			require.NotNil(t, res.VMin)
			require.NotNil(t, res.VMax)
			assert.InDelta(t, -*res.VMax, *res.VMin, 1e-9, "RdBu_r range is symmetric")

			raw, err := base64.StdEncoding.DecodeString(res.Image)
			require.NoError(t, err)
			assert.Equal(t, tt.magic, string(raw[:len(tt.magic)]))
			require.Len(t, res.ImagesByChannel, 2)
			for _, ch := range []string{"C3", "C4"} {
				img, err := base64.StdEncoding.DecodeString(res.ImagesByChannel[ch])
				require.NoError(t, err, ch)
				assert.Equal(t, tt.magic, string(img[:len(tt.magic)]))
			}
		})
	}
}

// ============================================================================
// Failures
// ============================================================================

func TestStartValidation(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	sid := epochedSession(t, fx)

	bad := request()
	_, err := fx.engine.Start(sid, bad)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	neg := request("C3")
	neg.FMin = -1
	_, err = fx.engine.Start(sid, neg)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = fx.engine.Start("missing", request("C3"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestJobErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*types.AnalysisRequest)
		noEpoch bool
		want    string
	}{
		{name: "unknown channels", mutate: func(r *types.AnalysisRequest) { r.Channels = []string{"X1", "X2"} }, want: ErrUnknownChannels.Error()},
		{name: "inverted range", mutate: func(r *types.AnalysisRequest) { r.FMin, r.FMax = 20, 10 }, want: ErrFrequencyRange.Error()},
		{name: "no epochs", noEpoch: true, want: "epochs are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, memsignal.New())
			var sid types.SessionID
			if tt.noEpoch {
				info, err := fx.sessions.Load(testContext(t), "synthetic:2x4x100")
				require.NoError(t, err)
				sid = info.SessionID
			} else {
				sid = epochedSession(t, fx)
			}
			req := request("C3")
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			id, err := fx.engine.Start(sid, req)
			require.NoError(t, err)
			st := waitTerminal(t, fx.engine, id)
			assert.Equal(t, types.StatusError, st.Status)
			assert.Contains(t, st.Error, tt.want)
			assert.InDelta(t, 1.0, st.Progress, 1e-9)
			assert.Nil(t, st.Result)
		})
	}
}

func TestBackendFailureIsReported(t *testing.T) {
	backend := memsignal.New()
	backend.Inject = func(op string) error {
		if op == "morlet" {
			return errors.New("toolbox crashed")
		}
		return nil
	}
	fx := newFixture(t, backend)
	sid := epochedSession(t, fx)

	id, err := fx.engine.Start(sid, request("C3"))
	require.NoError(t, err)
	st := waitTerminal(t, fx.engine, id)
	assert.Equal(t, types.StatusError, st.Status)
	assert.Contains(t, st.Error, "toolbox crashed")
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancelRunningJob(t *testing.T) {
	backend := memsignal.New()
	fx := newFixture(t, backend)
	sid := epochedSession(t, fx)
	backend.Delay = 30 * time.Millisecond

	id, err := fx.engine.Start(sid, request("C3"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := fx.engine.Status(id)
		return st.Status == types.StatusRunning
	}, 5*time.Second, time.Millisecond)

	assert.True(t, fx.engine.Cancel(id))
	st, err := fx.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, st.Status)
	assert.Equal(t, CancelledMessage, st.Error)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)

	// the unit stops at its next checkpoint and leaves the status alone
	time.Sleep(200 * time.Millisecond)
	after, err := fx.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, CancelledMessage, after.Error)
	assert.Nil(t, after.Result)

	assert.False(t, fx.engine.Cancel(id), "already terminal")
	assert.False(t, fx.engine.Cancel("missing"))
}

func TestCancelPendingJob(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	id := fx.engine.CreateJob()

	st, err := fx.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, st.Status)

	require.True(t, fx.engine.Cancel(id))
	require.NoError(t, fx.engine.Run(testContext(t), id, "ignored", request("C3")))
	st, err = fx.engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, CancelledMessage, st.Error)
}

func TestRunUnknownJob(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	err := fx.engine.Run(testContext(t), "missing", "s", request("C3"))
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)

	_, err = fx.engine.Subscribe("missing")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	fx := newFixture(t, memsignal.New())
	done := fx.engine.CreateJob()
	pending := fx.engine.CreateJob()
	require.True(t, fx.engine.Cancel(done))

	fx.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, fx.engine.Cleanup(time.Hour))

	_, err := fx.engine.Status(done)
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
	_, err = fx.engine.Status(pending)
	assert.NoError(t, err)
	assert.Equal(t, 1, fx.engine.Stats()[types.StatusPending])
}

// ============================================================================
// Planning helpers
// ============================================================================

func TestFrequencies(t *testing.T) {
	tests := []struct {
		name       string
		fmin, fmax float64
		want       []float64
	}{
		{"integer steps", 4, 8, []float64{4, 5, 6, 7, 8}},
		{"fractional start", 4.5, 7, []float64{4.5, 5.5, 6.5}},
		{"narrow band falls back to linspace", 10, 10.5, []float64{10, 10 + 0.5/7, 10 + 1.0/7, 10 + 1.5/7, 10 + 2.0/7, 10 + 2.5/7, 10 + 3.0/7, 10.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Frequencies(tt.fmin, tt.fmax)
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
			}
		})
	}
}

func TestClampCycles(t *testing.T) {
	assert.InDelta(t, 3.0, ClampCycles(3, 1, 10), 1e-9)
	assert.InDelta(t, 1.8, ClampCycles(7, 1, 2), 1e-9)
	assert.InDelta(t, 1.0, ClampCycles(7, 0.1, 1), 1e-9)
}
