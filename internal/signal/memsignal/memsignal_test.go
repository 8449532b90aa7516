package memsignal

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eegflow/internal/signal"
)

func f64(v float64) *float64 { return &v }

func TestLoadSynthetic(t *testing.T) {
	b := New()
	raw, err := b.Load(context.Background(), "synthetic:4x10x100")
	require.NoError(t, err)

	info := raw.Info()
	assert.Equal(t, []string{"Fp1", "Fp2", "F3", "F4"}, info.ChannelNames)
	assert.Equal(t, 100.0, info.SampleRate)
	assert.Equal(t, 1000, info.Samples)
	assert.InDelta(t, 10.0, info.Duration, 1e-9)
	assert.Equal(t, 9, info.EventCount)
}

func TestLoadInvalidPaths(t *testing.T) {
	b := New()
	tests := []struct {
		name string
		path string
	}{
		{"bad synthetic spec", "synthetic:abc"},
		{"zero channels", "synthetic:0x10x100"},
		{"missing file", filepath.Join(t.TempDir(), "missing.json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Load(context.Background(), tt.path)
			assert.Error(t, err)
		})
	}
}

func TestWriteRecordingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.json")
	rec := Synthetic(3, 2, 50, 7)
	require.NoError(t, WriteRecording(path, rec))

	raw, err := New().Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, rec.Info(), raw.Info())
	assert.Equal(t, rec.Data(0), raw.(*Recording).Data(0))
}

func TestCopyIsIndependent(t *testing.T) {
	rec := Synthetic(2, 1, 100, 1)
	cp := rec.Copy().(*Recording)

	require.NoError(t, New().SetBadChannel(context.Background(), rec, "Fp1", true))
	rec.data[0][0] = 12345

	assert.Empty(t, cp.Info().Bads)
	assert.NotEqual(t, 12345.0, cp.data[0][0])
}

func TestFilterValidation(t *testing.T) {
	b := New()
	tests := []struct {
		name    string
		params  signal.FilterParams
		wantErr bool
	}{
		{"band pass", signal.FilterParams{LowFreq: f64(1), HighFreq: f64(40)}, false},
		{"low only", signal.FilterParams{LowFreq: f64(0.5)}, false},
		{"inverted band", signal.FilterParams{LowFreq: f64(30), HighFreq: f64(10)}, true},
		{"above nyquist", signal.FilterParams{HighFreq: f64(60)}, true},
		{"bad notch", signal.FilterParams{NotchFreq: f64(80)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Synthetic(2, 2, 100, 3)
			err := b.Filter(context.Background(), rec, tt.params)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 200, rec.Info().Samples)
		})
	}
}

func TestResample(t *testing.T) {
	rec := Synthetic(4, 10, 100, 1)
	require.NoError(t, New().Resample(context.Background(), rec, signal.ResampleParams{TargetRate: 50}))

	info := rec.Info()
	assert.Equal(t, 50.0, info.SampleRate)
	assert.Equal(t, 500, info.Samples)
	assert.Equal(t, 50, rec.Events()[0].Sample)
}

func TestRereferenceAverageZeroesMean(t *testing.T) {
	rec := Synthetic(4, 1, 100, 2)
	require.NoError(t, New().Rereference(context.Background(), rec, signal.RereferenceParams{Method: "average"}))

	for i := 0; i < rec.samples(); i++ {
		sum := 0.0
		for c := range rec.data {
			sum += rec.data[c][i]
		}
		assert.InDelta(t, 0, sum, 1e-9)
	}
}

func TestRereferenceErrors(t *testing.T) {
	b := New()
	rec := Synthetic(4, 1, 100, 2)
	assert.Error(t, b.Rereference(context.Background(), rec, signal.RereferenceParams{Method: "a1a2"}))
	assert.Error(t, b.Rereference(context.Background(), rec, signal.RereferenceParams{Method: "custom", CustomRef: []string{"Cz"}}))
	assert.Error(t, b.Rereference(context.Background(), rec, signal.RereferenceParams{Method: "bogus"}))
}

func TestCrop(t *testing.T) {
	rec := Synthetic(2, 10, 100, 1)
	require.NoError(t, New().Crop(context.Background(), rec, signal.CropParams{TMin: 2, TMax: f64(5)}))

	info := rec.Info()
	assert.Equal(t, 300, info.Samples)
	for _, ev := range rec.Events() {
		assert.True(t, ev.Sample >= 0 && ev.Sample < 300)
	}

	assert.Error(t, New().Crop(context.Background(), rec, signal.CropParams{TMin: 1, TMax: f64(50)}))
}

func TestCreateEpochs(t *testing.T) {
	rec := Synthetic(3, 10, 100, 1)
	ep, err := New().CreateEpochs(context.Background(), rec, signal.EpochParams{
		EventIDs: []int{1},
		TMin:     -0.2,
		TMax:     0.8,
		Baseline: &[2]float64{-0.2, 0},
	})
	require.NoError(t, err)

	info := ep.Info()
	assert.Equal(t, 5, info.Count)
	for _, code := range info.EventCodes {
		assert.Equal(t, 1, code)
	}
	assert.Len(t, ep.(*EpochSet).times(), 101)
}

func TestCreateEpochsRejectsEverything(t *testing.T) {
	rec := Synthetic(3, 10, 100, 1)
	_, err := New().CreateEpochs(context.Background(), rec, signal.EpochParams{
		TMin:            -0.2,
		TMax:            0.5,
		RejectThreshold: f64(1),
	})
	assert.Error(t, err)
}

func TestSetMontage(t *testing.T) {
	b := New()
	rec, err := NewRecording([]string{"Cz", "X1"}, 100, [][]float64{{0, 1}, {1, 0}}, nil)
	require.NoError(t, err)

	m, err := b.SetMontage(context.Background(), rec, signal.MontageParams{Name: "standard_1020"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cz"}, m.Matched)
	assert.Equal(t, []string{"X1"}, m.Unmatched)
	assert.Equal(t, "standard_1020", rec.Info().Montage)

	_, err = b.SetMontage(context.Background(), rec, signal.MontageParams{Name: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownMontage))
}

func TestRenameEvents(t *testing.T) {
	rec := Synthetic(2, 5, 100, 1)
	b := New()
	require.NoError(t, b.RenameEvents(context.Background(), rec, map[int]string{1: "target"}))
	assert.Equal(t, "target", rec.Events()[0].Label)
	assert.Error(t, b.RenameEvents(context.Background(), rec, map[int]string{99: "none"}))
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	b := New()
	rec := Synthetic(2, 2, 100, 1)

	path := filepath.Join(dir, "out_processed.fif")
	require.NoError(t, b.Export(context.Background(), rec, nil, path, "fif"))
	_, err := os.Stat(path)
	require.NoError(t, err)

	err = b.Export(context.Background(), rec, nil, filepath.Join(dir, "x.bdf"), "bdf")
	assert.True(t, errors.Is(err, signal.ErrUnsupported))
}

func TestInjectFault(t *testing.T) {
	boom := errors.New("boom")
	b := &Backend{Inject: func(op string) error {
		if op == "resample" {
			return boom
		}
		return nil
	}}
	rec := Synthetic(2, 1, 100, 1)
	err := b.Resample(context.Background(), rec, signal.ResampleParams{TargetRate: 50})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 100.0, rec.Info().SampleRate)
}

func TestMorletFindsAlphaPeak(t *testing.T) {
	rec := Synthetic(2, 10, 100, 1)
	b := New()
	ep, err := b.CreateEpochs(context.Background(), rec, signal.EpochParams{TMin: -0.5, TMax: 0.5})
	require.NoError(t, err)

	freqs := []float64{4, 10, 25}
	batch, err := b.Morlet(context.Background(), ep, signal.MorletRequest{
		Epochs:  []int{0, 1, 2},
		Picks:   []int{1, 0},
		Freqs:   freqs,
		NCycles: 3,
		Decim:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Count)
	require.Len(t, batch.Sum, 2)
	require.Len(t, batch.Sum[0], len(freqs))
	assert.Len(t, batch.Times, 51)

	mid := len(batch.Times) / 2
	assert.Greater(t, batch.Sum[0][1][mid], batch.Sum[0][0][mid])
	assert.Greater(t, batch.Sum[0][1][mid], batch.Sum[0][2][mid])
}

func TestMorletBaselineModes(t *testing.T) {
	rec := Synthetic(1, 10, 100, 4)
	b := New()
	ep, err := b.CreateEpochs(context.Background(), rec, signal.EpochParams{TMin: -0.2, TMax: 0.5})
	require.NoError(t, err)

	for _, mode := range []string{"mean", "ratio", "logratio", "percent", "zscore"} {
		t.Run(mode, func(t *testing.T) {
			batch, err := b.Morlet(context.Background(), ep, signal.MorletRequest{
				Epochs:       []int{0},
				Picks:        []int{0},
				Freqs:        []float64{8, 12},
				NCycles:      2,
				Decim:        1,
				Baseline:     &[2]float64{-0.2, 0},
				BaselineMode: mode,
			})
			require.NoError(t, err)
			for _, row := range batch.Sum[0] {
				for _, v := range row {
					assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
				}
			}
		})
	}

	_, err = b.Morlet(context.Background(), ep, signal.MorletRequest{
		Epochs: []int{0}, Picks: []int{0}, Freqs: []float64{8}, NCycles: 2,
		Baseline: &[2]float64{-0.2, 0}, BaselineMode: "weird",
	})
	assert.Error(t, err)
}
