package memsignal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ChuLiYu/eegflow/internal/signal"
)

// ErrUnknownMontage is returned by SetMontage for layouts it does not know.
var ErrUnknownMontage = errors.New("unknown montage")

// artifactLabels maps component labels to the index the stand-in ICA reports.
var artifactLabels = map[string]int{
	"eyeBlink":     0,
	"muscle":       1,
	"heart":        2,
	"channelNoise": 3,
}

// Filter applies a moving-average high-pass and low-pass pair. The notch
// frequency is validated but leaves the data untouched.
func (b *Backend) Filter(ctx context.Context, raw signal.Raw, p signal.FilterParams) error {
	if err := b.enter("filter"); err != nil {
		return err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return err
	}
	nyquist := rec.rate / 2
	if p.LowFreq != nil && *p.LowFreq <= 0 {
		return fmt.Errorf("low cutoff must be positive, got %g", *p.LowFreq)
	}
	if p.HighFreq != nil && (*p.HighFreq <= 0 || *p.HighFreq >= nyquist) {
		return fmt.Errorf("high cutoff %g outside (0, %g)", *p.HighFreq, nyquist)
	}
	if p.LowFreq != nil && p.HighFreq != nil && *p.LowFreq >= *p.HighFreq {
		return fmt.Errorf("low cutoff %g must be below high cutoff %g", *p.LowFreq, *p.HighFreq)
	}
	if p.NotchFreq != nil && (*p.NotchFreq <= 0 || *p.NotchFreq >= nyquist) {
		return fmt.Errorf("notch frequency %g outside (0, %g)", *p.NotchFreq, nyquist)
	}

	for c, row := range rec.data {
		if p.LowFreq != nil {
			trend := movingAverage(row, windowFor(rec.rate, *p.LowFreq))
			floats.Sub(row, trend)
		}
		if p.HighFreq != nil {
			rec.data[c] = movingAverage(row, windowFor(rec.rate, *p.HighFreq))
		}
	}
	return nil
}

// Resample linearly interpolates every channel to the target rate.
func (b *Backend) Resample(ctx context.Context, raw signal.Raw, p signal.ResampleParams) error {
	if err := b.enter("resample"); err != nil {
		return err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return err
	}
	if p.TargetRate <= 0 {
		return fmt.Errorf("target sample rate must be positive, got %g", p.TargetRate)
	}
	ratio := p.TargetRate / rec.rate
	n := int(math.Round(float64(rec.samples()) * ratio))
	if n < 1 {
		return fmt.Errorf("resampling to %g Hz leaves no samples", p.TargetRate)
	}
	for c, row := range rec.data {
		out := make([]float64, n)
		for i := range out {
			pos := float64(i) / ratio
			lo := int(math.Floor(pos))
			if lo >= len(row)-1 {
				out[i] = row[len(row)-1]
				continue
			}
			frac := pos - float64(lo)
			out[i] = row[lo]*(1-frac) + row[lo+1]*frac
		}
		rec.data[c] = out
	}
	for i := range rec.events {
		s := int(math.Round(float64(rec.events[i].Sample) * ratio))
		if s >= n {
			s = n - 1
		}
		rec.events[i].Sample = s
	}
	rec.rate = p.TargetRate
	return nil
}

// Rereference subtracts the mean of the reference channels from every channel.
func (b *Backend) Rereference(ctx context.Context, raw signal.Raw, p signal.RereferenceParams) error {
	if err := b.enter("rereference"); err != nil {
		return err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return err
	}

	var refs []int
	switch p.Method {
	case "", "average":
		for i, ch := range rec.channels {
			if !contains(rec.bads, ch) {
				refs = append(refs, i)
			}
		}
	case "a1a2":
		for _, name := range []string{"A1", "A2"} {
			i := indexFold(rec.channels, name)
			if i < 0 {
				return fmt.Errorf("reference channel %s not present", name)
			}
			refs = append(refs, i)
		}
	case "custom":
		if len(p.CustomRef) == 0 {
			return fmt.Errorf("custom reference needs at least one channel")
		}
		for _, name := range p.CustomRef {
			i := rec.channelIndex(name)
			if i < 0 {
				return fmt.Errorf("reference channel %s not present", name)
			}
			refs = append(refs, i)
		}
	default:
		return fmt.Errorf("unknown reference method %q", p.Method)
	}
	if len(refs) == 0 {
		return fmt.Errorf("no usable reference channels")
	}

	ref := make([]float64, rec.samples())
	for _, i := range refs {
		floats.Add(ref, rec.data[i])
	}
	floats.Scale(1/float64(len(refs)), ref)
	for _, row := range rec.data {
		floats.Sub(row, ref)
	}
	return nil
}

// RemoveArtifacts reports the components matching the requested labels. The
// stand-in decomposition leaves the data unchanged.
func (b *Backend) RemoveArtifacts(ctx context.Context, raw signal.Raw, p signal.ArtifactParams) ([]int, error) {
	if err := b.enter("ica"); err != nil {
		return nil, err
	}
	if _, err := asRecording(raw); err != nil {
		return nil, err
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return nil, fmt.Errorf("threshold %g outside [0, 1]", p.Threshold)
	}
	var excluded []int
	for _, label := range p.ExcludeLabels {
		idx, ok := artifactLabels[label]
		if !ok {
			return nil, fmt.Errorf("unknown artifact label %q", label)
		}
		excluded = append(excluded, idx)
	}
	return excluded, nil
}

// Crop keeps [TMin, TMax] seconds of the recording.
func (b *Backend) Crop(ctx context.Context, raw signal.Raw, p signal.CropParams) error {
	if err := b.enter("crop"); err != nil {
		return err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return err
	}
	duration := float64(rec.samples()) / rec.rate
	tmax := duration
	if p.TMax != nil {
		tmax = *p.TMax
	}
	if p.TMin < 0 || tmax > duration || p.TMin >= tmax {
		return fmt.Errorf("crop window [%g, %g] outside recording of %g s", p.TMin, tmax, duration)
	}

	start := int(math.Round(p.TMin * rec.rate))
	stop := int(math.Round(tmax * rec.rate))
	if stop > rec.samples() {
		stop = rec.samples()
	}
	for c, row := range rec.data {
		rec.data[c] = append([]float64(nil), row[start:stop]...)
	}
	kept := rec.events[:0]
	for _, ev := range rec.events {
		if ev.Sample >= start && ev.Sample < stop {
			ev.Sample -= start
			kept = append(kept, ev)
		}
	}
	rec.events = kept
	return nil
}

// CreateEpochs cuts [TMin, TMax] windows around matching events, applies the
// baseline correction and drops epochs over the peak-to-peak threshold.
func (b *Backend) CreateEpochs(ctx context.Context, raw signal.Raw, p signal.EpochParams) (signal.Epochs, error) {
	if err := b.enter("epochs"); err != nil {
		return nil, err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return nil, err
	}
	if p.TMin >= p.TMax {
		return nil, fmt.Errorf("epoch window tmin %g must be below tmax %g", p.TMin, p.TMax)
	}
	if len(rec.events) == 0 {
		return nil, fmt.Errorf("recording has no events")
	}

	before := int(math.Round(-p.TMin * rec.rate))
	length := int(math.Round((p.TMax-p.TMin)*rec.rate)) + 1
	es := &EpochSet{
		channels: append([]string(nil), rec.channels...),
		rate:     rec.rate,
		tmin:     p.TMin,
		tmax:     p.TMax,
	}

	for _, ev := range rec.events {
		if len(p.EventIDs) > 0 && !containsInt(p.EventIDs, ev.Code) {
			continue
		}
		start := ev.Sample - before
		if start < 0 || start+length > rec.samples() {
			continue
		}
		epoch := make([][]float64, len(rec.channels))
		for c, row := range rec.data {
			epoch[c] = append([]float64(nil), row[start:start+length]...)
		}
		if p.Baseline != nil {
			lo := int(math.Round((p.Baseline[0] - p.TMin) * rec.rate))
			hi := int(math.Round((p.Baseline[1] - p.TMin) * rec.rate))
			if lo < 0 {
				lo = 0
			}
			if hi >= length {
				hi = length - 1
			}
			if lo <= hi {
				for _, row := range epoch {
					floats.AddConst(-stat.Mean(row[lo:hi+1], nil), row)
				}
			}
		}
		if p.RejectThreshold != nil && peakToPeak(epoch) > *p.RejectThreshold {
			continue
		}
		es.data = append(es.data, epoch)
		es.codes = append(es.codes, ev.Code)
	}

	if len(es.data) == 0 {
		return nil, fmt.Errorf("no epochs left after event selection and rejection")
	}
	return es, nil
}

// SetMontage matches channel names against a standard 10-20 layout.
func (b *Backend) SetMontage(ctx context.Context, raw signal.Raw, p signal.MontageParams) (signal.MontageMatch, error) {
	if err := b.enter("montage"); err != nil {
		return signal.MontageMatch{}, err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return signal.MontageMatch{}, err
	}
	switch p.Name {
	case "standard_1020", "standard_1005":
	default:
		return signal.MontageMatch{}, fmt.Errorf("%w: %s", ErrUnknownMontage, p.Name)
	}

	var m signal.MontageMatch
	for _, ch := range rec.channels {
		if indexFold(standard1020, ch) >= 0 {
			m.Matched = append(m.Matched, ch)
		} else {
			m.Unmatched = append(m.Unmatched, ch)
		}
	}
	if len(m.Matched) == 0 {
		return m, fmt.Errorf("no channel matches montage %s", p.Name)
	}
	rec.montage = p.Name
	return m, nil
}

// SetBadChannel marks or unmarks a channel as bad.
func (b *Backend) SetBadChannel(ctx context.Context, raw signal.Raw, channel string, bad bool) error {
	if err := b.enter("bad_channel"); err != nil {
		return err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return err
	}
	if rec.channelIndex(channel) < 0 {
		return fmt.Errorf("channel %s not present", channel)
	}
	has := contains(rec.bads, channel)
	switch {
	case bad && !has:
		rec.bads = append(rec.bads, channel)
	case !bad && has:
		kept := rec.bads[:0]
		for _, ch := range rec.bads {
			if ch != channel {
				kept = append(kept, ch)
			}
		}
		rec.bads = kept
	}
	return nil
}

// RenameEvents attaches labels to event codes.
func (b *Backend) RenameEvents(ctx context.Context, raw signal.Raw, mapping map[int]string) error {
	if err := b.enter("rename_events"); err != nil {
		return err
	}
	rec, err := asRecording(raw)
	if err != nil {
		return err
	}
	if len(mapping) == 0 {
		return fmt.Errorf("event mapping is empty")
	}
	renamed := 0
	for i, ev := range rec.events {
		if label, ok := mapping[ev.Code]; ok {
			rec.events[i].Label = label
			renamed++
		}
	}
	if renamed == 0 {
		return fmt.Errorf("no event matches the mapping")
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func windowFor(rate, cutoff float64) int {
	w := int(math.Round(rate / cutoff))
	if w < 1 {
		w = 1
	}
	return w
}

// movingAverage returns the centred running mean of x over w samples.
func movingAverage(x []float64, w int) []float64 {
	out := make([]float64, len(x))
	if w <= 1 {
		copy(out, x)
		return out
	}
	half := w / 2
	for i := range x {
		lo, hi := i-half, i+half+1
		if lo < 0 {
			lo = 0
		}
		if hi > len(x) {
			hi = len(x)
		}
		out[i] = floats.Sum(x[lo:hi]) / float64(hi-lo)
	}
	return out
}

func peakToPeak(epoch [][]float64) float64 {
	worst := 0.0
	for _, row := range epoch {
		if ptp := floats.Max(row) - floats.Min(row); ptp > worst {
			worst = ptp
		}
	}
	return worst
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func indexFold(list []string, s string) int {
	for i, v := range list {
		if strings.EqualFold(v, s) {
			return i
		}
	}
	return -1
}
