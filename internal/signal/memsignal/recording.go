// ============================================================================
// eegflow memsignal - in-process signal handles
// ============================================================================
//
// Package: internal/signal/memsignal
// File: recording.go
// Function: Plain float-matrix implementations of signal.Raw and signal.Epochs
//
// Data layout:
//   Recording.data  [channel][sample]           amplitudes in µV
//   EpochSet.data   [epoch][channel][sample]    amplitudes in µV
//
// Handles are not safe for concurrent use; the session registry serializes
// every access to the handles it owns.
//
// ============================================================================

package memsignal

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/ChuLiYu/eegflow/internal/signal"
)

// Event marks a stimulus onset inside a recording.
type Event struct {
	Sample int    `json:"sample"`
	Code   int    `json:"code"`
	Label  string `json:"label,omitempty"`
}

// Recording is a continuous multi-channel signal.
type Recording struct {
	channels []string
	rate     float64
	data     [][]float64
	events   []Event
	bads     []string
	montage  string
}

// NewRecording builds a recording from channel-major data. Every row of data
// must have the same length.
func NewRecording(channels []string, rate float64, data [][]float64, events []Event) (*Recording, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("recording has no channels")
	}
	if len(channels) != len(data) {
		return nil, fmt.Errorf("channel count %d does not match data rows %d", len(channels), len(data))
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %g", rate)
	}
	n := len(data[0])
	for i, row := range data {
		if len(row) != n {
			return nil, fmt.Errorf("channel %s has %d samples, want %d", channels[i], len(row), n)
		}
	}
	r := &Recording{
		channels: append([]string(nil), channels...),
		rate:     rate,
		data:     copyMatrix(data),
		events:   append([]Event(nil), events...),
	}
	sort.SliceStable(r.events, func(i, j int) bool { return r.events[i].Sample < r.events[j].Sample })
	return r, nil
}

// Info implements signal.Raw.
func (r *Recording) Info() signal.Info {
	n := r.samples()
	return signal.Info{
		ChannelNames: append([]string(nil), r.channels...),
		SampleRate:   r.rate,
		Samples:      n,
		Duration:     float64(n) / r.rate,
		Bads:         append([]string(nil), r.bads...),
		Montage:      r.montage,
		EventCount:   len(r.events),
	}
}

// Copy implements signal.Raw.
func (r *Recording) Copy() signal.Raw {
	return r.clone()
}

func (r *Recording) clone() *Recording {
	return &Recording{
		channels: append([]string(nil), r.channels...),
		rate:     r.rate,
		data:     copyMatrix(r.data),
		events:   append([]Event(nil), r.events...),
		bads:     append([]string(nil), r.bads...),
		montage:  r.montage,
	}
}

// Events returns a copy of the event list.
func (r *Recording) Events() []Event {
	return append([]Event(nil), r.events...)
}

// Data returns a copy of the samples of channel ch.
func (r *Recording) Data(ch int) []float64 {
	return append([]float64(nil), r.data[ch]...)
}

func (r *Recording) samples() int {
	if len(r.data) == 0 {
		return 0
	}
	return len(r.data[0])
}

func (r *Recording) channelIndex(name string) int {
	for i, ch := range r.channels {
		if ch == name {
			return i
		}
	}
	return -1
}

// EpochSet is a segmented signal cut around events.
type EpochSet struct {
	channels []string
	rate     float64
	tmin     float64
	tmax     float64
	codes    []int
	data     [][][]float64
}

// Info implements signal.Epochs.
func (e *EpochSet) Info() signal.EpochsInfo {
	return signal.EpochsInfo{
		ChannelNames: append([]string(nil), e.channels...),
		SampleRate:   e.rate,
		Count:        len(e.data),
		TMin:         e.tmin,
		TMax:         e.tmax,
		EventCodes:   append([]int(nil), e.codes...),
	}
}

// Copy implements signal.Epochs.
func (e *EpochSet) Copy() signal.Epochs {
	out := &EpochSet{
		channels: append([]string(nil), e.channels...),
		rate:     e.rate,
		tmin:     e.tmin,
		tmax:     e.tmax,
		codes:    append([]int(nil), e.codes...),
		data:     make([][][]float64, len(e.data)),
	}
	for i, ep := range e.data {
		out.data[i] = copyMatrix(ep)
	}
	return out
}

// times returns the sample times of one epoch in seconds.
func (e *EpochSet) times() []float64 {
	if len(e.data) == 0 || len(e.data[0]) == 0 {
		return nil
	}
	n := len(e.data[0][0])
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = e.tmin + float64(i)/e.rate
	}
	return ts
}

// ============================================================================
// Synthetic recordings
// ============================================================================

var standard1020 = []string{
	"Fp1", "Fp2", "F3", "F4", "C3", "C4", "P3", "P4", "O1", "O2",
	"F7", "F8", "T7", "T8", "P7", "P8", "Fz", "Cz", "Pz", "Oz",
}

// Synthetic generates a deterministic recording with an alpha rhythm, white
// noise and one event per second (codes alternating 1 and 2).
func Synthetic(channels int, seconds, rate float64, seed int64) *Recording {
	rng := rand.New(rand.NewSource(seed))
	n := int(math.Round(seconds * rate))

	names := make([]string, channels)
	data := make([][]float64, channels)
	for c := 0; c < channels; c++ {
		if c < len(standard1020) {
			names[c] = standard1020[c]
		} else {
			names[c] = fmt.Sprintf("EEG%03d", c+1)
		}
		phase := rng.Float64() * 2 * math.Pi
		row := make([]float64, n)
		for i := range row {
			t := float64(i) / rate
			row[i] = 20*math.Sin(2*math.Pi*10*t+phase) + 5*rng.NormFloat64()
		}
		data[c] = row
	}

	var events []Event
	for s, code := 1, 1; float64(s) < seconds; s++ {
		events = append(events, Event{Sample: int(float64(s) * rate), Code: code})
		code = 3 - code
	}

	return &Recording{channels: names, rate: rate, data: data, events: events}
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
