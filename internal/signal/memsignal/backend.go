// Package memsignal is an in-process reference implementation of every
// signal collaborator. The algorithms are simple deterministic stand-ins
// (moving-average filters, linear resampling, direct Morlet convolution) that
// keep the shape and failure modes of a real toolbox.
package memsignal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChuLiYu/eegflow/internal/signal"
)

// SyntheticScheme prefixes paths that Load generates instead of reading,
// e.g. "synthetic:4x10x100" for 4 channels, 10 s at 100 Hz.
const SyntheticScheme = "synthetic:"

// Backend implements signal.Backend on Recording and EpochSet handles.
type Backend struct {
	// Delay is slept at the start of every call to emulate slow toolboxes.
	Delay time.Duration
	// Inject, when set, is consulted with the operation name before every
	// call; a non-nil return fails the call.
	Inject func(op string) error
}

var _ signal.Backend = (*Backend)(nil)

// New returns a backend with no delay and no injected faults.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) enter(op string) error {
	if b.Delay > 0 {
		time.Sleep(b.Delay)
	}
	if b.Inject != nil {
		if err := b.Inject(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// fileFormat is the on-disk container read by Load and written by Export.
type fileFormat struct {
	Kind       string        `json:"kind"`
	Format     string        `json:"format,omitempty"`
	Channels   []string      `json:"channels"`
	SampleRate float64       `json:"sample_rate"`
	Bads       []string      `json:"bads,omitempty"`
	Montage    string        `json:"montage,omitempty"`
	Events     []Event       `json:"events,omitempty"`
	Data       [][]float64   `json:"data,omitempty"`
	TMin       float64       `json:"tmin,omitempty"`
	TMax       float64       `json:"tmax,omitempty"`
	EventCodes []int         `json:"event_codes,omitempty"`
	Epochs     [][][]float64 `json:"epochs,omitempty"`
}

// Load implements signal.Loader. Paths with SyntheticScheme are generated,
// everything else is read as a JSON recording container.
func (b *Backend) Load(ctx context.Context, path string) (signal.Raw, error) {
	if err := b.enter("load"); err != nil {
		return nil, err
	}
	if strings.HasPrefix(path, SyntheticScheme) {
		var channels int
		var seconds, rate float64
		spec := strings.TrimPrefix(path, SyntheticScheme)
		if _, err := fmt.Sscanf(spec, "%dx%gx%g", &channels, &seconds, &rate); err != nil {
			return nil, fmt.Errorf("invalid synthetic path %q: %w", path, err)
		}
		if channels <= 0 || seconds <= 0 || rate <= 0 {
			return nil, fmt.Errorf("invalid synthetic path %q", path)
		}
		return Synthetic(channels, seconds, rate, int64(len(path))), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode recording %s: %w", filepath.Base(path), err)
	}
	if f.Kind != "" && f.Kind != "raw" {
		return nil, fmt.Errorf("%s holds %s data, not a continuous recording", filepath.Base(path), f.Kind)
	}
	rec, err := NewRecording(f.Channels, f.SampleRate, f.Data, f.Events)
	if err != nil {
		return nil, err
	}
	rec.bads = append(rec.bads, f.Bads...)
	rec.montage = f.Montage
	return rec, nil
}

// Export implements signal.Exporter.
func (b *Backend) Export(ctx context.Context, raw signal.Raw, epochs signal.Epochs, path, format string) error {
	if err := b.enter("export"); err != nil {
		return err
	}
	switch format {
	case "fif", "set", "edf":
	default:
		return fmt.Errorf("export format %q: %w", format, signal.ErrUnsupported)
	}

	var f fileFormat
	switch {
	case epochs != nil:
		es, ok := epochs.(*EpochSet)
		if !ok {
			return fmt.Errorf("export: foreign epochs handle %T", epochs)
		}
		f = fileFormat{
			Kind:       "epochs",
			Channels:   es.channels,
			SampleRate: es.rate,
			TMin:       es.tmin,
			TMax:       es.tmax,
			EventCodes: es.codes,
			Epochs:     es.data,
		}
	case raw != nil:
		rec, err := asRecording(raw)
		if err != nil {
			return err
		}
		f = fileFormat{
			Kind:       "raw",
			Channels:   rec.channels,
			SampleRate: rec.rate,
			Bads:       rec.bads,
			Montage:    rec.montage,
			Events:     rec.events,
			Data:       rec.data,
		}
	default:
		return fmt.Errorf("export: nothing to export")
	}
	f.Format = format

	out, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename export: %w", err)
	}
	return nil
}

// WriteRecording stores rec at path in the container format Load reads.
func WriteRecording(path string, rec *Recording) error {
	out, err := json.Marshal(fileFormat{
		Kind:       "raw",
		Channels:   rec.channels,
		SampleRate: rec.rate,
		Bads:       rec.bads,
		Montage:    rec.montage,
		Events:     rec.events,
		Data:       rec.data,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

func asRecording(raw signal.Raw) (*Recording, error) {
	rec, ok := raw.(*Recording)
	if !ok {
		return nil, fmt.Errorf("foreign raw handle %T", raw)
	}
	return rec, nil
}

func asEpochSet(epochs signal.Epochs) (*EpochSet, error) {
	es, ok := epochs.(*EpochSet)
	if !ok {
		return nil, fmt.Errorf("foreign epochs handle %T", epochs)
	}
	return es, nil
}
