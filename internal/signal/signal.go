// Package signal declares the contracts of the external signal-processing
// collaborators. The core treats every call as opaque, possibly slow and
// possibly failing; implementations mutate the handles they are given in
// place and never retry internally.
package signal

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by backends for operations or formats they do
// not implement.
var ErrUnsupported = errors.New("operation not supported by backend")

// Info describes a continuous recording.
type Info struct {
	ChannelNames []string `json:"channel_names"`
	SampleRate   float64  `json:"sample_rate"`
	Samples      int      `json:"samples"`
	Duration     float64  `json:"duration"` // seconds
	Bads         []string `json:"bads"`
	Montage      string   `json:"montage,omitempty"`
	EventCount   int      `json:"event_count"`
}

// EpochsInfo describes a segmented view derived from a recording.
type EpochsInfo struct {
	ChannelNames []string `json:"channel_names"`
	SampleRate   float64  `json:"sample_rate"`
	Count        int      `json:"count"`
	TMin         float64  `json:"tmin"` // seconds, relative to event onset
	TMax         float64  `json:"tmax"`
	EventCodes   []int    `json:"event_codes"` // one per epoch
}

// Raw is an owned handle to a continuous multi-channel signal.
type Raw interface {
	Info() Info
	// Copy returns an independent deep copy.
	Copy() Raw
}

// Epochs is an owned handle to a segmented signal.
type Epochs interface {
	Info() EpochsInfo
	Copy() Epochs
}

// Releaser is implemented by handles that hold native resources which must
// be freed when the owning session goes away.
type Releaser interface {
	Release()
}

// FilterParams configures band-pass and notch filtering. Nil disables a side.
type FilterParams struct {
	LowFreq   *float64 `json:"l_freq"`
	HighFreq  *float64 `json:"h_freq"`
	NotchFreq *float64 `json:"notch_freq"`
}

// ResampleParams configures resampling.
type ResampleParams struct {
	TargetRate float64 `json:"target_sfreq"`
}

// RereferenceParams configures re-referencing. Method is average, a1a2 or custom.
type RereferenceParams struct {
	Method    string   `json:"method"`
	CustomRef []string `json:"custom_ref,omitempty"`
}

// ArtifactParams configures independent-component artifact removal.
type ArtifactParams struct {
	ExcludeLabels []string `json:"exclude_labels"`
	Threshold     float64  `json:"threshold"`
}

// CropParams configures cropping. Nil TMax keeps the end of the recording.
type CropParams struct {
	TMin float64  `json:"tmin"`
	TMax *float64 `json:"tmax"`
}

// EpochParams configures epoch extraction around events.
type EpochParams struct {
	EventIDs        []int       `json:"event_ids"`
	TMin            float64     `json:"tmin"`
	TMax            float64     `json:"tmax"`
	Baseline        *[2]float64 `json:"baseline"`
	RejectThreshold *float64    `json:"reject_threshold"` // µV peak-to-peak
}

// MontageParams selects a standard electrode layout.
type MontageParams struct {
	Name string `json:"montage_name"`
}

// MontageMatch reports how channels matched a montage.
type MontageMatch struct {
	Matched   []string `json:"matched"`
	Unmatched []string `json:"unmatched"`
}

// Loader opens a recording from storage.
type Loader interface {
	Load(ctx context.Context, path string) (Raw, error)
}

// Processor applies in-place transformations to a recording.
type Processor interface {
	Filter(ctx context.Context, raw Raw, p FilterParams) error
	Resample(ctx context.Context, raw Raw, p ResampleParams) error
	Rereference(ctx context.Context, raw Raw, p RereferenceParams) error
	RemoveArtifacts(ctx context.Context, raw Raw, p ArtifactParams) ([]int, error)
	Crop(ctx context.Context, raw Raw, p CropParams) error
	CreateEpochs(ctx context.Context, raw Raw, p EpochParams) (Epochs, error)
	SetMontage(ctx context.Context, raw Raw, p MontageParams) (MontageMatch, error)
	SetBadChannel(ctx context.Context, raw Raw, channel string, bad bool) error
	RenameEvents(ctx context.Context, raw Raw, mapping map[int]string) error
}

// Exporter writes a recording or epochs to path in the given format.
// Exactly one of raw and epochs is non-nil.
type Exporter interface {
	Export(ctx context.Context, raw Raw, epochs Epochs, path, format string) error
}

// MorletRequest is one batch of a Morlet wavelet decomposition.
type MorletRequest struct {
	Epochs       []int // epoch indices of this batch
	Picks        []int // channel indices, output order
	Freqs        []float64
	NCycles      float64
	Decim        int
	Baseline     *[2]float64
	BaselineMode string
}

// PowerBatch is the summed power of one batch, [pick][freq][time].
type PowerBatch struct {
	Sum   [][][]float64
	Times []float64 // seconds
	Count int
}

// TimeFrequency computes time-frequency power over epochs.
type TimeFrequency interface {
	Morlet(ctx context.Context, epochs Epochs, req MorletRequest) (*PowerBatch, error)
}

// Backend bundles every collaborator a server needs.
type Backend interface {
	Loader
	Processor
	Exporter
	TimeFrequency
}
