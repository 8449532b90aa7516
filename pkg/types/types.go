// Package types defines the core domain model shared across eegflow.
package types

import (
	"time"
)

// SessionID identifies a loaded recording session.
type SessionID string

// JobID identifies a batch or analysis job.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job status constants. Batch jobs start idle and fail with StatusFailed;
// analysis jobs start pending and fail with StatusError.
const (
	StatusIdle      JobStatus = "idle"
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusError     JobStatus = "error"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are defined from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// HistoryEntry records one operation applied to a session.
type HistoryEntry struct {
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params"`
	Timestamp time.Time              `json:"timestamp"`
}

// StepType names a preprocessing step of a batch pipeline.
type StepType string

// Supported pipeline steps.
const (
	StepMontage     StepType = "montage"
	StepFilter      StepType = "filter"
	StepResample    StepType = "resample"
	StepRereference StepType = "rereference"
	StepICA         StepType = "ica"
	StepCrop        StepType = "crop"
	StepEpoch       StepType = "epoch"
	StepBadChannel  StepType = "bad_channel"
)

// StepConfig is one declared step of a batch pipeline. Params use the
// camelCase keys of the request payload (lowcut, sampleRate, ...).
type StepConfig struct {
	ID      string                 `json:"id" yaml:"id"`
	Type    StepType               `json:"type" yaml:"type" validate:"required,oneof=montage filter resample rereference ica crop epoch bad_channel"`
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Params  map[string]interface{} `json:"params" yaml:"params"`
}

// BatchRequest describes a multi-file pipeline run.
type BatchRequest struct {
	FilePaths    []string     `json:"file_paths" yaml:"file_paths" validate:"required,min=1,dive,required"`
	Steps        []StepConfig `json:"preprocessing_steps" yaml:"preprocessing_steps" validate:"dive"`
	OutputDir    string       `json:"output_dir" yaml:"output_dir" validate:"required"`
	OutputFormat string       `json:"output_format" yaml:"output_format" validate:"omitempty,oneof=fif set edf"`
	ExportEpochs bool         `json:"export_epochs" yaml:"export_epochs"`
}

// FileStatus is the state of one file inside a batch job.
type FileStatus string

// File result states.
const (
	FilePending FileStatus = "pending"
	FileSuccess FileStatus = "success"
	FileFailed  FileStatus = "failed"
)

// BatchFileResult is the outcome of one input file.
type BatchFileResult struct {
	FilePath       string     `json:"file_path"`
	FileName       string     `json:"file_name"`
	Status         FileStatus `json:"status"`
	OutputPath     string     `json:"output_path,omitempty"`
	Error          string     `json:"error,omitempty"`
	ProcessingTime float64    `json:"processing_time,omitempty"` // seconds
}

// BatchJobStatus is the read model of a batch job. Progress is in [0,100].
type BatchJobStatus struct {
	JobID          JobID             `json:"job_id"`
	Status         JobStatus         `json:"status"`
	TotalFiles     int               `json:"total_files"`
	CompletedFiles int               `json:"completed_files"`
	FailedFiles    int               `json:"failed_files"`
	CurrentFile    string            `json:"current_file,omitempty"`
	CurrentStep    string            `json:"current_step,omitempty"`
	Progress       float64           `json:"progress"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Results        []BatchFileResult `json:"results"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      *time.Time        `json:"updated_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s BatchJobStatus) Clone() BatchJobStatus {
	out := s
	out.Results = append([]BatchFileResult(nil), s.Results...)
	if s.UpdatedAt != nil {
		t := *s.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// ProgressValue implements progress.Snapshot.
func (s BatchJobStatus) ProgressValue() float64 { return s.Progress }

// Terminal implements progress.Snapshot.
func (s BatchJobStatus) Terminal() bool { return s.Status.IsTerminal() }

// LastUpdated returns UpdatedAt, falling back to CreatedAt.
func (s BatchJobStatus) LastUpdated() time.Time {
	if s.UpdatedAt != nil {
		return *s.UpdatedAt
	}
	return s.CreatedAt
}

// Render modes of an analysis result.
const (
	RenderData  = "data"
	RenderImage = "image"
)

// AnalysisRequest parameterises a Morlet time-frequency job.
type AnalysisRequest struct {
	Channels     []string    `json:"channels" validate:"required,min=1"`
	EventID      *int        `json:"event_id,omitempty"`
	FMin         float64     `json:"fmin" validate:"gt=0"`
	FMax         float64     `json:"fmax" validate:"gt=0"`
	NCycles      float64     `json:"n_cycles" validate:"gt=0"`
	Baseline     *[2]float64 `json:"baseline,omitempty"` // seconds
	BaselineMode string      `json:"baseline_mode" validate:"omitempty,oneof=logratio ratio zscore percent mean"`
	Decim        int         `json:"decim"`
	RenderMode   string      `json:"render_mode" validate:"omitempty,oneof=data image"`
	ImageFormat  string      `json:"image_format" validate:"omitempty,oneof=png svg"`
	Colormap     string      `json:"colormap"`
	VMin         *float64    `json:"vmin,omitempty"`
	VMax         *float64    `json:"vmax,omitempty"`
}

// DefaultAnalysisRequest mirrors the defaults of the interactive surface.
func DefaultAnalysisRequest() AnalysisRequest {
	return AnalysisRequest{
		FMin:         1,
		FMax:         40,
		NCycles:      7,
		Baseline:     &[2]float64{-0.2, 0},
		BaselineMode: "logratio",
		Decim:        2,
		RenderMode:   RenderData,
		ImageFormat:  "png",
		Colormap:     "RdBu_r",
	}
}

// AnalysisResult is the averaged time-frequency power of a completed job.
type AnalysisResult struct {
	Times           []float64         `json:"times"` // ms
	Freqs           []float64         `json:"freqs"` // Hz
	Power           [][]float64       `json:"power"` // [freq][time], channel average
	ChannelNames    []string          `json:"channel_names"`
	PowerByChannel  [][][]float64     `json:"power_by_channel"` // [ch][freq][time]
	NCyclesUsed     float64           `json:"n_cycles_used"`
	Image           string            `json:"image_base64,omitempty"`
	ImagesByChannel map[string]string `json:"images_by_channel,omitempty"`
	ImageFormat     string            `json:"image_format,omitempty"`
	VMin            *float64          `json:"vmin,omitempty"`
	VMax            *float64          `json:"vmax,omitempty"`
	RenderMode      string            `json:"render_mode"`
}

// AnalysisJobStatus is the read model of an analysis job. Progress is in [0,1].
type AnalysisJobStatus struct {
	JobID     JobID           `json:"job_id"`
	Status    JobStatus       `json:"status"`
	Progress  float64         `json:"progress"`
	Error     string          `json:"error,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProgressValue implements progress.Snapshot.
func (s AnalysisJobStatus) ProgressValue() float64 { return s.Progress }

// Terminal implements progress.Snapshot.
func (s AnalysisJobStatus) Terminal() bool { return s.Status.IsTerminal() }

// LastUpdated implements jobmanager.Record.
func (s AnalysisJobStatus) LastUpdated() time.Time { return s.UpdatedAt }
