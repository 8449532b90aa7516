package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

var (
	// ErrValidation marks requests rejected before any state change.
	ErrValidation = errors.New("invalid parameters")
	// ErrProcessing marks collaborator failures; the session is left as it
	// was before the operation.
	ErrProcessing = errors.New("processing failed")
	// ErrNoRaw is returned when a session holds no recording.
	ErrNoRaw = errors.New("session has no recording")
	// ErrNoEpochs is returned when an operation needs epochs that do not exist.
	ErrNoEpochs = errors.New("session has no epochs")
)

// Operation names recorded in history.
const (
	OpFilter       = "filter"
	OpResample     = "resample"
	OpRereference  = "rereference"
	OpICA          = "ica"
	OpCrop         = "crop"
	OpEpochs       = "epochs"
	OpMontage      = "montage"
	OpBadChannel   = "bad_channel"
	OpRenameEvents = "rename_events"
)

// Backend is the set of collaborators the service drives.
type Backend interface {
	signal.Loader
	signal.Processor
	signal.Exporter
}

// Info is the detail view of a session.
type Info struct {
	SessionID  types.SessionID      `json:"session_id"`
	SourcePath string               `json:"source_path"`
	Raw        *signal.Info         `json:"raw,omitempty"`
	Epochs     *signal.EpochsInfo   `json:"epochs,omitempty"`
	History    []types.HistoryEntry `json:"history"`
	CanUndo    bool                 `json:"can_undo"`
	CanRedo    bool                 `json:"can_redo"`
	UndoDepth  int                  `json:"undo_depth"`
	RedoDepth  int                  `json:"redo_depth"`
	CreatedAt  time.Time            `json:"created_at"`
	LastAccess time.Time            `json:"last_access"`
}

// Service applies operations to registry sessions. Every mutating call runs
// as borrow, snapshot, collaborator call, history append.
type Service struct {
	reg     *Registry
	backend Backend
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewService binds a registry to a backend. Metrics may be nil.
func NewService(reg *Registry, backend Backend, m *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reg: reg, backend: backend, metrics: m, log: logger}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry { return s.reg }

// Load opens path and registers a new session holding it.
func (s *Service) Load(ctx context.Context, path string) (Info, error) {
	if path == "" {
		return Info{}, fmt.Errorf("%w: file path is required", ErrValidation)
	}
	raw, err := s.backend.Load(ctx, path)
	if err != nil {
		s.metrics.RecordSessionOp("load", "error")
		return Info{}, fmt.Errorf("%w: load %s: %w", ErrProcessing, path, err)
	}
	id, err := s.reg.Create(path, raw)
	if err != nil {
		releaseHandles(raw, nil)
		return Info{}, err
	}
	s.metrics.RecordSessionOp("load", "ok")
	return s.Info(id)
}

// Info returns the current state of a session.
func (s *Service) Info(id types.SessionID) (Info, error) {
	var info Info
	err := s.reg.With(id, func(sess *Session) error {
		info = describe(sess)
		return nil
	})
	return info, err
}

// History returns the operations applied to a session, in order.
func (s *Service) History(id types.SessionID) ([]types.HistoryEntry, error) {
	var h []types.HistoryEntry
	err := s.reg.With(id, func(sess *Session) error {
		h = sess.History()
		return nil
	})
	return h, err
}

// Close removes a session.
func (s *Service) Close(id types.SessionID) error {
	if !s.reg.Remove(id) {
		return ErrSessionNotFound
	}
	return nil
}

// EpochsCopy returns an independent copy of the session's epochs so long
// computations can run without holding the session.
func (s *Service) EpochsCopy(id types.SessionID) (signal.Epochs, error) {
	var out signal.Epochs
	err := s.reg.With(id, func(sess *Session) error {
		if sess.epochs == nil {
			return ErrNoEpochs
		}
		out = sess.epochs.Copy()
		return nil
	})
	return out, err
}

// Export writes the session's epochs (when preferEpochs and present) or its
// recording to path.
func (s *Service) Export(ctx context.Context, id types.SessionID, path, format string, preferEpochs bool) error {
	return s.reg.With(id, func(sess *Session) error {
		if sess.raw == nil {
			return ErrNoRaw
		}
		var epochs signal.Epochs
		raw := sess.raw
		if preferEpochs && sess.epochs != nil {
			epochs, raw = sess.epochs, nil
		}
		if err := s.backend.Export(ctx, raw, epochs, path, format); err != nil {
			return fmt.Errorf("%w: export: %w", ErrProcessing, err)
		}
		return nil
	})
}

// ============================================================================
// Mutating operations
// ============================================================================

// ApplyFilter band-pass and/or notch filters the recording.
func (s *Service) ApplyFilter(ctx context.Context, id types.SessionID, p signal.FilterParams) (Info, error) {
	if p.LowFreq == nil && p.HighFreq == nil && p.NotchFreq == nil {
		return Info{}, fmt.Errorf("%w: at least one of l_freq, h_freq, notch_freq is required", ErrValidation)
	}
	if p.LowFreq != nil && p.HighFreq != nil && *p.LowFreq >= *p.HighFreq {
		return Info{}, fmt.Errorf("%w: l_freq must be below h_freq", ErrValidation)
	}
	params := map[string]interface{}{"l_freq": ptrValue(p.LowFreq), "h_freq": ptrValue(p.HighFreq), "notch_freq": ptrValue(p.NotchFreq)}
	return s.mutateRaw(id, OpFilter, params, func(raw signal.Raw) error {
		return s.backend.Filter(ctx, raw, p)
	})
}

// ApplyResample changes the sample rate.
func (s *Service) ApplyResample(ctx context.Context, id types.SessionID, p signal.ResampleParams) (Info, error) {
	if p.TargetRate <= 0 || math.IsNaN(p.TargetRate) {
		return Info{}, fmt.Errorf("%w: target_sfreq must be positive", ErrValidation)
	}
	params := map[string]interface{}{"target_sfreq": p.TargetRate}
	return s.mutateRaw(id, OpResample, params, func(raw signal.Raw) error {
		return s.backend.Resample(ctx, raw, p)
	})
}

// ApplyRereference re-references the recording.
func (s *Service) ApplyRereference(ctx context.Context, id types.SessionID, p signal.RereferenceParams) (Info, error) {
	switch p.Method {
	case "average", "a1a2":
	case "custom":
		if len(p.CustomRef) == 0 {
			return Info{}, fmt.Errorf("%w: custom reference needs custom_ref channels", ErrValidation)
		}
	default:
		return Info{}, fmt.Errorf("%w: unknown reference method %q", ErrValidation, p.Method)
	}
	params := map[string]interface{}{"method": p.Method}
	if len(p.CustomRef) > 0 {
		params["custom_ref"] = append([]string(nil), p.CustomRef...)
	}
	return s.mutateRaw(id, OpRereference, params, func(raw signal.Raw) error {
		return s.backend.Rereference(ctx, raw, p)
	})
}

// ApplyArtifactRemoval removes the independent components matching the
// requested labels and returns their indices.
func (s *Service) ApplyArtifactRemoval(ctx context.Context, id types.SessionID, p signal.ArtifactParams) ([]int, Info, error) {
	if p.Threshold < 0 || p.Threshold > 1 {
		return nil, Info{}, fmt.Errorf("%w: threshold must be within [0, 1]", ErrValidation)
	}
	var excluded []int
	params := map[string]interface{}{"exclude_labels": append([]string(nil), p.ExcludeLabels...), "threshold": p.Threshold}
	info, err := s.mutateRaw(id, OpICA, params, func(raw signal.Raw) error {
		var err error
		excluded, err = s.backend.RemoveArtifacts(ctx, raw, p)
		return err
	})
	return excluded, info, err
}

// Crop keeps a time window of the recording.
func (s *Service) Crop(ctx context.Context, id types.SessionID, p signal.CropParams) (Info, error) {
	if p.TMin < 0 || (p.TMax != nil && *p.TMax <= p.TMin) {
		return Info{}, fmt.Errorf("%w: crop window must satisfy 0 <= tmin < tmax", ErrValidation)
	}
	params := map[string]interface{}{"tmin": p.TMin, "tmax": ptrValue(p.TMax)}
	return s.mutateRaw(id, OpCrop, params, func(raw signal.Raw) error {
		return s.backend.Crop(ctx, raw, p)
	})
}

// CreateEpochs segments the recording around events. The new epochs replace
// any previous ones.
func (s *Service) CreateEpochs(ctx context.Context, id types.SessionID, p signal.EpochParams) (Info, error) {
	if p.TMin >= p.TMax {
		return Info{}, fmt.Errorf("%w: tmin must be below tmax", ErrValidation)
	}
	if p.Baseline != nil && p.Baseline[0] > p.Baseline[1] {
		return Info{}, fmt.Errorf("%w: baseline start after end", ErrValidation)
	}
	params := map[string]interface{}{
		"event_ids":        append([]int(nil), p.EventIDs...),
		"tmin":             p.TMin,
		"tmax":             p.TMax,
		"reject_threshold": ptrValue(p.RejectThreshold),
	}
	if p.Baseline != nil {
		params["baseline"] = []float64{p.Baseline[0], p.Baseline[1]}
	}
	return s.mutate(id, OpEpochs, params, func(sess *Session) error {
		epochs, err := s.backend.CreateEpochs(ctx, sess.raw, p)
		if err != nil {
			return err
		}
		releaseHandles(nil, sess.epochs)
		sess.epochs = epochs
		return nil
	})
}

// SetMontage applies a standard electrode layout.
func (s *Service) SetMontage(ctx context.Context, id types.SessionID, p signal.MontageParams) (signal.MontageMatch, Info, error) {
	if p.Name == "" {
		return signal.MontageMatch{}, Info{}, fmt.Errorf("%w: montage_name is required", ErrValidation)
	}
	var match signal.MontageMatch
	info, err := s.mutate(id, OpMontage, map[string]interface{}{"montage_name": p.Name}, func(sess *Session) error {
		var err error
		match, err = s.backend.SetMontage(ctx, sess.raw, p)
		return err
	})
	return match, info, err
}

// SetBadChannel marks or unmarks one channel as bad.
func (s *Service) SetBadChannel(ctx context.Context, id types.SessionID, channel string, bad bool) (Info, error) {
	if channel == "" {
		return Info{}, fmt.Errorf("%w: channel is required", ErrValidation)
	}
	params := map[string]interface{}{"channel": channel, "bad": bad}
	return s.mutate(id, OpBadChannel, params, func(sess *Session) error {
		if !hasChannel(sess.raw.Info().ChannelNames, channel) {
			return fmt.Errorf("%w: channel %s not in recording", ErrValidation, channel)
		}
		return s.backend.SetBadChannel(ctx, sess.raw, channel, bad)
	})
}

// RenameEvents attaches labels to event codes.
func (s *Service) RenameEvents(ctx context.Context, id types.SessionID, mapping map[int]string) (Info, error) {
	if len(mapping) == 0 {
		return Info{}, fmt.Errorf("%w: event mapping is empty", ErrValidation)
	}
	params := make(map[string]interface{}, len(mapping))
	for code, label := range mapping {
		params[fmt.Sprint(code)] = label
	}
	return s.mutate(id, OpRenameEvents, params, func(sess *Session) error {
		return s.backend.RenameEvents(ctx, sess.raw, mapping)
	})
}

// Undo restores the state before the most recent operation. It reports
// false when there is nothing to undo.
func (s *Service) Undo(id types.SessionID) (bool, Info, error) {
	var ok bool
	var info Info
	err := s.reg.With(id, func(sess *Session) error {
		restored, moved := sess.undo.Undo(sess.state())
		if moved {
			sess.raw, sess.epochs = restored.Raw, restored.Epochs
			if n := len(sess.history); n > 0 {
				sess.history = sess.history[:n-1]
			}
			s.metrics.RecordHistoryMove("undo")
		}
		ok = moved
		info = describe(sess)
		return nil
	})
	return ok, info, err
}

// Redo reapplies the most recently undone operation. It reports false when
// there is nothing to redo.
func (s *Service) Redo(id types.SessionID) (bool, Info, error) {
	var ok bool
	var info Info
	err := s.reg.With(id, func(sess *Session) error {
		restored, moved := sess.undo.Redo(sess.state())
		if moved {
			sess.raw, sess.epochs = restored.Raw, restored.Epochs
			if restored.Last != nil {
				sess.history = append(sess.history, *restored.Last)
			}
			s.metrics.RecordHistoryMove("redo")
		}
		ok = moved
		info = describe(sess)
		return nil
	})
	return ok, info, err
}

// mutateRaw runs a recording transformation. Epochs derived from the old
// recording are dropped on success.
func (s *Service) mutateRaw(id types.SessionID, op string, params map[string]interface{}, fn func(signal.Raw) error) (Info, error) {
	return s.mutate(id, op, params, func(sess *Session) error {
		if err := fn(sess.raw); err != nil {
			return err
		}
		if sess.epochs != nil {
			releaseHandles(nil, sess.epochs)
			sess.epochs = nil
		}
		return nil
	})
}

// mutate borrows the session, snapshots it, runs fn and records history. A
// failing fn leaves the session, its history and both stacks untouched.
func (s *Service) mutate(id types.SessionID, op string, params map[string]interface{}, fn func(*Session) error) (Info, error) {
	start := time.Now()
	var info Info
	err := s.reg.With(id, func(sess *Session) error {
		if sess.raw == nil {
			return ErrNoRaw
		}
		cp := sess.undo.Save(sess.state(), op, params)
		if err := fn(sess); err != nil {
			if st, ok := sess.undo.Revert(cp); ok {
				if st.Raw != sess.raw {
					releaseHandles(sess.raw, nil)
				}
				if st.Epochs != sess.epochs {
					releaseHandles(nil, sess.epochs)
				}
				sess.raw, sess.epochs = st.Raw, st.Epochs
			}
			if errors.Is(err, ErrValidation) {
				return err
			}
			return fmt.Errorf("%w: %s: %w", ErrProcessing, op, err)
		}
		sess.undo.Commit(cp)
		sess.history = append(sess.history, types.HistoryEntry{
			Operation: op,
			Params:    params,
			Timestamp: time.Now(),
		})
		info = describe(sess)
		return nil
	})

	if err != nil {
		s.metrics.RecordSessionOp(op, "error")
		s.log.Warn("Session operation failed", "sessionID", id, "op", op, "error", err)
		return Info{}, err
	}
	s.metrics.RecordSessionOp(op, "ok")
	s.log.Debug("Session operation applied", "sessionID", id, "op", op, "duration", time.Since(start))
	return info, nil
}

func describe(sess *Session) Info {
	undo, redo := sess.undo.Depth()
	info := Info{
		SessionID:  sess.ID,
		SourcePath: sess.SourcePath,
		History:    sess.History(),
		CanUndo:    undo > 0,
		CanRedo:    redo > 0,
		UndoDepth:  undo,
		RedoDepth:  redo,
		CreatedAt:  sess.CreatedAt,
		LastAccess: sess.LastAccess(),
	}
	if sess.raw != nil {
		ri := sess.raw.Info()
		info.Raw = &ri
	}
	if sess.epochs != nil {
		ei := sess.epochs.Info()
		info.Epochs = &ei
	}
	return info
}

func hasChannel(names []string, ch string) bool {
	for _, n := range names {
		if n == ch {
			return true
		}
	}
	return false
}

func ptrValue(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
