package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// PreprocessingHandler exposes the interactive session operations. Every
// request names its session in session_id and gets the updated session info
// back.
type PreprocessingHandler struct {
	svc *session.Service
}

func NewPreprocessingHandler(svc *session.Service) *PreprocessingHandler {
	return &PreprocessingHandler{svc: svc}
}

// SessionRef names the session an operation applies to.
type SessionRef struct {
	SessionID types.SessionID `json:"session_id" validate:"required"`
}

type filterRequest struct {
	SessionRef
	signal.FilterParams
}

type resampleRequest struct {
	SessionRef
	signal.ResampleParams
}

type rereferenceRequest struct {
	SessionRef
	signal.RereferenceParams
}

type artifactRequest struct {
	SessionRef
	signal.ArtifactParams
}

type cropRequest struct {
	SessionRef
	signal.CropParams
}

type epochsRequest struct {
	SessionRef
	signal.EpochParams
}

type montageRequest struct {
	SessionRef
	signal.MontageParams
}

type badChannelRequest struct {
	SessionRef
	Channel string `json:"channel" validate:"required"`
	Bad     *bool  `json:"bad"`
}

type renameEventsRequest struct {
	SessionRef
	Mapping map[string]string `json:"mapping" validate:"required,min=1"`
}

// Filter handles POST /preprocessing/filter
func (h *PreprocessingHandler) Filter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w)(h.svc.ApplyFilter(r.Context(), req.SessionID, req.FilterParams))
}

// Resample handles POST /preprocessing/resample
func (h *PreprocessingHandler) Resample(w http.ResponseWriter, r *http.Request) {
	var req resampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w)(h.svc.ApplyResample(r.Context(), req.SessionID, req.ResampleParams))
}

// Rereference handles POST /preprocessing/rereference
func (h *PreprocessingHandler) Rereference(w http.ResponseWriter, r *http.Request) {
	var req rereferenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w)(h.svc.ApplyRereference(r.Context(), req.SessionID, req.RereferenceParams))
}

// ICA handles POST /preprocessing/ica
func (h *PreprocessingHandler) ICA(w http.ResponseWriter, r *http.Request) {
	var req artifactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	removed, info, err := h.svc.ApplyArtifactRemoval(r.Context(), req.SessionID, req.ArtifactParams)
	if err != nil {
		writeErr(w, err)
		return
	}
	if removed == nil {
		removed = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed_components": removed, "session": info})
}

// Crop handles POST /preprocessing/crop
func (h *PreprocessingHandler) Crop(w http.ResponseWriter, r *http.Request) {
	var req cropRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w)(h.svc.Crop(r.Context(), req.SessionID, req.CropParams))
}

// Epochs handles POST /preprocessing/epochs
func (h *PreprocessingHandler) Epochs(w http.ResponseWriter, r *http.Request) {
	var req epochsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w)(h.svc.CreateEpochs(r.Context(), req.SessionID, req.EpochParams))
}

// Montage handles POST /preprocessing/montage
func (h *PreprocessingHandler) Montage(w http.ResponseWriter, r *http.Request) {
	var req montageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	match, info, err := h.svc.SetMontage(r.Context(), req.SessionID, req.MontageParams)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": match.Matched, "unmatched": match.Unmatched, "session": info})
}

// BadChannel handles POST /preprocessing/bad-channel. bad defaults to true.
func (h *PreprocessingHandler) BadChannel(w http.ResponseWriter, r *http.Request) {
	var req badChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	bad := true
	if req.Bad != nil {
		bad = *req.Bad
	}
	h.respond(w)(h.svc.SetBadChannel(r.Context(), req.SessionID, req.Channel, bad))
}

// RenameEvents handles POST /preprocessing/rename-events
func (h *PreprocessingHandler) RenameEvents(w http.ResponseWriter, r *http.Request) {
	var req renameEventsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	mapping := make(map[int]string, len(req.Mapping))
	for k, v := range req.Mapping {
		code, err := strconv.Atoi(k)
		if err != nil {
			writeErr(w, fmt.Errorf("%w: event code %q is not an integer", session.ErrValidation, k))
			return
		}
		mapping[code] = v
	}
	h.respond(w)(h.svc.RenameEvents(r.Context(), req.SessionID, mapping))
}

// Undo handles POST /preprocessing/undo
func (h *PreprocessingHandler) Undo(w http.ResponseWriter, r *http.Request) {
	var req SessionRef
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respondMove(w)(h.svc.Undo(req.SessionID))
}

// Redo handles POST /preprocessing/redo
func (h *PreprocessingHandler) Redo(w http.ResponseWriter, r *http.Request) {
	var req SessionRef
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.respondMove(w)(h.svc.Redo(req.SessionID))
}

func (h *PreprocessingHandler) respond(w http.ResponseWriter) func(session.Info, error) {
	return func(info session.Info, err error) {
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// respondMove reports an empty stack as success=false, not as an error.
func (h *PreprocessingHandler) respondMove(w http.ResponseWriter) func(bool, session.Info, error) {
	return func(ok bool, info session.Info, err error) {
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": ok, "session": info})
	}
}
