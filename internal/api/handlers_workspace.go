package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

type WorkspaceHandler struct {
	svc *session.Service
}

func NewWorkspaceHandler(svc *session.Service) *WorkspaceHandler {
	return &WorkspaceHandler{svc: svc}
}

type loadRequest struct {
	FilePath string `json:"file_path" validate:"required"`
}

type exportRequest struct {
	SessionID    types.SessionID `json:"session_id" validate:"required"`
	OutputPath   string          `json:"output_path" validate:"required"`
	Format       string          `json:"format" validate:"omitempty,oneof=fif set edf"`
	PreferEpochs bool            `json:"prefer_epochs"`
}

// Load handles POST /workspace/load
func (h *WorkspaceHandler) Load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	info, err := h.svc.Load(r.Context(), req.FilePath)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// Info handles GET /workspace/session/{id}/info
func (h *WorkspaceHandler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(types.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// History handles GET /workspace/session/{id}/history
func (h *WorkspaceHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(types.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	if history == nil {
		history = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// Close handles DELETE /workspace/session/{id}
func (h *WorkspaceHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(chi.URLParam(r, "id"))
	if err := h.svc.Close(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "closed": true})
}

// List handles GET /workspace/sessions
func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.svc.Registry().List()
	if sessions == nil {
		sessions = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Export handles POST /workspace/export
func (h *WorkspaceHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	format := req.Format
	if format == "" {
		format = "fif"
	}
	if err := h.svc.Export(r.Context(), req.SessionID, req.OutputPath, format, req.PreferEpochs); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": req.SessionID, "output_path": req.OutputPath})
}
