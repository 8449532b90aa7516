package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// Batch
// ============================================================================

type BatchHandler struct {
	orch *batch.Orchestrator
	log  *slog.Logger
}

func NewBatchHandler(orch *batch.Orchestrator, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{orch: orch, log: logger}
}

// Start handles POST /batch/start: create and start in one call.
func (h *BatchHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id, err := h.orch.CreateJob(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.orch.Start(id); err != nil {
		writeErr(w, err)
		return
	}
	st, err := h.orch.Status(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// Status handles GET /batch/status/{id}
func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// List handles GET /batch/jobs
func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.orch.List()
	if jobs == nil {
		jobs = []types.BatchJobStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Cancel handles POST /batch/cancel/{id}. Jobs that are unknown or already
// finished answer 400.
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	if !h.orch.Cancel(id) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("job %s cannot be cancelled", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": true})
}

// Progress handles GET /batch/progress/{id} as a server-sent event stream.
func (h *BatchHandler) Progress(w http.ResponseWriter, r *http.Request) {
	sub, err := h.orch.Subscribe(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	serveSSE(w, r, sub, h.log)
}

// WebSocket handles GET /batch/ws/{id}
func (h *BatchHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := h.orch.Subscribe(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	serveWS(w, r, sub, h.log)
}

// ============================================================================
// Time-frequency analysis
// ============================================================================

type AnalysisHandler struct {
	engine *analysis.Engine
	log    *slog.Logger
}

func NewAnalysisHandler(engine *analysis.Engine, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{engine: engine, log: logger}
}

type tfrStartRequest struct {
	SessionID types.SessionID `json:"session_id" validate:"required"`
	types.AnalysisRequest
}

// Start handles POST /visualization/tfr/start. Omitted fields take the
// interactive defaults.
func (h *AnalysisHandler) Start(w http.ResponseWriter, r *http.Request) {
	req := tfrStartRequest{AnalysisRequest: types.DefaultAnalysisRequest()}
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id, err := h.engine.Start(req.SessionID, req.AnalysisRequest)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": types.StatusPending})
}

// Status handles GET /visualization/tfr/{id}
func (h *AnalysisHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Cancel handles POST /visualization/tfr/{id}/cancel
func (h *AnalysisHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	if !h.engine.Cancel(id) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("job %s cannot be cancelled", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": true})
}

// Progress handles GET /visualization/tfr/{id}/progress
func (h *AnalysisHandler) Progress(w http.ResponseWriter, r *http.Request) {
	sub, err := h.engine.Subscribe(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	serveSSE(w, r, sub, h.log)
}

// ============================================================================
// Health
// ============================================================================

type HealthHandler struct {
	sessions *session.Service
	batch    *batch.Orchestrator
	analysis *analysis.Engine
}

func NewHealthHandler(sessions *session.Service, orch *batch.Orchestrator, engine *analysis.Engine) *HealthHandler {
	return &HealthHandler{sessions: sessions, batch: orch, analysis: engine}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"sessions":      h.sessions.Registry().Len(),
		"batch_jobs":    statsJSON(h.batch.Stats()),
		"analysis_jobs": statsJSON(h.analysis.Stats()),
	})
}

func statsJSON(stats map[types.JobStatus]int) map[string]int {
	out := make(map[string]int, len(stats))
	for k, v := range stats {
		out[string(k)] = v
	}
	return out
}
