package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/session"
)

// Deps are the services behind the HTTP surface. Gatherer may be nil to
// leave /metrics unmounted.
type Deps struct {
	Sessions *session.Service
	Batch    *batch.Orchestrator
	Analysis *analysis.Engine
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(d Deps) *chi.Mux {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	workspaceH := NewWorkspaceHandler(d.Sessions)
	prepH := NewPreprocessingHandler(d.Sessions)
	batchH := NewBatchHandler(d.Batch, logger)
	tfrH := NewAnalysisHandler(d.Analysis, logger)
	healthH := NewHealthHandler(d.Sessions, d.Batch, d.Analysis)

	r.Get("/health", healthH.Health)
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/workspace", func(r chi.Router) {
		r.Post("/load", workspaceH.Load)
		r.Post("/export", workspaceH.Export)
		r.Get("/sessions", workspaceH.List)
		r.Get("/session/{id}/info", workspaceH.Info)
		r.Get("/session/{id}/history", workspaceH.History)
		r.Delete("/session/{id}", workspaceH.Close)
	})

	r.Route("/preprocessing", func(r chi.Router) {
		r.Post("/filter", prepH.Filter)
		r.Post("/resample", prepH.Resample)
		r.Post("/rereference", prepH.Rereference)
		r.Post("/ica", prepH.ICA)
		r.Post("/crop", prepH.Crop)
		r.Post("/epochs", prepH.Epochs)
		r.Post("/montage", prepH.Montage)
		r.Post("/bad-channel", prepH.BadChannel)
		r.Post("/rename-events", prepH.RenameEvents)
		r.Post("/undo", prepH.Undo)
		r.Post("/redo", prepH.Redo)
	})

	r.Route("/batch", func(r chi.Router) {
		r.Post("/start", batchH.Start)
		r.Get("/jobs", batchH.List)
		r.Get("/status/{id}", batchH.Status)
		r.Post("/cancel/{id}", batchH.Cancel)
		r.Get("/progress/{id}", batchH.Progress)
		r.Get("/ws/{id}", batchH.WebSocket)
	})

	r.Route("/visualization/tfr", func(r chi.Router) {
		r.Post("/start", tfrH.Start)
		r.Get("/{id}", tfrH.Status)
		r.Post("/{id}/cancel", tfrH.Cancel)
		r.Get("/{id}/progress", tfrH.Progress)
	})

	return r
}
