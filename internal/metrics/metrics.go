// ============================================================================
// eegflow Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose runtime metrics for Prometheus scraping
//
// Metric groups:
//
//   1. Sessions
//      - eegflow_sessions_active                       gauge
//      - eegflow_session_operations_total{op,outcome}  counter
//      - eegflow_history_moves_total{direction}        counter (undo/redo)
//
//   2. Batch jobs
//      - eegflow_batch_jobs_total{status}              counter (terminal)
//      - eegflow_batch_files_total{outcome}            counter
//      - eegflow_batch_file_duration_seconds           histogram
//
//   3. Analysis jobs
//      - eegflow_analysis_jobs_total{status}           counter (terminal)
//      - eegflow_analysis_batch_duration_seconds       histogram
//
//   4. Progress bus
//      - eegflow_progress_events_total                 counter
//      - eegflow_progress_subscribers                  gauge
//
// Example queries:
//
//   # files processed per minute
//   rate(eegflow_batch_files_total[1m])
//
//   # 95th percentile file latency
//   histogram_quantile(0.95, eegflow_batch_file_duration_seconds_bucket)
//
// Every method is safe on a nil *Collector so components can run without
// instrumentation.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every eegflow metric.
type Collector struct {
	sessionsActive prometheus.Gauge
	sessionOps     *prometheus.CounterVec
	historyMoves   *prometheus.CounterVec

	batchJobs         *prometheus.CounterVec
	batchFiles        *prometheus.CounterVec
	batchFileDuration prometheus.Histogram

	analysisJobs          *prometheus.CounterVec
	analysisBatchDuration prometheus.Histogram

	progressEvents      prometheus.Counter
	progressSubscribers prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// selects prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eegflow_sessions_active",
			Help: "Current number of live sessions",
		}),
		sessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eegflow_session_operations_total",
			Help: "Session operations by name and outcome",
		}, []string{"op", "outcome"}),
		historyMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eegflow_history_moves_total",
			Help: "Undo and redo transitions",
		}, []string{"direction"}),
		batchJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eegflow_batch_jobs_total",
			Help: "Batch jobs that reached a terminal status",
		}, []string{"status"}),
		batchFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eegflow_batch_files_total",
			Help: "Batch input files by outcome",
		}, []string{"outcome"}),
		batchFileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eegflow_batch_file_duration_seconds",
			Help:    "Time to load, process and export one batch file",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		analysisJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eegflow_analysis_jobs_total",
			Help: "Analysis jobs that reached a terminal status",
		}, []string{"status"}),
		analysisBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eegflow_analysis_batch_duration_seconds",
			Help:    "Time to compute one batch of time-frequency epochs",
			Buckets: prometheus.DefBuckets,
		}),
		progressEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eegflow_progress_events_total",
			Help: "Progress snapshots accepted by the bus",
		}),
		progressSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eegflow_progress_subscribers",
			Help: "Current number of progress receivers",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionOps,
		c.historyMoves,
		c.batchJobs,
		c.batchFiles,
		c.batchFileDuration,
		c.analysisJobs,
		c.analysisBatchDuration,
		c.progressEvents,
		c.progressSubscribers,
	)
	return c
}

// SetSessionsActive records the number of live sessions.
func (c *Collector) SetSessionsActive(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

// RecordSessionOp counts one session operation.
func (c *Collector) RecordSessionOp(op, outcome string) {
	if c == nil {
		return
	}
	c.sessionOps.WithLabelValues(op, outcome).Inc()
}

// RecordHistoryMove counts one undo or redo.
func (c *Collector) RecordHistoryMove(direction string) {
	if c == nil {
		return
	}
	c.historyMoves.WithLabelValues(direction).Inc()
}

// RecordBatchJob counts a batch job reaching status.
func (c *Collector) RecordBatchJob(status string) {
	if c == nil {
		return
	}
	c.batchJobs.WithLabelValues(status).Inc()
}

// RecordBatchFile counts one processed file and its duration.
func (c *Collector) RecordBatchFile(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.batchFiles.WithLabelValues(outcome).Inc()
	c.batchFileDuration.Observe(seconds)
}

// RecordAnalysisJob counts an analysis job reaching status.
func (c *Collector) RecordAnalysisJob(status string) {
	if c == nil {
		return
	}
	c.analysisJobs.WithLabelValues(status).Inc()
}

// ObserveAnalysisBatch records the duration of one computation batch.
func (c *Collector) ObserveAnalysisBatch(seconds float64) {
	if c == nil {
		return
	}
	c.analysisBatchDuration.Observe(seconds)
}

// RecordProgressEvent counts one accepted progress snapshot.
func (c *Collector) RecordProgressEvent() {
	if c == nil {
		return
	}
	c.progressEvents.Inc()
}

// AddProgressSubscribers moves the receiver gauge by delta.
func (c *Collector) AddProgressSubscribers(delta int) {
	if c == nil {
		return
	}
	c.progressSubscribers.Add(float64(delta))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
// A nil g selects prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{Addr: addr, Handler: mux}
}
