package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.sessionsActive, "sessionsActive gauge should be initialized")
	assert.NotNil(t, collector.sessionOps, "sessionOps counter should be initialized")
	assert.NotNil(t, collector.batchJobs, "batchJobs counter should be initialized")
	assert.NotNil(t, collector.batchFileDuration, "batchFileDuration histogram should be initialized")
	assert.NotNil(t, collector.analysisJobs, "analysisJobs counter should be initialized")
	assert.NotNil(t, collector.progressSubscribers, "progressSubscribers gauge should be initialized")
}

func TestNilRegistererUsesDefault(t *testing.T) {
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	defer func() { prometheus.DefaultRegisterer = old }()

	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestSessionMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetSessionsActive(3)
	c.RecordSessionOp("filter", "ok")
	c.RecordSessionOp("filter", "ok")
	c.RecordSessionOp("filter", "error")
	c.RecordHistoryMove("undo")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionOps.WithLabelValues("filter", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionOps.WithLabelValues("filter", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.historyMoves.WithLabelValues("undo")))
}

func TestJobMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	testCases := []struct {
		name    string
		outcome string
		seconds float64
	}{
		{"fast success", "success", 0.02},
		{"slow success", "success", 12},
		{"failure", "failed", 0.5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() { c.RecordBatchFile(tc.outcome, tc.seconds) })
		})
	}
	c.RecordBatchJob("completed")
	c.RecordAnalysisJob("error")
	c.ObserveAnalysisBatch(0.3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.batchFiles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchJobs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.analysisJobs.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.batchFileDuration))
}

func TestProgressMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.AddProgressSubscribers(2)
	c.AddProgressSubscribers(-1)
	for i := 0; i < 5; i++ {
		c.RecordProgressEvent()
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(c.progressSubscribers))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.progressEvents))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetSessionsActive(1)
		c.RecordSessionOp("filter", "ok")
		c.RecordHistoryMove("redo")
		c.RecordBatchJob("failed")
		c.RecordBatchFile("success", 1)
		c.RecordAnalysisJob("completed")
		c.ObserveAnalysisBatch(1)
		c.RecordProgressEvent()
		c.AddProgressSubscribers(1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordSessionOp("resample", "ok")
			c.RecordProgressEvent()
			c.RecordBatchFile("success", 0.1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(c.progressEvents))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// A registry accepts one collector; a fresh registry accepts another.
	assert.Panics(t, func() { NewCollector(reg) })
	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordBatchJob("cancelled")

	srv := httptest.NewServer(NewServer("", reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `eegflow_batch_jobs_total{status="cancelled"} 1`))
}
