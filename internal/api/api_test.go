package api

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal/memsignal"
	"github.com/ChuLiYu/eegflow/internal/worker"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	backend := memsignal.New()

	sessions := session.NewService(session.NewRegistry(session.Options{Metrics: m}), backend, m, nil)
	t.Cleanup(sessions.Registry().Close)

	pool := worker.NewPool(16, nil)
	require.NoError(t, pool.Start(2))
	t.Cleanup(pool.Stop)

	router := NewRouter(Deps{
		Sessions: sessions,
		Batch:    batch.New(batch.Options{Sessions: sessions, Pool: pool, Metrics: m}),
		Analysis: analysis.New(analysis.Options{Sessions: sessions, TF: backend, Pool: pool, Metrics: m}),
		Gatherer: reg,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if s, ok := body.(string); ok {
		rd = strings.NewReader(s)
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func loadSession(t *testing.T, srv *httptest.Server, path string) string {
	t.Helper()
	code, body := call(t, srv, http.MethodPost, "/workspace/load", map[string]string{"file_path": path})
	require.Equal(t, http.StatusCreated, code, body)
	return body["session_id"].(string)
}

func history(body map[string]interface{}) []string {
	var ops []string
	entries, _ := body["history"].([]interface{})
	for _, e := range entries {
		ops = append(ops, e.(map[string]interface{})["operation"].(string))
	}
	return ops
}

// ============================================================================
// Workspace and preprocessing
// ============================================================================

func TestHealthAndRequestID(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 8)

	code, body := call(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := loadSession(t, srv, "synthetic:4x10x100")

	code, body := call(t, srv, http.MethodGet, "/workspace/session/"+id+"/info", nil)
	require.Equal(t, http.StatusOK, code)
	raw := body["raw"].(map[string]interface{})
	assert.Equal(t, 100.0, raw["sample_rate"])

	code, body = call(t, srv, http.MethodGet, "/workspace/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 1)

	code, _ = call(t, srv, http.MethodDelete, "/workspace/session/"+id, nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = call(t, srv, http.MethodGet, "/workspace/session/"+id+"/info", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "session not found")
}

func TestPreprocessingUndoRedo(t *testing.T) {
	srv := newTestServer(t)
	id := loadSession(t, srv, "synthetic:4x10x100")

	code, body := call(t, srv, http.MethodPost, "/preprocessing/filter", map[string]interface{}{
		"session_id": id, "l_freq": 1.0, "h_freq": 40.0,
	})
	require.Equal(t, http.StatusOK, code, body)
	code, body = call(t, srv, http.MethodPost, "/preprocessing/resample", map[string]interface{}{
		"session_id": id, "target_sfreq": 50.0,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []string{"filter", "resample"}, history(body))

	code, body = call(t, srv, http.MethodPost, "/preprocessing/undo", map[string]string{"session_id": id})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"filter"}, history(body["session"].(map[string]interface{})))

	code, body = call(t, srv, http.MethodPost, "/preprocessing/redo", map[string]string{"session_id": id})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	code, body = call(t, srv, http.MethodPost, "/preprocessing/redo", map[string]string{"session_id": id})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"], "nothing left to redo")
}

func TestPreprocessingErrors(t *testing.T) {
	srv := newTestServer(t)
	id := loadSession(t, srv, "synthetic:4x10x100")

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown session", "/preprocessing/filter", map[string]interface{}{"session_id": "nope", "l_freq": 1.0}, http.StatusNotFound},
		{"missing session id", "/preprocessing/resample", map[string]interface{}{"target_sfreq": 50.0}, http.StatusBadRequest},
		{"malformed body", "/preprocessing/crop", "{not json", http.StatusBadRequest},
		{"empty body", "/preprocessing/undo", "", http.StatusBadRequest},
		{"non integer event code", "/preprocessing/rename-events", map[string]interface{}{"session_id": id, "mapping": map[string]string{"x": "left"}}, http.StatusBadRequest},
		{"unknown bad channel", "/preprocessing/bad-channel", map[string]interface{}{"session_id": id, "channel": "Nope"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := call(t, srv, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, code, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

// ============================================================================
// Batch
// ============================================================================

func batchBody(t *testing.T, files ...string) map[string]interface{} {
	return map[string]interface{}{
		"file_paths": files,
		"output_dir": t.TempDir(),
		"preprocessing_steps": []map[string]interface{}{
			{"id": "f", "type": "filter", "enabled": true, "params": map[string]interface{}{"lowcut": 1.0, "highcut": 40.0}},
		},
	}
}

func TestBatchStartAndSSE(t *testing.T) {
	srv := newTestServer(t)

	code, body := call(t, srv, http.MethodPost, "/batch/start", batchBody(t, "synthetic:2x5x100", "synthetic:2x5x100"))
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["job_id"].(string)

	resp, err := srv.Client().Get(srv.URL + "/batch/progress/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []types.BatchJobStatus
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var st types.BatchJobStatus
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st))
		events = append(events, st)
	}
	require.NotEmpty(t, events, "stream closes after the terminal event")
	last := events[len(events)-1]
	assert.Equal(t, types.StatusCompleted, last.Status)
	assert.Equal(t, 2, last.CompletedFiles)

	code, body = call(t, srv, http.MethodGet, "/batch/status/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])

	code, _ = call(t, srv, http.MethodPost, "/batch/cancel/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, code, "finished jobs are not cancellable")

	code, body = call(t, srv, http.MethodGet, "/batch/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["jobs"], 1)
}

func TestBatchWebSocket(t *testing.T) {
	srv := newTestServer(t)
	code, body := call(t, srv, http.MethodPost, "/batch/start", batchBody(t, "synthetic:2x5x100"))
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["job_id"].(string)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/batch/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last types.BatchJobStatus
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var st types.BatchJobStatus
		if err := conn.ReadJSON(&st); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err: %v", err)
			break
		}
		last = st
	}
	assert.Equal(t, types.StatusCompleted, last.Status)
}

func TestBatchErrors(t *testing.T) {
	srv := newTestServer(t)

	code, body := call(t, srv, http.MethodPost, "/batch/start", map[string]interface{}{"file_paths": []string{}})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, _ = call(t, srv, http.MethodGet, "/batch/status/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, srv, http.MethodGet, "/batch/progress/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = call(t, srv, http.MethodPost, "/batch/cancel/unknown", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// ============================================================================
// Time-frequency analysis
// ============================================================================

func TestTFRJob(t *testing.T) {
	srv := newTestServer(t)
	id := loadSession(t, srv, "synthetic:4x8x100")

	code, body := call(t, srv, http.MethodPost, "/preprocessing/epochs", map[string]interface{}{
		"session_id": id, "event_ids": []int{1, 2}, "tmin": -0.2, "tmax": 0.8,
		"baseline": []float64{-0.2, 0}, "reject_threshold": 1e6,
	})
	require.Equal(t, http.StatusOK, code, body)

	code, body = call(t, srv, http.MethodPost, "/visualization/tfr/start", map[string]interface{}{
		"session_id": id, "channels": []string{"F3"}, "fmin": 8.0, "fmax": 10.0, "n_cycles": 2.0,
	})
	require.Equal(t, http.StatusAccepted, code, body)
	jobID := body["job_id"].(string)

	require.Eventually(t, func() bool {
		code, body = call(t, srv, http.MethodGet, "/visualization/tfr/"+jobID, nil)
		return code == http.StatusOK && body["status"] == "completed"
	}, 10*time.Second, 10*time.Millisecond)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, []interface{}{"F3"}, result["channel_names"])

	code, _ = call(t, srv, http.MethodPost, "/visualization/tfr/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTFRErrors(t *testing.T) {
	srv := newTestServer(t)
	id := loadSession(t, srv, "synthetic:2x4x100")

	code, _ := call(t, srv, http.MethodPost, "/visualization/tfr/start", map[string]interface{}{"session_id": id})
	assert.Equal(t, http.StatusBadRequest, code, "channels are required")

	code, _ = call(t, srv, http.MethodPost, "/visualization/tfr/start", map[string]interface{}{
		"session_id": "missing", "channels": []string{"Fp1"},
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, srv, http.MethodGet, "/visualization/tfr/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

// ============================================================================
// Middleware and metrics
// ============================================================================

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(nopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	loadSession(t, srv, "synthetic:2x2x100")

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "eegflow_")
}
