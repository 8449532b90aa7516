package integration

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/api"
	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/metrics"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal/memsignal"
	"github.com/ChuLiYu/eegflow/internal/worker"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// node is one running eegflow process: services plus its HTTP surface.
type node struct {
	srv   *httptest.Server
	pool  *worker.Pool
	batch *batch.Orchestrator
}

func startNode(t testing.TB, workers int) *node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	backend := memsignal.New()

	registry := session.NewRegistry(session.Options{Logger: logger, Metrics: m})
	sessions := session.NewService(registry, backend, m, logger)

	pool := worker.NewPool(256, logger)
	require.NoError(t, pool.Start(workers))

	orch := batch.New(batch.Options{Sessions: sessions, Pool: pool, Metrics: m, Logger: logger})
	engine := analysis.New(analysis.Options{Sessions: sessions, TF: backend, Pool: pool, Metrics: m, Logger: logger})

	n := &node{
		srv: httptest.NewServer(api.NewRouter(api.Deps{
			Sessions: sessions, Batch: orch, Analysis: engine, Gatherer: reg, Logger: logger,
		})),
		pool:  pool,
		batch: orch,
	}
	t.Cleanup(func() {
		n.srv.Close()
		pool.Stop()
		registry.Close()
	})
	return n
}

func (n *node) post(t testing.TB, path string, body, out interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := n.srv.Client().Post(n.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (n *node) get(t testing.TB, path string, out interface{}) int {
	t.Helper()
	resp, err := n.srv.Client().Get(n.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// waitTerminal polls the batch status endpoint until the job finishes.
func (n *node) waitTerminal(t testing.TB, id types.JobID, timeout time.Duration) types.BatchJobStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		var st types.BatchJobStatus
		require.Equal(t, http.StatusOK, n.get(t, "/batch/status/"+string(id), &st))
		if st.Status.IsTerminal() {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s after %s", id, st.Status, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func batchRequest(outDir string, files ...string) types.BatchRequest {
	return types.BatchRequest{
		FilePaths: files,
		Steps: []types.StepConfig{
			{ID: "f", Type: types.StepFilter, Enabled: true, Params: map[string]interface{}{"lowcut": 1.0, "highcut": 40.0}},
			{ID: "r", Type: types.StepResample, Enabled: true, Params: map[string]interface{}{"sampleRate": 50.0}},
		},
		OutputDir: outDir,
	}
}
