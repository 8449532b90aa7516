// ============================================================================
// eegflow Recovery Test Suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Function: End-to-end job record recovery across a restart
//
// TestBatchRecordsSurviveRestart:
//   1. Node A runs a finished and an unfinished batch job over HTTP
//   2. The job store writes A's records, A stops
//   3. Node B loads the store and serves the same records
//   4. The finished job keeps its results, the unfinished one reads failed
//      with the shutdown message
//
// ============================================================================

package integration

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/jobstore"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

func TestBatchRecordsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	store := jobstore.New(filepath.Join(dir, "jobs.json"), 1)

	a := startNode(t, 2)

	var done types.BatchJobStatus
	code := a.post(t, "/batch/start", batchRequest(filepath.Join(dir, "out"),
		"synthetic:2x5x100", "missing.fif"), &done)
	require.Equal(t, http.StatusAccepted, code)
	finished := a.waitTerminal(t, done.JobID, 10*time.Second)
	require.Equal(t, types.StatusCompleted, finished.Status)

	// Created but never started, so it is still pending when A stops.
	pendingID, err := a.batch.CreateJob(batchRequest(filepath.Join(dir, "out2"), "synthetic:2x5x100"))
	require.NoError(t, err)

	require.NoError(t, store.Write(a.batch.Records()))

	b := startNode(t, 1)
	data, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, b.batch.Restore(data.Batch))

	var restored types.BatchJobStatus
	require.Equal(t, http.StatusOK, b.get(t, "/batch/status/"+string(done.JobID), &restored))
	assert.Equal(t, types.StatusCompleted, restored.Status)
	assert.Equal(t, 1, restored.CompletedFiles)
	assert.Equal(t, 1, restored.FailedFiles)
	assert.Equal(t, finished.Results, restored.Results)

	var interrupted types.BatchJobStatus
	require.Equal(t, http.StatusOK, b.get(t, "/batch/status/"+string(pendingID), &interrupted))
	assert.Equal(t, types.StatusFailed, interrupted.Status)
	assert.Equal(t, batch.InterruptedMessage, interrupted.ErrorMessage)

	var cancelled map[string]interface{}
	assert.Equal(t, http.StatusBadRequest, b.post(t, "/batch/cancel/"+string(done.JobID), nil, &cancelled),
		"restored records are read-only")
}

func TestSessionUndoRedoOverHTTP(t *testing.T) {
	n := startNode(t, 1)

	var loaded struct {
		SessionID types.SessionID `json:"session_id"`
	}
	require.Equal(t, http.StatusCreated, n.post(t, "/workspace/load",
		map[string]string{"file_path": "synthetic:4x10x100"}, &loaded))

	type sessionInfo struct {
		Raw struct {
			SampleRate float64 `json:"sample_rate"`
		} `json:"raw"`
		History []types.HistoryEntry `json:"history"`
	}
	ops := func(info sessionInfo) []string {
		out := make([]string, len(info.History))
		for i, h := range info.History {
			out[i] = h.Operation
		}
		return out
	}

	sid := string(loaded.SessionID)
	require.Equal(t, http.StatusOK, n.post(t, "/preprocessing/filter",
		map[string]interface{}{"session_id": sid, "l_freq": 1.0, "h_freq": 40.0}, nil))
	require.Equal(t, http.StatusOK, n.post(t, "/preprocessing/resample",
		map[string]interface{}{"session_id": sid, "target_sfreq": 50.0}, nil))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, n.post(t, "/preprocessing/undo", map[string]string{"session_id": sid}, nil))
	}
	var info sessionInfo
	require.Equal(t, http.StatusOK, n.get(t, "/workspace/session/"+sid+"/info", &info))
	assert.Equal(t, 100.0, info.Raw.SampleRate)
	assert.Empty(t, info.History)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, n.post(t, "/preprocessing/redo", map[string]string{"session_id": sid}, nil))
	}
	require.Equal(t, http.StatusOK, n.get(t, "/workspace/session/"+sid+"/info", &info))
	assert.Equal(t, 50.0, info.Raw.SampleRate)
	assert.Equal(t, []string{"filter", "resample"}, ops(info))
}
