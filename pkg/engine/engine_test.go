// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
)

func newFakeHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/acme/model1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":  "acme/model1",
			"sha": "rev1",
			"siblings": []map[string]any{
				{"rfilename": "tokenizer.json", "size": 2},
			},
		})
	})
	mux.HandleFunc("/acme/model1/resolve/main/tokenizer.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	return httptest.NewServer(mux)
}

func newTestEngine(t *testing.T, baseURL string) *Engine {
	t.Helper()
	e, err := New(Config{
		CacheBase:              t.TempDir(),
		MetadataCachePath:      filepath.Join(t.TempDir(), "meta.db"),
		HubBaseURL:             baseURL,
		MaxConcurrentDownloads: 2,
		Metrics:                prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitForStatus(t *testing.T, e *Engine, repoID string, want statehub.Status, timeout time.Duration) {
	t.Helper()
	ch, cancel := e.Subscribe(repoID)
	defer cancel()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-ch:
			if st.Status == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for repo %s to reach %s", repoID, want)
		}
	}
}

func TestStartDownloadFetchesAndMaterialises(t *testing.T) {
	srv := newFakeHub(t)
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	require.NoError(t, e.StartDownload(context.Background(), "acme/model1"))
	waitForStatus(t, e, "acme/model1", statehub.StatusDownloaded, 5*time.Second)

	path, err := e.GetModelPath("acme/model1")
	require.NoError(t, err)
	require.Contains(t, path, "model1")
}

func TestVerifyAndRepairReportsHealthyAfterDownload(t *testing.T) {
	srv := newFakeHub(t)
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	require.NoError(t, e.StartDownload(context.Background(), "acme/model1"))
	waitForStatus(t, e, "acme/model1", statehub.StatusDownloaded, 5*time.Second)

	status, err := e.VerifyAndRepair(context.Background(), "acme/model1")
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, status)
}

func newFakeHubTwoFiles(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/acme/model2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":  "acme/model2",
			"sha": "rev1",
			"siblings": []map[string]any{
				{"rfilename": "tokenizer.json", "size": 2},
				{"rfilename": "model.safetensors", "size": 2},
			},
		})
	})
	mux.HandleFunc("/acme/model2/resolve/main/tokenizer.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/acme/model2/resolve/main/model.safetensors", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	return httptest.NewServer(mux)
}

func TestStartDownloadWithFiltersOnlyFetchesMatchingFiles(t *testing.T) {
	srv := newFakeHubTwoFiles(t)
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	require.NoError(t, e.StartDownload(context.Background(), "acme/model2", WithFilters("tokenizer.json")))
	waitForStatus(t, e, "acme/model2", statehub.StatusDownloaded, 5*time.Second)

	_, err := e.GetModelPath("acme/model2")
	require.NoError(t, err)

	downloaded, err := e.EnumerateDownloaded()
	require.NoError(t, err)
	require.NotContains(t, downloaded, "acme/model2")
}

func TestStartDownloadRejectsInvalidRepoID(t *testing.T) {
	e := newTestEngine(t, "")
	err := e.StartDownload(context.Background(), "not-a-valid-id")
	require.Error(t, err)
}

func TestEnumerateDownloadedEmptyInitially(t *testing.T) {
	e := newTestEngine(t, "")
	found, err := e.EnumerateDownloaded()
	require.NoError(t, err)
	require.Empty(t, found)
}
