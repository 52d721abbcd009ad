// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pocket-cloud-mlx/modelengine/internal/failure"
	"github.com/pocket-cloud-mlx/modelengine/internal/hubclient"
	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
	"github.com/pocket-cloud-mlx/modelengine/internal/store"
	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

func TestPlanOrdersSmallestFirst(t *testing.T) {
	small := int64(10)
	large := int64(1000)
	manifest := engine.RepoManifest{Files: []engine.FileEntry{
		{Name: "weights.safetensors", ExpectedSize: &large},
		{Name: "tokenizer.json", ExpectedSize: &small},
		{Name: "unknown.bin"},
	}}

	plan := Plan(manifest, PlanFilter{})
	require.Equal(t, "tokenizer.json", plan[0].Name)
	require.Equal(t, "weights.safetensors", plan[1].Name)
	require.Equal(t, "unknown.bin", plan[2].Name)
}

// TestPlanPreservesEntryContents checks Plan only reorders, never mutates,
// each FileEntry's fields (including the size pointer's pointee, which
// require.Equal would also catch, but cmp.Diff gives a precise per-field
// report if a future change starts copying entries instead of reordering
// them).
func TestPlanPreservesEntryContents(t *testing.T) {
	small := int64(10)
	large := int64(1000)
	manifest := engine.RepoManifest{Files: []engine.FileEntry{
		{Name: "weights.safetensors", ExpectedSize: &large, ExpectedSHA256: "aa"},
		{Name: "tokenizer.json", ExpectedSize: &small, ExpectedSHA256: "bb"},
	}}

	want := []engine.FileEntry{
		{Name: "tokenizer.json", ExpectedSize: &small, ExpectedSHA256: "bb"},
		{Name: "weights.safetensors", ExpectedSize: &large, ExpectedSHA256: "aa"},
	}

	got := Plan(manifest, PlanFilter{})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Plan() mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanAppliesIncludeAndExcludeFilters(t *testing.T) {
	manifest := engine.RepoManifest{Files: []engine.FileEntry{
		{Name: "model-q4_0.gguf"},
		{Name: "model-q8_0.gguf"},
		{Name: "README.md"},
	}}

	plan := Plan(manifest, PlanFilter{Includes: []string{"*q4_0*", "README.md"}})
	var names []string
	for _, f := range plan {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"model-q4_0.gguf", "README.md"}, names)

	plan = Plan(manifest, PlanFilter{Excludes: []string{"*.gguf"}})
	names = nil
	for _, f := range plan {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"README.md"}, names)
}

func newFakeHubServer(t *testing.T, fileContent map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for name, content := range fileContent {
		name, content := name, content
		mux.HandleFunc("/acme/model1/resolve/main/"+name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(content))
		})
	}
	return httptest.NewServer(mux)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDownloadRepoFetchesVerifiesAndMaterialises(t *testing.T) {
	content := map[string]string{
		"tokenizer.json":      `{"type":"bpe"}`,
		"model.safetensors":   "weights-blob-content",
	}
	srv := newFakeHubServer(t, content)
	defer srv.Close()

	size1 := int64(len(content["tokenizer.json"]))
	size2 := int64(len(content["model.safetensors"]))
	manifest := engine.RepoManifest{
		RepoID: "acme/model1",
		SHA:    "rev1",
		Files: []engine.FileEntry{
			{Name: "tokenizer.json", ExpectedSize: &size1, ExpectedSHA256: sha256Hex(content["tokenizer.json"])},
			{Name: "model.safetensors", ExpectedSize: &size2, ExpectedSHA256: sha256Hex(content["model.safetensors"])},
		},
	}

	hub := hubclient.New(hubclient.StaticToken(""), hubclient.WithBaseURL(srv.URL))
	st := store.New(t.TempDir())
	fm := failure.New(failure.DefaultPolicy(), nil)
	states := statehub.New()
	co := New(hub, st, fm, states, nil, 2)

	id := engine.RepoID{Owner: "acme", Name: "model1"}
	err := co.DownloadRepo(context.Background(), id, manifest, PlanFilter{})
	require.NoError(t, err)

	flatTok := st.FlatPath(id, "tokenizer.json")
	data, err := os.ReadFile(flatTok)
	require.NoError(t, err)
	require.Equal(t, content["tokenizer.json"], string(data))

	rev, err := st.ReadRef(id, "main")
	require.NoError(t, err)
	require.Equal(t, "rev1", rev)

	final := states.Get(id.String())
	require.Equal(t, statehub.StatusDownloaded, final.Status)
}

func TestDownloadRepoFailsVerificationOnHashMismatch(t *testing.T) {
	content := map[string]string{"model.safetensors": "actual-content"}
	srv := newFakeHubServer(t, content)
	defer srv.Close()

	size := int64(len(content["model.safetensors"]))
	manifest := engine.RepoManifest{
		RepoID: "acme/model1",
		Files: []engine.FileEntry{
			{Name: "model.safetensors", ExpectedSize: &size, ExpectedSHA256: sha256Hex("different-content")},
		},
	}

	hub := hubclient.New(hubclient.StaticToken(""), hubclient.WithBaseURL(srv.URL))
	st := store.New(t.TempDir())
	fm := failure.New(failure.DefaultPolicy(), nil)
	states := statehub.New()
	co := New(hub, st, fm, states, nil, 1)

	id := engine.RepoID{Owner: "acme", Name: "model1"}
	err := co.DownloadRepo(context.Background(), id, manifest, PlanFilter{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "corrupted") || engine.ErrorOf(err) != nil)
}

func TestDownloadRepoRespectsBackoffGate(t *testing.T) {
	st := store.New(t.TempDir())
	fm := failure.New(failure.DefaultPolicy(), nil)
	states := statehub.New()
	hub := hubclient.New(hubclient.StaticToken(""))
	co := New(hub, st, fm, states, nil, 1)

	id := engine.RepoID{Owner: "acme", Name: "model1"}
	fm.RecordFailure(id.String(), engine.KindNetworkError, 0)

	err := co.DownloadRepo(context.Background(), id, engine.RepoManifest{RepoID: id.String()}, PlanFilter{})
	require.Error(t, err)
	require.Equal(t, engine.KindBackoff, engine.ErrorOf(err).Kind)
}

func TestSanitizeTempNameStripsDirectoryComponents(t *testing.T) {
	require.Equal(t, "passwd.part", sanitizeTempName("../../etc/passwd"))
}
