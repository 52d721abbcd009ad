// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pocket-cloud-mlx/modelengine/internal/coordinator"
	"github.com/pocket-cloud-mlx/modelengine/internal/failure"
	"github.com/pocket-cloud-mlx/modelengine/internal/hubclient"
	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
	"github.com/pocket-cloud-mlx/modelengine/internal/store"
	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func setup(t *testing.T, files map[string]string) (*Verifier, *store.Store, engine.RepoID, engine.RepoManifest) {
	t.Helper()
	mux := http.NewServeMux()
	for name, content := range files {
		name, content := name, content
		mux.HandleFunc("/acme/model1/resolve/main/"+name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(content))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var entries []engine.FileEntry
	for name, content := range files {
		size := int64(len(content))
		entries = append(entries, engine.FileEntry{Name: name, ExpectedSize: &size, ExpectedSHA256: sha256Hex(content)})
	}
	manifest := engine.RepoManifest{RepoID: "acme/model1", SHA: "rev1", Files: entries}

	hub := hubclient.New(hubclient.StaticToken(""), hubclient.WithBaseURL(srv.URL))
	st := store.New(t.TempDir())
	fm := failure.New(failure.DefaultPolicy(), nil)
	states := statehub.New()
	co := coordinator.New(hub, st, fm, states, nil, 2)
	v := New(st, co, states, nil)

	id := engine.RepoID{Owner: "acme", Name: "model1"}
	require.NoError(t, co.DownloadRepo(context.Background(), id, manifest, coordinator.PlanFilter{}))
	return v, st, id, manifest
}

func TestVerifyAndRepairHealthyWhenUntouched(t *testing.T) {
	v, _, id, manifest := setup(t, map[string]string{
		"tokenizer.json": `{}`,
	})

	report, err := v.VerifyAndRepair(context.Background(), id, manifest)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Status)
}

func TestVerifyAndRepairFixesCorruptedFile(t *testing.T) {
	v, st, id, manifest := setup(t, map[string]string{
		"tokenizer.json": `{}`,
	})

	flatPath := st.FlatPath(id, "tokenizer.json")
	require.NoError(t, os.WriteFile(flatPath, []byte("corrupted"), 0o644))

	report, err := v.VerifyAndRepair(context.Background(), id, manifest)
	require.NoError(t, err)
	require.Equal(t, StatusRepaired, report.Status)
	require.Contains(t, report.Repaired, "tokenizer.json")

	data, err := os.ReadFile(flatPath)
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))
}

func TestVerifyAndRepairUnrecoverableWhenHubLacksFile(t *testing.T) {
	v, st, id, manifest := setup(t, map[string]string{
		"tokenizer.json": `{}`,
	})

	// Corrupt the file; the repair below targets a file name the hub
	// doesn't serve, so repair can't find replacement bytes.
	flatPath := st.FlatPath(id, "tokenizer.json")
	require.NoError(t, os.WriteFile(flatPath, []byte("corrupted"), 0o644))

	// Point the manifest at a file the fake server doesn't serve.
	manifest.Files[0].Name = "tokenizer.json"
	badManifest := manifest
	badManifest.RepoID = "acme/model1"

	// Break the hub by using a closed server reference: simplest is to
	// reuse the same coordinator but target a file name the mux 404s on.
	badManifest.Files = []engine.FileEntry{{Name: "missing.json", ExpectedSize: manifest.Files[0].ExpectedSize, ExpectedSHA256: manifest.Files[0].ExpectedSHA256}}
	missingPath := st.FlatPath(id, "missing.json")
	require.NoError(t, os.WriteFile(missingPath, []byte("corrupted"), 0o644))

	report, err := v.VerifyAndRepair(context.Background(), id, badManifest)
	require.NoError(t, err)
	require.Equal(t, StatusUnrecoverable, report.Status)
}
