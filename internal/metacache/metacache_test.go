// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package metacache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetMissReturnsNotOK(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get("acme/model1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	md := engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: "acme/model1"}}
	require.NoError(t, c.Update("acme/model1", md))

	got, ok, err := c.Get("acme/model1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "acme/model1", got.Manifest.RepoID)
	require.False(t, got.CachedAt.IsZero())
}

func TestGetOrFetchCallsFetchOnceOnMiss(t *testing.T) {
	c := newTestCache(t)
	var calls int32
	fetch := func() (engine.CachedMetadata, error) {
		atomic.AddInt32(&calls, 1)
		return engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: "acme/model1"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrFetch("acme/model1", fetch)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrFetchSkipsFetchWhenFresh(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Update("acme/model1", engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: "acme/model1"}}))

	called := false
	_, err := c.GetOrFetch("acme/model1", func() (engine.CachedMetadata, error) {
		called = true
		return engine.CachedMetadata{}, nil
	})
	require.NoError(t, err)
	require.False(t, called)
}

func TestMarkMissingSuppressesThenClearsOnUpdate(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.MarkMissing("acme/gone"))

	suppressed, err := c.IsMissingSuppressed("acme/gone")
	require.NoError(t, err)
	require.True(t, suppressed)

	require.NoError(t, c.Update("acme/gone", engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: "acme/gone"}}))
	suppressed, err = c.IsMissingSuppressed("acme/gone")
	require.NoError(t, err)
	require.False(t, suppressed)
}

func TestSubscribePublishesOnUpdate(t *testing.T) {
	c := newTestCache(t)
	ch, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Update("acme/model1", engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: "acme/model1"}}))

	ev := <-ch
	require.Equal(t, "acme/model1", ev.RepoID)
	require.Equal(t, ChangeUpdated, ev.Kind)
}

func TestClearAllWipesEntries(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Update("acme/model1", engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: "acme/model1"}}))
	require.NoError(t, c.ClearAll())

	_, ok, err := c.Get("acme/model1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchUpdateFetchesEachIDAndPaces(t *testing.T) {
	c := newTestCache(t)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	var calls []string
	fetch := func(repoID string) (engine.CachedMetadata, error) {
		calls = append(calls, repoID)
		return engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: repoID}}, nil
	}

	ids := []string{"acme/model1", "acme/model2", "acme/model3"}
	require.NoError(t, c.BatchUpdate(ids, fetch))

	require.Equal(t, ids, calls)
	require.Equal(t, []time.Duration{batchUpdatePacing, batchUpdatePacing}, slept)

	for _, id := range ids {
		got, ok, err := c.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, got.Manifest.RepoID)
	}
}

func TestBatchUpdateMarksNotFoundMissingAndContinues(t *testing.T) {
	c := newTestCache(t)
	c.sleep = func(time.Duration) {}

	fetch := func(repoID string) (engine.CachedMetadata, error) {
		if repoID == "acme/gone" {
			return engine.CachedMetadata{}, engine.ErrNotFound
		}
		return engine.CachedMetadata{Manifest: engine.RepoManifest{RepoID: repoID}}, nil
	}

	require.NoError(t, c.BatchUpdate([]string{"acme/gone", "acme/model1"}, fetch))

	suppressed, err := c.IsMissingSuppressed("acme/gone")
	require.NoError(t, err)
	require.True(t, suppressed)

	_, ok, err := c.Get("acme/model1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOpenDegradesOnUnwritablePath(t *testing.T) {
	// A path nested under a file (not a directory) cannot be opened by
	// badger; Open must degrade rather than error.
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	c, err := Open(filepath.Join(blocker, "meta.db"))
	require.NoError(t, err)
	require.True(t, c.degraded)
}
