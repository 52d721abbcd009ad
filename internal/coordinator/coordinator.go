// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the Download Coordinator (C6): it plans
// per-file download order, streams files with resume and bounded retry,
// verifies content as it lands, and promotes completed files into the
// two-layout cache (§4.6).
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pocket-cloud-mlx/modelengine/internal/failure"
	"github.com/pocket-cloud-mlx/modelengine/internal/hubclient"
	"github.com/pocket-cloud-mlx/modelengine/internal/integrity"
	"github.com/pocket-cloud-mlx/modelengine/internal/metrics"
	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
	"github.com/pocket-cloud-mlx/modelengine/internal/store"
	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

// perFileRetryDelays is the bounded retry schedule within a single file
// download attempt, distinct from the per-repo backoff gate in package
// failure (§4.6.c).
var perFileRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Coordinator owns the mechanics of getting bytes from the hub onto disk,
// correctly ordered, resumed, verified, and promoted.
type Coordinator struct {
	Hub           *hubclient.Client
	Store         *store.Store
	Failures      *failure.Manager
	States        *statehub.Hub
	Metrics       *metrics.Registry
	MaxConcurrent int
}

// New creates a Coordinator. maxConcurrent bounds how many files of a
// single repo download in parallel; zero defaults to 4. reg may be nil, in
// which case every metric recording is a no-op.
func New(hub *hubclient.Client, st *store.Store, failures *failure.Manager, states *statehub.Hub, reg *metrics.Registry, maxConcurrent int) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Coordinator{Hub: hub, Store: st, Failures: failures, States: states, Metrics: reg, MaxConcurrent: maxConcurrent}
}

// Plan selects and orders a manifest's files: filter narrows the set
// (§D `pull --filter`/`--exclude`), then the survivors sort smallest-first
// so small auxiliary files (tokenizer config, README) land before large
// weight shards, giving a caller usable partial progress sooner (§4.6.a).
// Files with unknown size sort last.
func Plan(manifest engine.RepoManifest, filter PlanFilter) []engine.FileEntry {
	files := filter.apply(manifest.Files)
	files = append([]engine.FileEntry(nil), files...)
	sort.SliceStable(files, func(i, j int) bool {
		si, sj := files[i].ExpectedSize, files[j].ExpectedSize
		switch {
		case si == nil && sj == nil:
			return false
		case si == nil:
			return false
		case sj == nil:
			return true
		default:
			return *si < *sj
		}
	})
	return files
}

// DownloadRepo downloads every file in manifest, honoring the repo's
// backoff gate, and on full success writes the "main" ref and transitions
// the repo to Downloaded.
func (c *Coordinator) DownloadRepo(ctx context.Context, id engine.RepoID, manifest engine.RepoManifest, filter PlanFilter) error {
	repoKey := id.String()
	if !c.Failures.IsReady(repoKey) {
		wait, _ := c.Failures.PendingBackoff(repoKey)
		c.States.Transition(repoKey, statehub.StatusBackoffWait, fmt.Sprintf("retry in %s", wait))
		c.Metrics.IncHubRequest("backoff")
		e := engine.NewError(engine.KindBackoff, fmt.Sprintf("repo %s is backoff-gated for %s", repoKey, wait), nil)
		e.RetryAfter = wait
		return e
	}

	c.States.BeginAttempt(repoKey, uuid.New().String()[:8])
	c.States.Transition(repoKey, statehub.StatusDownloading, "")

	c.Metrics.IncActiveDownloads()
	defer c.Metrics.DecActiveDownloads()
	start := time.Now()

	revision := manifest.SHA
	if revision == "" {
		revision = "main"
	}

	if err := c.DownloadFiles(ctx, id, revision, Plan(manifest, filter)); err != nil {
		if errors.Is(err, context.Canceled) {
			c.Metrics.IncHubRequest("cancelled")
			return c.handleCancellation(repoKey, id)
		}

		kind := classify(err)
		retryAfter := retryAfterOf(err)
		if engine.IsRetryable(kind) {
			c.Failures.RecordFailure(repoKey, kind, retryAfter)
			c.Metrics.SetBackoffGatedRepos(c.Failures.GatedCount())
		}
		c.States.TransitionFailed(repoKey, err.Error(), string(kind))
		c.Metrics.IncHubRequest("failed")
		return err
	}

	c.Failures.RecordSuccess(repoKey)
	c.Metrics.SetBackoffGatedRepos(c.Failures.GatedCount())
	if err := c.Store.WriteRef(id, "main", revision); err != nil {
		return fmt.Errorf("write ref: %w", err)
	}
	c.States.Transition(repoKey, statehub.StatusDownloaded, "")
	c.Metrics.IncHubRequest("success")
	c.Metrics.ObserveDownloadDuration(time.Since(start))
	return nil
}

// handleCancellation deletes id's in-flight temp files and publishes
// StatusCancelled exactly once that cleanup has finished, so a caller
// observing the terminal state never sees a stray temp file on disk
// (§4.6.d, §5, §8). It does not touch the backoff gate: a cancellation is
// not a network failure.
func (c *Coordinator) handleCancellation(repoKey string, id engine.RepoID) error {
	if err := c.Store.CleanRepoTempDir(id); err != nil {
		c.States.TransitionFailed(repoKey, fmt.Sprintf("cancelled but temp cleanup failed: %v", err), string(engine.KindDiskError))
		return err
	}
	c.States.Transition(repoKey, statehub.StatusCancelled, "cancelled by caller")
	return engine.ErrCancelled
}

// DownloadFiles fetches exactly the given entries for id at revision,
// bounded by MaxConcurrent, without touching the repo's backoff gate or
// observable status beyond per-file progress. Used directly by the
// verifier (C7) to repair a specific subset of files without re-running a
// full plan (§4.7).
func (c *Coordinator) DownloadFiles(ctx context.Context, id engine.RepoID, revision string, entries []engine.FileEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.MaxConcurrent)
	total := len(entries)

	for i, entry := range entries {
		entry := entry
		index := i + 1
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			return c.downloadFile(gctx, id, revision, entry, index, total)
		})
	}
	return g.Wait()
}

// downloadFile fetches a single entry, retrying transient failures up to
// len(perFileRetryDelays) additional times, resuming from whatever bytes
// already landed in the temp file.
func (c *Coordinator) downloadFile(ctx context.Context, id engine.RepoID, revision string, entry engine.FileEntry, fileIndex, fileTotal int) error {
	var lastErr error
	for attempt := 0; attempt <= len(perFileRetryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(perFileRetryDelays[attempt-1]):
			}
		}

		err := c.downloadFileOnceRetryingCorruption(ctx, id, revision, entry, fileIndex, fileTotal)
		if err == nil {
			return nil
		}
		lastErr = err
		if !engine.IsRetryable(classify(err)) {
			return err
		}
		c.States.Update(id.String(), statehub.KindTransition, func(s *statehub.RepoState) {
			s.Message = fmt.Sprintf("retrying %s: %v", entry.Name, err)
		})
	}
	return lastErr
}

// downloadFileOnceRetryingCorruption gives a fresh-download corruption
// (hash or size mismatch) exactly one immediate retry from a clean temp
// file before surfacing it, distinct from both the per-file transient
// retry schedule above (which never retries KindCorrupted) and C7's later
// whole-repo repair pass (§4.6.e: "the coordinator deletes the temp file
// and restarts the transfer once before surfacing DownloadCorrupted").
func (c *Coordinator) downloadFileOnceRetryingCorruption(ctx context.Context, id engine.RepoID, revision string, entry engine.FileEntry, fileIndex, fileTotal int) error {
	err := c.downloadFileOnce(ctx, id, revision, entry, fileIndex, fileTotal)
	if err == nil || classify(err) != engine.KindCorrupted {
		return err
	}
	c.States.Update(id.String(), statehub.KindTransition, func(s *statehub.RepoState) {
		s.Message = fmt.Sprintf("%s failed verification, retrying once: %v", entry.Name, err)
	})
	return c.downloadFileOnce(ctx, id, revision, entry, fileIndex, fileTotal)
}

func (c *Coordinator) downloadFileOnce(ctx context.Context, id engine.RepoID, revision string, entry engine.FileEntry, fileIndex, fileTotal int) error {
	tempDir := c.Store.RepoTempDir(id)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("prepare temp dir: %w", err)
	}
	tempPath := filepath.Join(tempDir, sanitizeTempName(entry.Name))

	offset, hasher, err := resumeState(tempPath)
	if err != nil {
		return fmt.Errorf("resume state %s: %w", entry.Name, err)
	}
	if offset > 0 && !c.Hub.AcceptsRanges(ctx, id.String(), entry.Name) {
		// Without range support the partial file cannot be resumed.
		if err := os.Remove(tempPath); err != nil {
			return err
		}
		offset, hasher = 0, sha256.New()
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	w := io.MultiWriter(f, hasher)

	written := offset
	_, err = c.Hub.StreamFile(ctx, id.String(), entry.Name, offset, w, func(chunk int) {
		written += chunk64(chunk)
		c.States.ReportBytes(id.String(), entry.Name, fileIndex, fileTotal, written, sizeOrZero(entry.ExpectedSize))
		c.Metrics.AddBytesTransferred(chunk64(chunk))
	})
	closeErr := f.Close()
	if err != nil {
		// The partial file stays on disk; the next attempt's resumeState
		// re-hashes it and resumes from its end.
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	sha := hex.EncodeToString(hasher.Sum(nil))
	result, err := integrity.VerifyFile(tempPath, entry.ExpectedSize, entry.ExpectedSHA256)
	if err != nil {
		return err
	}
	if result.Verdict == engine.VerdictHashMismatch || result.Verdict == engine.VerdictSizeMismatch {
		_ = os.Remove(tempPath)
		return engine.NewError(engine.KindCorrupted, fmt.Sprintf("%s failed verification: %s", entry.Name, result.Verdict), nil).WithFiles(entry.Name)
	}

	blobSHA := entry.ExpectedSHA256
	if blobSHA == "" {
		blobSHA = sha
	}
	blobPath, err := c.Store.PromoteTempToBlob(id, tempPath, blobSHA)
	if err != nil {
		return fmt.Errorf("promote %s: %w", entry.Name, err)
	}
	_ = blobPath
	return c.Store.Materialise(id, revision, entry.Name, blobSHA)
}

// resumeState inspects an existing temp file and returns the byte offset
// to resume from along with a hasher pre-seeded with its contents. A
// missing temp file resumes from zero with a fresh hasher.
func resumeState(path string) (int64, hash.Hash, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, sha256.New(), nil
	}
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, nil, err
	}
	return n, h, nil
}

func sanitizeTempName(name string) string {
	safe := filepath.Base(name)
	return safe + ".part"
}

func chunk64(n int) int64 { return int64(n) }

func sizeOrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// classify maps err to an ErrorKind, treating unrecognised errors as
// network-class so transient failures default to retryable rather than
// terminal. A cancelled context is always KindCancelled, never retryable,
// regardless of how deep in the call stack it surfaced.
func classify(err error) engine.ErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.KindCancelled
	}
	if e := engine.ErrorOf(err); e != nil {
		return e.Kind
	}
	return engine.KindNetworkError
}

func retryAfterOf(err error) time.Duration {
	if e := engine.ErrorOf(err); e != nil {
		return e.RetryAfter
	}
	return 0
}
