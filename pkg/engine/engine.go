// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package engine is the public API of the model acquisition, verification
// and repair engine: given a hub repo_id, it discovers the file manifest,
// downloads files with resume and retry, verifies content against
// declared hashes and sizes, repairs corrupt or missing files, and
// maintains a two-layout on-disk cache that an external loader can open.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pocket-cloud-mlx/modelengine/internal/config"
	"github.com/pocket-cloud-mlx/modelengine/internal/coordinator"
	"github.com/pocket-cloud-mlx/modelengine/internal/failure"
	"github.com/pocket-cloud-mlx/modelengine/internal/hubclient"
	"github.com/pocket-cloud-mlx/modelengine/internal/metacache"
	"github.com/pocket-cloud-mlx/modelengine/internal/metrics"
	model "github.com/pocket-cloud-mlx/modelengine/internal/model"
	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
	"github.com/pocket-cloud-mlx/modelengine/internal/store"
	"github.com/pocket-cloud-mlx/modelengine/internal/verifier"
)

// Re-exported data model types so callers depend only on this package
// (§3). The underlying types live in internal/model to avoid an import
// cycle between this orchestrator and the components it wires together.
type (
	RepoID            = model.RepoID
	FileEntry         = model.FileEntry
	RepoManifest      = model.RepoManifest
	CachedMetadata    = model.CachedMetadata
	MissingRepoRecord = model.MissingRepoRecord
	Verdict           = model.Verdict
	VerifyResult      = model.VerifyResult
	ErrorKind         = model.ErrorKind
	Error             = model.Error
)

// Re-exported constants and constructors.
const (
	KindInvalidRequest = model.KindInvalidRequest
	KindUnauthorized   = model.KindUnauthorized
	KindForbidden      = model.KindForbidden
	KindNotFound       = model.KindNotFound
	KindRateLimited    = model.KindRateLimited
	KindNetworkError   = model.KindNetworkError
	KindCorrupted      = model.KindCorrupted
	KindUnrecoverable  = model.KindUnrecoverable
	KindDiskError      = model.KindDiskError
	KindCancelled      = model.KindCancelled
	KindBackoff        = model.KindBackoff
)

var (
	NewError        = model.NewError
	ErrorOf         = model.ErrorOf
	CanonicalRepoID = model.CanonicalRepoID
	IsWeightFile    = model.IsWeightFile
	IsTokenizerFile = model.IsTokenizerFile

	ErrInvalidRepo  = model.ErrInvalidRepo
	ErrMissingRepo  = model.ErrMissingRepo
	ErrUnauthorized = model.ErrUnauthorized
	ErrForbidden    = model.ErrForbidden
	ErrNotFound     = model.ErrNotFound
	ErrRateLimited  = model.ErrRateLimited
	ErrCancelled    = model.ErrCancelled
)

// Status mirrors the verifier's terminal outcome for the public API.
type Status = verifier.Status

const (
	StatusHealthy       = verifier.StatusHealthy
	StatusRepaired       = verifier.StatusRepaired
	StatusUnrecoverable = verifier.StatusUnrecoverable
)

// RepoState is the observable snapshot a caller can subscribe to (§4.8).
type RepoState = statehub.RepoState

// Config configures a new Engine. Zero-value fields fall back to the
// engine's documented defaults (§3, §6).
type Config struct {
	// CacheBase is the on-disk cache root; defaults to
	// ~/.cache/huggingface/hub.
	CacheBase string
	// MetadataCachePath is where the persistent metadata store lives;
	// defaults to {CacheBase}/.modelengine/metadata.db.
	MetadataCachePath string
	// Tokens resolves the hub bearer token; nil means anonymous access.
	Tokens hubclient.TokenSource
	// HubBaseURL overrides the hub's base URL (mirrors, tests).
	HubBaseURL string
	// MaxConcurrentDownloads bounds per-repo file download parallelism.
	MaxConcurrentDownloads int
	// Backoff configures the network failure manager's retry schedule.
	Backoff failure.Policy
	// Metrics, if non-nil, receives a Prometheus registration of the
	// engine's instrumentation. Pass prometheus.NewRegistry() in tests to
	// avoid colliding with the default global registry.
	Metrics prometheus.Registerer
}

// FromFileConfig adapts a loaded internal/config.Config into an engine
// Config, resolving the token via the standard precedence chain (§4.4).
func FromFileConfig(fc config.Config) Config {
	return Config{
		CacheBase: fc.CacheBase,
		Tokens: hubclient.ChainTokenSource{
			Settings: fc.Token,
		},
		HubBaseURL:             fc.HubBaseURL,
		MaxConcurrentDownloads: fc.MaxConcurrentDownloads,
		Backoff: failure.Policy{
			Base:        fc.BackoffBase(),
			Factor:      fc.Backoff.Factor,
			Cap:         fc.BackoffCap(),
			JitterRatio: fc.Backoff.JitterRatio,
		},
	}
}

// Engine is the orchestrator tying together every component (§2): the Hub
// Client, Metadata Cache, Directory Manager, Download Coordinator,
// Verification Service, Network Failure Manager, and Observable State Hub.
type Engine struct {
	store       *store.Store
	hub         *hubclient.Client
	meta        *metacache.Cache
	failures    *failure.Manager
	states      *statehub.Hub
	coordinator *coordinator.Coordinator
	verifier    *verifier.Verifier
	metrics     *metrics.Registry

	cancelMu sync.Mutex
	cancels  map[string]*downloadCancel
}

// downloadCancel identifies one StartDownload goroutine's cancel func, so
// CancelDownload can signal it and the goroutine can remove its own entry
// on exit without racing a newer download for the same repo.
type downloadCancel struct {
	cancel context.CancelFunc
}

// New constructs an Engine, preparing the on-disk cache (creating the base
// directory, clearing this process's stale temp scratch space) and opening
// the metadata store. A metadata store that cannot be opened degrades to
// memory-only rather than failing construction (§4.3).
func New(cfg Config) (*Engine, error) {
	st := store.New(cfg.CacheBase)
	if err := st.EnsureBase(); err != nil {
		return nil, fmt.Errorf("prepare cache base: %w", err)
	}
	if err := st.CleanTempDir(); err != nil {
		return nil, fmt.Errorf("clean temp dir: %w", err)
	}

	metaPath := cfg.MetadataCachePath
	if metaPath == "" {
		metaPath = st.BaseDir + "/.modelengine/metadata.db"
	}
	meta, err := metacache.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata cache: %w", err)
	}

	var hubOpts []hubclient.Option
	if cfg.HubBaseURL != "" {
		hubOpts = append(hubOpts, hubclient.WithBaseURL(cfg.HubBaseURL))
	}
	hub := hubclient.New(cfg.Tokens, hubOpts...)

	policy := cfg.Backoff
	if policy.Base == 0 {
		policy = failure.DefaultPolicy()
	}
	failures := failure.New(policy, nil)

	states := statehub.New()

	var reg *metrics.Registry
	if cfg.Metrics != nil {
		reg = metrics.New(cfg.Metrics)
	}

	maxConcurrent := cfg.MaxConcurrentDownloads
	co := coordinator.New(hub, st, failures, states, reg, maxConcurrent)
	ver := verifier.New(st, co, states, reg)

	return &Engine{
		store:       st,
		hub:         hub,
		meta:        meta,
		failures:    failures,
		states:      states,
		coordinator: co,
		verifier:    ver,
		metrics:     reg,
		cancels:     make(map[string]*downloadCancel),
	}, nil
}

// Close releases the engine's resources (the metadata store's file
// handles, the cache base directory lock).
func (e *Engine) Close() error {
	if err := e.meta.Close(); err != nil {
		return err
	}
	return e.store.ReleaseBase()
}

// resolveManifest fetches (or reuses cached) metadata for id, honoring the
// missing-repo negative cache (§4.3, §4.4).
func (e *Engine) resolveManifest(ctx context.Context, id RepoID) (RepoManifest, error) {
	repoKey := id.String()
	if suppressed, err := e.meta.IsMissingSuppressed(repoKey); err != nil {
		return RepoManifest{}, err
	} else if suppressed {
		return RepoManifest{}, model.ErrNotFound
	}

	md, err := e.meta.GetOrFetch(repoKey, func() (CachedMetadata, error) {
		manifest, ferr := e.hub.GetRepoInfo(ctx, repoKey)
		if ferr != nil {
			return CachedMetadata{}, ferr
		}
		return CachedMetadata{Manifest: manifest}, nil
	})
	if err != nil {
		if mErr := model.ErrorOf(err); mErr != nil && mErr.Kind == model.KindNotFound {
			if markErr := e.meta.MarkMissing(repoKey); markErr != nil {
				return RepoManifest{}, markErr
			}
		}
		return RepoManifest{}, err
	}
	return md.Manifest, nil
}

// DownloadOptions configures which files of a repo StartDownload fetches.
// The zero value downloads everything in the manifest.
type DownloadOptions struct {
	filter coordinator.PlanFilter
}

// DownloadOption mutates a DownloadOptions; see WithFilters, WithExcludes.
type DownloadOption func(*DownloadOptions)

// WithFilters restricts a download to files matching at least one of the
// given patterns (glob against the file's base name or path, or a
// /regex/-delimited pattern against the full path). Combinable with
// WithExcludes; excludes are applied first (§D `pull --filter`).
func WithFilters(patterns ...string) DownloadOption {
	return func(o *DownloadOptions) {
		o.filter.Includes = append(o.filter.Includes, patterns...)
	}
}

// WithExcludes drops files matching any of the given patterns before
// WithFilters' includes are considered (§D `pull --exclude`).
func WithExcludes(patterns ...string) DownloadOption {
	return func(o *DownloadOptions) {
		o.filter.Excludes = append(o.filter.Excludes, patterns...)
	}
}

// StartDownload begins downloading id's main revision in the background,
// reporting progress via Subscribe. It returns once the manifest has been
// resolved and the download has started; it does not block until
// completion. The background download runs on its own cancellable
// context, independent of ctx, so CancelDownload can stop it later without
// requiring the original caller to stay around (§4.6, §4.8).
func (e *Engine) StartDownload(ctx context.Context, repoID string, opts ...DownloadOption) error {
	id, ok := model.CanonicalRepoID(repoID)
	if !ok {
		return model.ErrInvalidRepo
	}

	var options DownloadOptions
	for _, opt := range opts {
		opt(&options)
	}

	manifest, err := e.resolveManifest(ctx, id)
	if err != nil {
		return err
	}

	repoKey := id.String()
	downloadCtx, cancel := context.WithCancel(context.Background())
	entry := &downloadCancel{cancel: cancel}

	e.cancelMu.Lock()
	if prev, ok := e.cancels[repoKey]; ok {
		prev.cancel()
	}
	e.cancels[repoKey] = entry
	e.cancelMu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.cancelMu.Lock()
			if e.cancels[repoKey] == entry {
				delete(e.cancels, repoKey)
			}
			e.cancelMu.Unlock()
		}()
		_ = e.coordinator.DownloadRepo(downloadCtx, id, manifest, options.filter)
	}()
	return nil
}

// VerifyAndRepair runs a full verify-and-repair pass for repoID using its
// cached manifest, downloading anything missing or corrupt (§4.7).
func (e *Engine) VerifyAndRepair(ctx context.Context, repoID string) (Status, error) {
	id, ok := model.CanonicalRepoID(repoID)
	if !ok {
		return StatusUnrecoverable, model.ErrInvalidRepo
	}
	manifest, err := e.resolveManifest(ctx, id)
	if err != nil {
		return StatusUnrecoverable, err
	}
	report, err := e.verifier.VerifyAndRepair(ctx, id, manifest)
	if err != nil {
		return StatusUnrecoverable, err
	}
	return report.Status, nil
}

// CancelDownload requests cancellation of an in-flight download for
// repoID. Cancellation is cooperative: it cancels the context the
// download's StartDownload goroutine is running on, which the coordinator
// observes at its next HTTP read boundary, deletes the repo's in-flight
// temp files, and publishes StatusCancelled itself (§4.6.d, §5, §8). A
// no-op if repoID has no in-flight download.
func (e *Engine) CancelDownload(repoID string) {
	id, ok := model.CanonicalRepoID(repoID)
	if !ok {
		return
	}
	e.cancelMu.Lock()
	entry, ok := e.cancels[id.String()]
	e.cancelMu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Delete removes every on-disk trace of repoID.
func (e *Engine) Delete(repoID string) error {
	id, ok := model.CanonicalRepoID(repoID)
	if !ok {
		return model.ErrInvalidRepo
	}
	return e.store.Delete(id)
}

// EnumerateDownloaded lists every repo_id with a complete-enough cache
// entry on disk (§4.5). A candidate whose cached manifest disagrees with
// an on-disk file's size is excluded: presence of a tokenizer and a
// weight file by name is necessary but not sufficient, since a truncated
// or stale file can carry the right name (§8 "enumerator soundness").
func (e *Engine) EnumerateDownloaded() ([]string, error) {
	candidates, err := e.store.EnumerateDownloaded()
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(candidates))
	for _, repoID := range candidates {
		id, ok := model.CanonicalRepoID(repoID)
		if !ok {
			continue
		}
		if e.passesManifestSizeCheck(id, repoID) {
			result = append(result, repoID)
		}
	}
	return result, nil
}

// passesManifestSizeCheck compares every sized FileEntry in repoID's
// cached manifest against the matching flat-layout file's on-disk size.
// A repo with no cached manifest (e.g. the cache was seeded out of band)
// passes on the strength of the presence check alone, since there is
// nothing recorded to check its sizes against.
func (e *Engine) passesManifestSizeCheck(id model.RepoID, repoID string) bool {
	md, ok, err := e.meta.Get(repoID)
	if err != nil || !ok {
		return true
	}
	for _, file := range md.Manifest.Files {
		if file.ExpectedSize == nil {
			continue
		}
		info, err := os.Stat(e.store.FlatPath(id, file.Name))
		if err != nil {
			continue
		}
		if info.Size() != *file.ExpectedSize {
			return false
		}
	}
	return true
}

// RefreshMetadata force-refreshes cached metadata for every repo currently
// on disk, one hub call at a time with the ≥100ms pacing C3's
// batch_update(ids) requires (§4.3). A confirmed-missing repo is marked
// missing and the batch goes on; any other fetch failure stops the batch
// and is returned.
func (e *Engine) RefreshMetadata(ctx context.Context) error {
	ids, err := e.EnumerateDownloaded()
	if err != nil {
		return err
	}
	return e.meta.BatchUpdate(ids, func(repoID string) (CachedMetadata, error) {
		manifest, ferr := e.hub.GetRepoInfo(ctx, repoID)
		if ferr != nil {
			return CachedMetadata{}, ferr
		}
		return CachedMetadata{Manifest: manifest}, nil
	})
}

// Subscribe registers for RepoState updates for repoID (§4.8).
func (e *Engine) Subscribe(repoID string) (<-chan RepoState, func()) {
	return e.states.Subscribe(repoID)
}

// GetState returns the current observable state for repoID.
func (e *Engine) GetState(repoID string) RepoState {
	return e.states.Get(repoID)
}

// GetModelPath returns the flat-layout directory an external loader should
// open for repoID.
func (e *Engine) GetModelPath(repoID string) (string, error) {
	id, ok := model.CanonicalRepoID(repoID)
	if !ok {
		return "", model.ErrInvalidRepo
	}
	return e.store.FlatRoot(id), nil
}
