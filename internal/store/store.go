// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package store implements the Directory Manager (C5): the two-layout
// on-disk cache scheme (content-addressed blob+snapshot tree, and a flat
// loader-friendly tree), canonicalisation, and enumeration of models
// already present on disk (§4.5).
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/pocket-cloud-mlx/modelengine/internal/integrity"
	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

// DefaultBaseDir returns "~/.cache/huggingface/hub", the default cache
// root (§3, §6).
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// Store owns the on-disk layout rooted at BaseDir.
type Store struct {
	BaseDir string

	lock *flock.Flock
}

// New creates a Store rooted at baseDir. If baseDir is empty,
// DefaultBaseDir is used.
func New(baseDir string) *Store {
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	return &Store{BaseDir: baseDir}
}

// EnsureBase creates the cache root if needed and takes an advisory lock
// file guarding the base directory's bookkeeping (startup cleanup, ref
// writes) so two engine processes sharing a cache root don't race each
// other (SPEC_FULL §C).
func (s *Store) EnsureBase() error {
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return fmt.Errorf("ensure cache base: %w", err)
	}
	s.lock = flock.New(filepath.Join(s.BaseDir, ".modelengine.lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock cache base: %w", err)
	}
	if !locked {
		// Another process holds the lock; proceed without it rather than
		// blocking the caller indefinitely. Bookkeeping operations are
		// individually safe (atomic rename, idempotent symlink writes);
		// the lock only reduces the window for a lost-update race.
		return nil
	}
	return nil
}

// ReleaseBase releases the advisory base-directory lock, if held.
func (s *Store) ReleaseBase() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func repoDirName(id engine.RepoID) string {
	return id.CacheDirName()
}

// RepoRoot returns the content-addressed repo directory:
// {base}/models--{owner}--{name}.
func (s *Store) RepoRoot(id engine.RepoID) string {
	return filepath.Join(s.BaseDir, repoDirName(id))
}

// BlobsDir returns {repoRoot}/blobs.
func (s *Store) BlobsDir(id engine.RepoID) string {
	return filepath.Join(s.RepoRoot(id), "blobs")
}

// BlobPath returns the path a blob with the given sha256 hex digest should
// occupy.
func (s *Store) BlobPath(id engine.RepoID, sha256Hex string) string {
	return filepath.Join(s.BlobsDir(id), strings.ToLower(sha256Hex))
}

// SnapshotsDir returns {repoRoot}/snapshots.
func (s *Store) SnapshotsDir(id engine.RepoID) string {
	return filepath.Join(s.RepoRoot(id), "snapshots")
}

// SnapshotPath returns {repoRoot}/snapshots/{revision}/{rel}.
func (s *Store) SnapshotPath(id engine.RepoID, revision, rel string) string {
	return filepath.Join(s.SnapshotsDir(id), revision, filepath.FromSlash(rel))
}

// RefsDir returns {repoRoot}/refs.
func (s *Store) RefsDir(id engine.RepoID) string {
	return filepath.Join(s.RepoRoot(id), "refs")
}

// RefPath returns {repoRoot}/refs/{ref}, e.g. refs/main.
func (s *Store) RefPath(id engine.RepoID, ref string) string {
	return filepath.Join(s.RefsDir(id), ref)
}

// WriteRef records the active revision id for ref (typically "main").
func (s *Store) WriteRef(id engine.RepoID, ref, revision string) error {
	if err := os.MkdirAll(s.RefsDir(id), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.RefPath(id, ref), []byte(revision), 0o644)
}

// ReadRef reads the active revision id for ref, or "" if unset.
func (s *Store) ReadRef(id engine.RepoID, ref string) (string, error) {
	b, err := os.ReadFile(s.RefPath(id, ref))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// FlatRoot returns the flat-layout root for a repo: {base}/{owner}/{name}.
func (s *Store) FlatRoot(id engine.RepoID) string {
	return filepath.Join(s.BaseDir, id.Owner, id.Name)
}

// FlatPath returns {flatRoot}/{rel}.
func (s *Store) FlatPath(id engine.RepoID, rel string) string {
	return filepath.Join(s.FlatRoot(id), filepath.FromSlash(rel))
}

// PromoteTempToBlob atomically moves tempPath into the blob store under
// sha256Hex. If a blob already exists there and its content hashes to
// sha256Hex, the temp file is discarded instead (dedup); an existing blob
// whose content does not match is replaced. The blob store is the only path a file enters
// via — atomic rename is the sole entry point, so the store is never left
// holding a half-written blob (§5).
func (s *Store) PromoteTempToBlob(id engine.RepoID, tempPath, sha256Hex string) (string, error) {
	if err := os.MkdirAll(s.BlobsDir(id), 0o755); err != nil {
		return "", err
	}
	blobPath := s.BlobPath(id, sha256Hex)
	if _, err := os.Stat(blobPath); err == nil {
		if sum, herr := integrity.HashFile(blobPath); herr == nil && sum == strings.ToLower(sha256Hex) {
			_ = os.Remove(tempPath)
			return blobPath, nil
		}
	}
	if err := os.Rename(tempPath, blobPath); err != nil {
		if isCrossDevice(err) {
			if cerr := copyFile(tempPath, blobPath); cerr != nil {
				return "", cerr
			}
			_ = os.Remove(tempPath)
			return blobPath, nil
		}
		return "", err
	}
	return blobPath, nil
}

// Materialise ensures both the snapshot symlink and the flat-layout entry
// exist for rel, pointing at the blob for sha256Hex. For the flat entry a
// hardlink is preferred, falling back to a copy if the hardlink fails, and
// to a symlink if neither succeeds.
func (s *Store) Materialise(id engine.RepoID, revision, rel, sha256Hex string) error {
	blobPath := s.BlobPath(id, sha256Hex)
	if _, err := os.Stat(blobPath); err != nil {
		return fmt.Errorf("materialise %s: blob missing: %w", rel, err)
	}

	snapPath := s.SnapshotPath(id, revision, rel)
	if err := os.MkdirAll(filepath.Dir(snapPath), 0o755); err != nil {
		return err
	}
	if err := relinkSymlink(snapPath, blobPath); err != nil {
		return fmt.Errorf("materialise snapshot %s: %w", rel, err)
	}

	flatPath := s.FlatPath(id, rel)
	if err := os.MkdirAll(filepath.Dir(flatPath), 0o755); err != nil {
		return err
	}
	return linkPreferHardlink(flatPath, blobPath)
}

// relinkSymlink (re)creates a symlink at linkPath pointing at target.
func relinkSymlink(linkPath, target string) error {
	if _, err := os.Lstat(linkPath); err == nil {
		if err := os.Remove(linkPath); err != nil {
			return err
		}
	}
	rel, err := filepath.Rel(filepath.Dir(linkPath), target)
	if err != nil {
		rel = target
	}
	return os.Symlink(rel, linkPath)
}

// linkPreferHardlink materialises dst from src via hardlink, falling back
// to a copy when the hardlink fails for any reason, and to a relative
// symlink if both fail.
func linkPreferHardlink(dst, src string) error {
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		// Hardlink failed for a reason other than cross-device (e.g. the
		// filesystem doesn't support hardlinks); the copy below is tried
		// all the same.
	}
	if err := copyFile(src, dst); err == nil {
		return nil
	}
	return relinkSymlink(dst, src)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, os.ErrInvalid) || strings.Contains(err.Error(), "cross-device") || strings.Contains(err.Error(), "invalid cross-device link")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".copytmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// EnumerateDownloaded scans both layouts and returns every repo_id whose
// directory contains at least one tokenizer artifact and at least one
// weight artifact (§4.5, §8 "enumerator soundness").
func (s *Store) EnumerateDownloaded() ([]string, error) {
	seen := map[string]bool{}
	var result []string

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if id, ok := engine.CanonicalRepoID(strings.TrimPrefix(name, "models--")); ok && strings.HasPrefix(name, "models--") {
			if hasTokenizerAndWeight(s.SnapshotsDir(id)) && !seen[id.String()] {
				seen[id.String()] = true
				result = append(result, id.String())
			}
			continue
		}
		// Flat layout: {base}/{owner}/{name}.
		ownerDir := filepath.Join(s.BaseDir, name)
		subEntries, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if !sub.IsDir() {
				continue
			}
			id := engine.RepoID{Owner: strings.ToLower(name), Name: sub.Name()}
			if seen[id.String()] {
				continue
			}
			if hasTokenizerAndWeight(filepath.Join(ownerDir, sub.Name())) {
				seen[id.String()] = true
				result = append(result, id.String())
			}
		}
	}
	return result, nil
}

// hasTokenizerAndWeight walks root (which may contain nested revision
// directories) looking for at least one tokenizer artifact and at least
// one weight artifact.
func hasTokenizerAndWeight(root string) bool {
	var hasTokenizer, hasWeight bool
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if engine.IsTokenizerFile(name) {
			hasTokenizer = true
		}
		if engine.IsWeightFile(name) {
			hasWeight = true
		}
		if hasTokenizer && hasWeight {
			return filepath.SkipAll
		}
		return nil
	})
	return hasTokenizer && hasWeight
}

// Delete removes every on-disk trace of a repo: blobs, snapshots, refs,
// and the flat directory.
func (s *Store) Delete(id engine.RepoID) error {
	if err := os.RemoveAll(s.RepoRoot(id)); err != nil {
		return err
	}
	if err := os.RemoveAll(s.FlatRoot(id)); err != nil {
		return err
	}
	// Clean up the now-possibly-empty owner directory in the flat layout.
	_ = os.Remove(filepath.Join(s.BaseDir, id.Owner))
	return nil
}

// TempDir returns the per-process scratch directory for in-flight
// downloads. It is scoped under the base dir by process id so a fresh
// process never mistakes another process's in-flight temp file for its
// own (§9 open question, resolved).
func (s *Store) TempDir() string {
	return filepath.Join(s.BaseDir, ".tmp", fmt.Sprintf("pid-%d", os.Getpid()))
}

// RepoTempDir returns the per-repo scratch directory under TempDir, so two
// repos downloading a same-named file never collide and a single repo's
// in-flight temp files can be discarded as a unit on cancellation (§4.6,
// §5 "no temp file for r remains on disk within 1s of cancellation").
func (s *Store) RepoTempDir(id engine.RepoID) string {
	return filepath.Join(s.TempDir(), repoDirName(id))
}

// CleanTempDir removes this process's temp directory; call once at
// startup before any downloads begin (§3 "temp files are deleted ... on
// engine startup").
func (s *Store) CleanTempDir() error {
	return os.RemoveAll(s.TempDir())
}

// CleanRepoTempDir removes only id's in-flight temp files, used when a
// single repo's download is cancelled without disturbing any other repo's
// concurrent downloads in the same process.
func (s *Store) CleanRepoTempDir(id engine.RepoID) error {
	return os.RemoveAll(s.RepoTempDir(id))
}
