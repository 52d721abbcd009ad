// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package integrity implements the engine's integrity verifier (C1):
// streaming SHA-256 hashing and per-file verdicts. Operations are
// read-only, idempotent, and never allocate proportional to file size.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

// chunkSize is the minimum read buffer used while streaming a file through
// the hash accumulator, per §4.1 ("streams the file in >=1 MiB chunks").
const chunkSize = 1 << 20

// HashFile streams path through a SHA-256 accumulator in >=1 MiB chunks and
// returns the lower-case hex digest. It never loads the file whole.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest is like HashFile but returns an OCI-style algorithm-prefixed
// digest.Digest. Blob filenames in the Directory Manager (C5) use the plain
// hex form that HashFile returns, not this one.
func Digest(path string) (digest.Digest, error) {
	hexSum, err := HashFile(path)
	if err != nil {
		return "", err
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hexSum), nil
}

// VerifyFile checks path against the expected size and/or SHA-256 and
// returns the resulting Verdict (§4.1). If only size is known, a size
// match is sufficient. If only the hash is known, the hash must match. If
// neither is known, the file's mere presence yields VerdictUnverifiable.
func VerifyFile(path string, expectedSize *int64, expectedSHA256 string) (engine.VerifyResult, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return engine.VerifyResult{Verdict: engine.VerdictMissing}, nil
	}
	if err != nil {
		return engine.VerifyResult{}, err
	}

	res := engine.VerifyResult{ActualSize: fi.Size()}
	if expectedSize != nil {
		res.ExpectedSize = *expectedSize
		if fi.Size() != *expectedSize {
			res.Verdict = engine.VerdictSizeMismatch
			return res, nil
		}
	}

	if expectedSHA256 == "" {
		if expectedSize == nil {
			res.Verdict = engine.VerdictUnverifiable
			return res, nil
		}
		res.Verdict = engine.VerdictOk
		return res, nil
	}

	res.ExpectedSHA = expectedSHA256
	sum, err := HashFile(path)
	if err != nil {
		return engine.VerifyResult{}, err
	}
	res.ActualSHA = sum
	if !strings.EqualFold(sum, expectedSHA256) {
		res.Verdict = engine.VerdictHashMismatch
		return res, nil
	}
	res.Verdict = engine.VerdictOk
	return res, nil
}
