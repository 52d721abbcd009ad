// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config loads the engine's on-disk configuration file (JSON or
// YAML, following the teacher's ~/.config convention) into typed fields
// used to construct pkg/engine.Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// BackoffConfig mirrors failure.Policy in a file-friendly shape (durations
// as strings).
type BackoffConfig struct {
	Base        string  `json:"base" yaml:"base"`
	Factor      float64 `json:"factor" yaml:"factor"`
	Cap         string  `json:"cap" yaml:"cap"`
	JitterRatio float64 `json:"jitter_ratio" yaml:"jitter_ratio"`
}

// ProgressThrottleConfig mirrors statehub's throttle intervals.
type ProgressThrottleConfig struct {
	BytesMS  int `json:"bytes_ms" yaml:"bytes_ms"`
	VerifyMS int `json:"verify_ms" yaml:"verify_ms"`
}

// Config is the full on-disk shape, deliberately plain so it round-trips
// through both JSON and YAML without struct tags fighting each other.
type Config struct {
	CacheBase              string                 `json:"cache_base" yaml:"cache_base"`
	Token                  string                 `json:"token" yaml:"token"`
	MaxConcurrentDownloads int                    `json:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
	MetadataTTLDays        int                    `json:"metadata_ttl_days" yaml:"metadata_ttl_days"`
	MissingRepoRetryHours  int                    `json:"missing_repo_retry_hours" yaml:"missing_repo_retry_hours"`
	Backoff                BackoffConfig          `json:"backoff" yaml:"backoff"`
	ProgressThrottle       ProgressThrottleConfig `json:"progress_throttle" yaml:"progress_throttle"`
	HubBaseURL             string                 `json:"hub_base_url,omitempty" yaml:"hub_base_url,omitempty"`

	// MaxDownloadSize, when non-empty, is a human-readable size string
	// (e.g. "50GiB") parsed with docker/go-units by MaxDownloadSizeBytes.
	// The engine does not read it: no download is rejected for its size.
	MaxDownloadSize string `json:"max_download_size,omitempty" yaml:"max_download_size,omitempty"`
}

// Default returns the engine's baked-in defaults (§3, §6).
func Default() Config {
	return Config{
		MaxConcurrentDownloads: 4,
		MetadataTTLDays:        7,
		MissingRepoRetryHours:  6,
		Backoff: BackoffConfig{
			Base:        "30s",
			Factor:      2,
			Cap:         "30m",
			JitterRatio: 0.2,
		},
		ProgressThrottle: ProgressThrottleConfig{
			BytesMS:  166,
			VerifyMS: 333,
		},
	}
}

// DefaultPath returns ~/.config/modelengine/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	return filepath.Join(home, ".config", "modelengine", "config.json"), nil
}

// Load reads path (JSON or YAML, inferred from extension) and merges it
// over Default(). A missing file is not an error: Default() alone is
// returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Save writes cfg to path in JSON or YAML, inferred from extension,
// creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// BackoffBase parses Backoff.Base, falling back to 30s on a malformed or
// empty value.
func (c Config) BackoffBase() time.Duration { return parseDurationOr(c.Backoff.Base, 30*time.Second) }

// BackoffCap parses Backoff.Cap, falling back to 30m.
func (c Config) BackoffCap() time.Duration { return parseDurationOr(c.Backoff.Cap, 30*time.Minute) }

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// MaxDownloadSizeBytes parses MaxDownloadSize via docker/go-units ("KiB",
// "MiB", "GiB" as binary multiples, "KB", "MB", "GB" as decimal), returning
// 0 (unlimited) if unset or unparsable.
func (c Config) MaxDownloadSizeBytes() int64 {
	if c.MaxDownloadSize == "" {
		return 0
	}
	parse := units.FromHumanSize
	if strings.ContainsAny(c.MaxDownloadSize, "iI") {
		parse = units.RAMInBytes
	}
	n, err := parse(c.MaxDownloadSize)
	if err != nil {
		return 0
	}
	return n
}

// MetadataTTL is the Config's TTL as a time.Duration.
func (c Config) MetadataTTL() time.Duration {
	if c.MetadataTTLDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.MetadataTTLDays) * 24 * time.Hour
}

// MissingRepoRetryInterval is the Config's negative-cache window as a
// time.Duration.
func (c Config) MissingRepoRetryInterval() time.Duration {
	if c.MissingRepoRetryHours <= 0 {
		return 6 * time.Hour
	}
	return time.Duration(c.MissingRepoRetryHours) * time.Hour
}
