// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pocket-cloud-mlx/modelengine/internal/config"
	"github.com/pocket-cloud-mlx/modelengine/pkg/engine"
)

// newEngine loads the config file, merges in CLI overrides, and constructs
// an Engine. Every subcommand that touches the cache goes through this.
func newEngine(ro *RootOpts) (*engine.Engine, error) {
	fileCfg, err := loadFileConfig(ro)
	if err != nil {
		return nil, err
	}
	fileCfg.Token = resolveToken(ro, fileCfg)

	cfg := engine.FromFileConfig(fileCfg)
	cfg.Metrics = prometheus.DefaultRegisterer
	return engine.New(cfg)
}
