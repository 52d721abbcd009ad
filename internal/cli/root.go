// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the modelengine command tree: pull, verify, list,
// serve, config, version. Each subcommand constructs a pkg/engine.Engine
// from the merged flag/config-file/env settings and drives it.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocket-cloud-mlx/modelengine/internal/config"
)

// RootOpts holds global CLI options shared by every subcommand.
type RootOpts struct {
	Token    string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "modelengine",
		Short:         "Fast, resumable downloader and integrity-checker for Hugging Face models",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Hugging Face access token (also reads HF_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (accepted, but no command reads it)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogFile, "log-file", "", "Log file path (accepted, but no command reads it; logs go to stderr)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error (accepted, but no command reads it)")

	pullCmd := newPullCmd(ctx, ro)
	root.AddCommand(pullCmd)
	root.AddCommand(newVerifyCmd(ctx, ro))
	root.AddCommand(newListCmd(ro))
	root.AddCommand(newServeCmd(ctx, ro))
	root.AddCommand(newRefreshCmd(ctx, ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	root.RunE = pullCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// resolveToken applies the standard precedence: --token flag, then HF_TOKEN
// env, then the loaded config file.
func resolveToken(ro *RootOpts, fileCfg config.Config) string {
	tok := strings.TrimSpace(ro.Token)
	if tok != "" {
		return tok
	}
	if env := strings.TrimSpace(os.Getenv("HF_TOKEN")); env != "" {
		return env
	}
	return fileCfg.Token
}

// loadFileConfig resolves the config path (flag override, else the
// default ~/.config/modelengine/config.json, or config.yaml beside it when
// only that one exists) and loads it.
func loadFileConfig(ro *RootOpts) (config.Config, error) {
	path := ro.Config
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Default(), nil
		}
		path = p
		if _, err := os.Stat(path); os.IsNotExist(err) {
			yamlPath := strings.TrimSuffix(path, ".json") + ".yaml"
			if _, err := os.Stat(yamlPath); err == nil {
				path = yamlPath
			}
		}
	}
	return config.Load(path)
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
