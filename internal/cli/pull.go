// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
	"github.com/pocket-cloud-mlx/modelengine/pkg/engine"
)

func newPullCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var filters, excludes []string

	cmd := &cobra.Command{
		Use:   "pull [REPO]",
		Short: "Download a model's main revision, resuming and verifying as it goes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var repo string
			if len(args) > 0 {
				repo = args[0]
			}
			if repo == "" {
				return fmt.Errorf("missing REPO (owner/name)")
			}

			eng, err := newEngine(ro)
			if err != nil {
				return fmt.Errorf("construct engine: %w", err)
			}
			defer eng.Close()

			ch, cancel := eng.Subscribe(repo)
			defer cancel()

			opts := []engine.DownloadOption{}
			if len(filters) > 0 {
				opts = append(opts, engine.WithFilters(filters...))
			}
			if len(excludes) > 0 {
				opts = append(opts, engine.WithExcludes(excludes...))
			}

			if err := eng.StartDownload(ctx, repo, opts...); err != nil {
				return fmt.Errorf("start download: %w", err)
			}

			return watchPull(ctx, ro, repo, ch)
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "only download files matching this glob or /regex/ (repeatable)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "skip files matching this glob or /regex/ (repeatable)")
	return cmd
}

func isTerminalStatus(s statehub.Status) bool {
	switch s {
	case statehub.StatusDownloaded, statehub.StatusFailed, statehub.StatusCancelled:
		return true
	default:
		return false
	}
}

// watchPull renders progress for repo until its state reaches a terminal
// status, honoring --json and --quiet.
func watchPull(ctx context.Context, ro *RootOpts, repo string, ch <-chan engine.RepoState) error {
	if ro.JSONOut {
		return watchPullJSON(ctx, repo, ch)
	}
	return watchPullBar(ctx, ro, repo, ch)
}

func watchPullJSON(ctx context.Context, repo string, ch <-chan engine.RepoState) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			_ = enc.Encode(st)
			if isTerminalStatus(st.Status) {
				return statusErr(repo, st)
			}
		}
	}
}

func watchPullBar(ctx context.Context, ro *RootOpts, repo string, ch <-chan engine.RepoState) error {
	width, _, _ := term.GetSize(int(os.Stdout.Fd()))
	if width <= 0 {
		width = 80
	}

	var bar *pb.ProgressBar
	for {
		select {
		case <-ctx.Done():
			if bar != nil {
				bar.Finish()
			}
			return ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return nil
			}

			if !ro.Quiet {
				switch st.Status {
				case statehub.StatusDownloading:
					if bar == nil && st.BytesTotal > 0 {
						bar = pb.New64(st.BytesTotal)
						bar.Set(pb.Bytes, true)
						bar.SetWidth(width)
						bar.Start()
					}
					if bar != nil {
						bar.SetCurrent(st.BytesDownloaded)
					} else {
						color.New(color.FgCyan).Printf("downloading %s: %s\n", st.CurrentFile, humanize.Bytes(uint64(st.BytesDownloaded)))
					}
				case statehub.StatusVerifying:
					color.New(color.FgYellow).Printf("verifying %s\n", st.CurrentFile)
				}
			}

			if isTerminalStatus(st.Status) {
				if bar != nil {
					bar.Finish()
				}
				printTerminal(repo, st)
				return statusErr(repo, st)
			}
		}
	}
}

func printTerminal(repo string, st engine.RepoState) {
	switch st.Status {
	case statehub.StatusDownloaded:
		color.New(color.FgGreen, color.Bold).Printf("✓ %s downloaded\n", repo)
	case statehub.StatusFailed:
		color.New(color.FgRed, color.Bold).Printf("✗ %s failed: %s\n", repo, st.Message)
	case statehub.StatusCancelled:
		color.New(color.FgYellow).Printf("cancelled %s\n", repo)
	}
}

func statusErr(repo string, st engine.RepoState) error {
	if st.Status == statehub.StatusFailed {
		return fmt.Errorf("%s: %s", repo, st.Message)
	}
	return nil
}
