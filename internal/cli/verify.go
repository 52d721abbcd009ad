// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newVerifyCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify REPO",
		Short: "Verify a downloaded repo's files and repair anything broken",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := args[0]

			eng, err := newEngine(ro)
			if err != nil {
				return fmt.Errorf("construct engine: %w", err)
			}
			defer eng.Close()

			status, err := eng.VerifyAndRepair(ctx, repo)
			if err != nil {
				return fmt.Errorf("verify %s: %w", repo, err)
			}

			switch status.String() {
			case "healthy":
				color.New(color.FgGreen).Printf("%s is healthy\n", repo)
			case "repaired":
				color.New(color.FgYellow).Printf("%s had corrupt or missing files, repaired\n", repo)
			case "unrecoverable":
				color.New(color.FgRed, color.Bold).Printf("%s has unrecoverable files\n", repo)
				return fmt.Errorf("%s unrecoverable after one repair pass", repo)
			}
			return nil
		},
	}
	return cmd
}
