// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRefreshCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Force-refresh cached metadata for every downloaded repo",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(ro)
			if err != nil {
				return fmt.Errorf("construct engine: %w", err)
			}
			defer eng.Close()

			if err := eng.RefreshMetadata(ctx); err != nil {
				return fmt.Errorf("refresh metadata: %w", err)
			}
			if !ro.Quiet {
				fmt.Println("metadata refreshed")
			}
			return nil
		},
	}
	return cmd
}
