// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newListCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repos with a complete cache entry on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(ro)
			if err != nil {
				return fmt.Errorf("construct engine: %w", err)
			}
			defer eng.Close()

			repos, err := eng.EnumerateDownloaded()
			if err != nil {
				return fmt.Errorf("enumerate cache: %w", err)
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(repos)
			}

			if len(repos) == 0 {
				fmt.Println("no repos downloaded yet")
				return nil
			}
			for _, r := range repos {
				fmt.Println(r)
			}
			return nil
		},
	}
	return cmd
}
