// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocket-cloud-mlx/modelengine/internal/server"
)

func newServeCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var (
		addr string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server consumed by the UI layer",
		Long: `Start an HTTP server that provides:
  - REST API for pull/verify/list/delete
  - WebSocket for live per-repo progress
  - Prometheus /metrics and /api/health

Example:
  modelengine serve
  modelengine serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(ro)
			if err != nil {
				return fmt.Errorf("construct engine: %w", err)
			}
			defer eng.Close()

			srv := server.New(server.Config{Addr: addr, Port: port}, eng)

			fmt.Printf("serving on http://%s:%d\n", addr, port)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
