// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pocket-cloud-mlx/modelengine/internal/statehub"
)

func TestNewConfigCmdHasSubcommands(t *testing.T) {
	cmd := newConfigCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["init"])
	require.True(t, names["show"])
	require.True(t, names["path"])
}

func TestIsTerminalStatus(t *testing.T) {
	require.False(t, isTerminalStatus(statehub.StatusDownloading))
	require.True(t, isTerminalStatus(statehub.StatusDownloaded))
	require.True(t, isTerminalStatus(statehub.StatusFailed))
	require.True(t, isTerminalStatus(statehub.StatusCancelled))
}
