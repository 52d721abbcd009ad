// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package hubclient

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// envTokenNames are the standard environment variable names checked for a
// hub token, in precedence order (§4.4).
var envTokenNames = []string{"HF_TOKEN", "HUGGINGFACE_TOKEN", "HUGGING_FACE_HUB_TOKEN"}

// KeychainReader abstracts the OS keychain lookup so platform-specific
// credential stores can be wired in without this package depending on them
// directly. A nil reader is treated as "no keychain available".
type KeychainReader interface {
	Read() (string, error)
}

// ChainTokenSource resolves a token using the precedence mandated by §4.4:
//  1. in-app settings override (Settings field, set directly)
//  2. environment (any of the standard names)
//  3. OS keychain
//  4. .env file (dev/test only)
type ChainTokenSource struct {
	// Settings is the highest-precedence override, e.g. a value the user
	// typed into a settings UI or passed via --token.
	Settings string
	Keychain KeychainReader
	// EnvFilePath, if set, is read as a ".env"-style KEY=VALUE file looking
	// for any of the standard token names. Defaults to "./.env" when empty.
	EnvFilePath string
}

func (c ChainTokenSource) Token() string {
	if c.Settings != "" {
		return c.Settings
	}
	for _, name := range envTokenNames {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	if c.Keychain != nil {
		if tok, err := c.Keychain.Read(); err == nil && tok != "" {
			return tok
		}
	}
	if tok := readDotEnvToken(c.EnvFilePath); tok != "" {
		return tok
	}
	return ""
}

func readDotEnvToken(path string) string {
	if path == "" {
		path = ".env"
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		for _, name := range envTokenNames {
			if key == name {
				return strings.Trim(strings.TrimSpace(parts[1]), `"'`)
			}
		}
	}
	return ""
}
