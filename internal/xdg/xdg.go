// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg resolves XDG Base Directory paths for hiddenmove.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "hiddenmove"

// ConfigDir returns $XDG_CONFIG_HOME/hiddenmove, falling back to
// ~/.config/hiddenmove.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
