// Package profile resolves the on-disk config path for the conduit
// binary, grounded on the reference profile config path helpers.
package profile

import (
	"os"
	"path/filepath"
	"strings"
)

const DefaultConfigName = "conduit.yaml"

// ConfigDir returns the base directory for conduit's config file.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".conduit")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), DefaultConfigName)
}
