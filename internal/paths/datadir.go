// Package paths resolves where a node keeps its files when the config does
// not say.
package paths

import (
	"os"
	"path/filepath"
)

const (
	appName = "vdht"
	dbFile  = "routes.db"
)

// DefaultDataDir is the per-user vdht directory under os.UserConfigDir, or
// ".vdht" in the working directory when there is none.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "." + appName
	}
	return filepath.Join(dir, appName)
}

// DefaultDBPath is where routes are stored when the config names no file.
func DefaultDBPath() string { return filepath.Join(DefaultDataDir(), dbFile) }

// EnsureDir creates dir and its parents (0755) and returns it cleaned.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
