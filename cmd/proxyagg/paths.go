package main

import (
	"os"
	"path/filepath"
)

// dataDir resolves the data directory with precedence flag > environment
// PROXYAGG_DATA_DIR > default ~/.proxyagg/data, mirroring the teacher's
// env > config > default precedence (cmd/cie/paths.go dataRootFromConfig).
func dataDir(flagValue string) (string, error) {
	if flagValue != "" {
		return absPath(flagValue)
	}
	if envDir := os.Getenv("PROXYAGG_DATA_DIR"); envDir != "" {
		return absPath(envDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".proxyagg", "data"), nil
}

// dbPath resolves the state database path with precedence flag > default
// "<data-dir>/state/state.db" (spec §6 persisted state layout).
func dbPath(flagValue, resolvedDataDir string) (string, error) {
	if flagValue != "" {
		return absPath(flagValue)
	}
	return filepath.Join(resolvedDataDir, "state", "state.db"), nil
}

func absPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
