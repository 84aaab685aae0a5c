// Package paths resolves the on-disk locations canopy uses for its state.
package paths

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the data directory when set.
const HomeEnv = "CANOPY_HOME"

// DataDir returns the canopy data directory: $CANOPY_HOME, or ~/.canopy.
func DataDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".canopy"), nil
}

// ConfigPath returns the path to config.json.
func ConfigPath() (string, error) {
	return join("config.json")
}

// LogDir returns the directory log files are written to.
func LogDir() (string, error) {
	return join("logs")
}

// BadgerDir returns the directory of the badger record store.
func BadgerDir() (string, error) {
	return join("badger")
}

func join(elem string) (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, elem), nil
}
