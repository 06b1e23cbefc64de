// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths are the per-user directories aide keeps its files in.
type Paths struct {
	// Data holds the session store.
	Data string
	// Config holds the global aide.json.
	Config string
	// State holds the server log.
	State string
}

// GetPaths resolves Paths from the XDG base directory variables. Unset
// variables fall back to the usual locations under the home directory, or
// to %APPDATA% on Windows.
func GetPaths() *Paths {
	return &Paths{
		Data:   userDir("XDG_DATA_HOME", ".local", "share"),
		Config: userDir("XDG_CONFIG_HOME", ".config"),
		State:  userDir("XDG_STATE_HOME", ".local", "state"),
	}
}

func userDir(env string, fallback ...string) string {
	base := os.Getenv(env)
	switch {
	case base != "":
	case runtime.GOOS == "windows":
		base = os.Getenv("APPDATA")
	default:
		home, _ := os.UserHomeDir()
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, "aide")
}

// EnsurePaths creates every directory in p.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StoragePath is the root of the session store.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}
