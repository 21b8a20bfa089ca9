package config

import (
	"os"
	"path/filepath"
)

// PilotPath returns the root directory for pilot data.
// It uses $PILOT_PATH if set, otherwise defaults to ~/.pilot.
func PilotPath() string {
	if v := os.Getenv("PILOT_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pilot")
	}
	return filepath.Join(home, ".pilot")
}

// ConfigPath returns the path to the pilot config file.
func ConfigPath() string {
	return filepath.Join(PilotPath(), "config.jsonc")
}

// DotenvPath returns the path to the pilot .env file.
func DotenvPath() string {
	return filepath.Join(PilotPath(), ".env")
}
