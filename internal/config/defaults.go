package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Linux-specific paths following XDG Base Directory Specification

// DataDir returns the data directory: $XDG_DATA_HOME/windowd or
// ~/.local/share/windowd. WINDOWD_DATA_DIR overrides it.
func DataDir() string {
	if envDir := os.Getenv("WINDOWD_DATA_DIR"); envDir != "" {
		return envDir
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "windowd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "windowd")
}

// ConfigDir returns $XDG_CONFIG_HOME/windowd or ~/.config/windowd.
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "windowd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "windowd")
}

// RuntimeDir returns $XDG_RUNTIME_DIR, or a per-user directory in /tmp.
func RuntimeDir() string {
	// XDG_RUNTIME_DIR (usually /run/user/$UID)
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return xdgRuntime
	}
	return filepath.Join("/tmp", fmt.Sprintf("windowd-%d", os.Getuid()))
}

// DefaultSocketPath returns where the daemon listens when not socket-activated.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), "windowd.sock")
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	// 3. /etc/windowd
	searchDirs := []string{
		".",
		ConfigDir(),
		"/etc/windowd",
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
