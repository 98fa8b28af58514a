package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// EnvHome overrides the application directory holding links, the ledger and
// workspaces.
const EnvHome = "CIRCLINK_HOME"

const appName = "circlink"

// AppDir returns the directory holding all shared link state:
// $CIRCLINK_HOME if set, else $XDG_DATA_HOME/circlink.
func AppDir() string {
	if home := os.Getenv(EnvHome); home != "" {
		return home
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, appName)
	}
	return filepath.Join(xdg.DataHome, appName)
}

// LinksDir returns the directory of link record files under appDir.
func LinksDir(appDir string) string {
	return filepath.Join(appDir, "links")
}

// LedgerPath returns the ledger file under appDir.
func LedgerPath(appDir string) string {
	return filepath.Join(appDir, "ledger.csv")
}

// WorkspacesDir returns the saved workspaces directory under appDir.
func WorkspacesDir(appDir string) string {
	return filepath.Join(appDir, "workspaces")
}

// EnsureAppDir creates appDir and its links directory.
func EnsureAppDir(appDir string) error {
	if err := os.MkdirAll(LinksDir(appDir), 0o755); err != nil {
		return fmt.Errorf("creating app directory: %w", err)
	}
	return nil
}

// ConfigDir returns $XDG_CONFIG_HOME/circlink, falling back to ~/.config/circlink.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, appName), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", appName), nil
}

// DefaultSettingsPath returns the settings file inside ConfigDir.
func DefaultSettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}

// ExpandPath expands ~ in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, path[1:]), nil
}
