package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CATALYST_CONFIG_PATH: config file location (default: ~/.config/catalyst.toml)
//   - CATALYST_HOME: base directory for node data (default: ~/.local/share/catalyst)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking CATALYST_CONFIG_PATH first,
// then falling back to the default ~/.config/catalyst.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("CATALYST_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "catalyst.toml"), nil
}

// getBaseDir returns the base directory for node data, checking CATALYST_HOME first,
// then XDG_DATA_HOME, then ~/.local/share/catalyst.
func getBaseDir() (string, error) {
	if path := os.Getenv("CATALYST_HOME"); path != "" {
		return path, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "catalyst"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "catalyst"), nil
}
