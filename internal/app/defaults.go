package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// DotEnvFile is read from the working directory before defaults are resolved.
const DotEnvFile = ".env"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables (optionally set in a .env file):
//   - ZAJEL_CONFIG_PATH: config file location (default: ~/.config/zajel.toml)
//   - ZAJEL_HOME: base directory for zajel data (default: ~/.local/share/zajel)
func GetDefaults() (map[string]string, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

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

// loadDotEnv populates unset environment variables from path. A missing
// file is not an error; variables already set in the environment win.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// getConfigPath returns the config file path, checking ZAJEL_CONFIG_PATH env var first,
// then falling back to the default ~/.config/zajel.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("ZAJEL_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "zajel.toml"), nil
}

// getBaseDir returns the base directory for zajel data, checking ZAJEL_HOME env var first,
// then falling back to the XDG default ~/.local/share/zajel.
func getBaseDir() (string, error) {
	if path := os.Getenv("ZAJEL_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "zajel"), nil
}
