package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "SPB_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SPB_STORE_BACKEND, SPB_RECOVERY_MAX_ATTEMPTS, ...)
//  2. YAML config file (~/.config/spb/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path ~/.config/spb/config.yaml is used.
//
// The config file must live under ~/.config/spb/ or /etc/spb/, must not be
// group/world readable (0600 or 0400), and must not exceed 1MB. The file is
// read once through its open descriptor so permission checks and parsing see
// the same bytes.
//
// Environment variables map section-first:
//
//	SPB_STORE_BACKEND          -> store.backend
//	SPB_DISCOVERY_MAX_FILES    -> discovery.max_files
//	SPB_RECOVERY_MAX_ATTEMPTS  -> recovery.max_attempts
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "spb", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid TOCTOU races.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// SPB_STORE_BACKEND -> store.backend: split once after the prefix so the
	// first token is the section and the rest keeps its underscores.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced with no file and no
// environment, for callers that wire components directly.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// EnsureConfigDir creates the spb config directory if it doesn't exist.
// The directory is created with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "spb")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Evaluation fails for paths that don't exist yet; validate the
		// absolute form instead.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "spb"),
		"/etc/spb",
	}

	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/spb/ or /etc/spb/")
}

// validateConfigFileProperties checks file permissions and size using
// FileInfo from an already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
