// Package config provides configuration loading for spb.
//
// Configuration is loaded once at startup from a YAML file plus
// environment overrides and is never mutated at runtime.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete spb configuration.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Store      StoreConfig      `koanf:"store"`
	Validation ValidationConfig `koanf:"validation"`
	Discovery  DiscoveryConfig  `koanf:"discovery"`
	Recovery   RecoveryConfig   `koanf:"recovery"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Report     ReportConfig     `koanf:"report"`
}

// LoggingConfig holds log level and format selection.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	Backend string          `koanf:"backend"`
	File    FileStoreConfig `koanf:"file"`
	NATS    NATSStoreConfig `koanf:"nats"`
}

// FileStoreConfig holds file backend settings.
type FileStoreConfig struct {
	Dir string `koanf:"dir"`
}

// NATSStoreConfig holds NATS JetStream KV backend settings.
type NATSStoreConfig struct {
	URL          string   `koanf:"url"`
	BucketPrefix string   `koanf:"bucket_prefix"`
	Credentials  Secret   `koanf:"credentials"`
	Timeout      Duration `koanf:"timeout"`
}

// ValidationConfig holds validator allow-lists.
type ValidationConfig struct {
	Root                string   `koanf:"root"`
	AllowedPathPrefixes []string `koanf:"allowed_path_prefixes"`
	AllowedCommands     []string `koanf:"allowed_commands"`
}

// DiscoveryConfig holds discovery chain settings.
type DiscoveryConfig struct {
	Root                string  `koanf:"root"`
	MaxFiles            int     `koanf:"max_files"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
	MemoryPath          string  `koanf:"memory_path"`
	VerifyDeterminism   bool    `koanf:"verify_determinism"`
	Watch               bool    `koanf:"watch"`
}

// RecoveryConfig holds retry and recovery limits.
type RecoveryConfig struct {
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
	TimeoutMultiplier float64  `koanf:"timeout_multiplier"`
}

// SecretsConfig holds output scrubbing settings.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// ReportConfig holds issue-tracker reporting settings.
type ReportConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Provider      string  `koanf:"provider"`
	Owner         string  `koanf:"owner"`
	Repo          string  `koanf:"repo"`
	Issue         int     `koanf:"issue"`
	Token         Secret  `koanf:"token"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "spb"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1.0
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.File.Dir == "" {
		cfg.Store.File.Dir = "~/.local/share/spb/state"
	}
	if cfg.Store.NATS.URL == "" {
		cfg.Store.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Store.NATS.BucketPrefix == "" {
		cfg.Store.NATS.BucketPrefix = "spb"
	}
	if cfg.Store.NATS.Timeout == 0 {
		cfg.Store.NATS.Timeout = Duration(5 * time.Second)
	}

	if len(cfg.Validation.AllowedPathPrefixes) == 0 {
		cfg.Validation.AllowedPathPrefixes = []string{
			"specs/", "scout_outputs/", "ai_docs/", "docs/", "scripts/", "adws/", "app/",
		}
	}
	if len(cfg.Validation.AllowedCommands) == 0 {
		cfg.Validation.AllowedCommands = []string{"claude", "git", "echo", "true"}
	}

	if cfg.Discovery.MaxFiles == 0 {
		cfg.Discovery.MaxFiles = 50
	}
	if cfg.Discovery.ConfidenceThreshold == 0 {
		cfg.Discovery.ConfidenceThreshold = 0.75
	}
	if cfg.Discovery.MemoryPath == "" {
		cfg.Discovery.MemoryPath = "~/.local/share/spb/memory"
	}

	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = 3
	}
	if cfg.Recovery.InitialBackoff == 0 {
		cfg.Recovery.InitialBackoff = Duration(time.Second)
	}
	if cfg.Recovery.MaxBackoff == 0 {
		cfg.Recovery.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Recovery.BackoffMultiplier == 0 {
		cfg.Recovery.BackoffMultiplier = 2.0
	}
	if cfg.Recovery.TimeoutMultiplier == 0 {
		cfg.Recovery.TimeoutMultiplier = 2.0
	}

	if cfg.Report.Provider == "" {
		cfg.Report.Provider = "github"
	}
	if cfg.Report.RatePerSecond == 0 {
		cfg.Report.RatePerSecond = 1.0
	}
	if cfg.Report.Burst == 0 {
		cfg.Report.Burst = 3
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample ratio must be in [0, 1], got %v", c.Telemetry.SampleRatio)
		}
		// Plaintext OTLP export is only acceptable on loopback.
		if c.Telemetry.Insecure && !isLoopback(c.Telemetry.Endpoint) {
			return fmt.Errorf("insecure telemetry export to non-loopback endpoint %q", c.Telemetry.Endpoint)
		}
	}

	switch c.Store.Backend {
	case "memory", "file", "nats":
	default:
		return fmt.Errorf("unknown store backend: %q (must be memory, file, or nats)", c.Store.Backend)
	}
	if c.Store.Backend == "file" && c.Store.File.Dir == "" {
		return errors.New("file store requires store.file.dir")
	}
	if c.Store.Backend == "nats" && c.Store.NATS.URL == "" {
		return errors.New("nats store requires store.nats.url")
	}

	if c.Discovery.MaxFiles < 0 {
		return fmt.Errorf("discovery max_files cannot be negative: %d", c.Discovery.MaxFiles)
	}
	if c.Discovery.ConfidenceThreshold < 0 || c.Discovery.ConfidenceThreshold > 1 {
		return fmt.Errorf("discovery confidence threshold must be in [0, 1], got %v", c.Discovery.ConfidenceThreshold)
	}

	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery max_attempts must be >= 1, got %d", c.Recovery.MaxAttempts)
	}
	if c.Recovery.BackoffMultiplier < 1 {
		return fmt.Errorf("recovery backoff_multiplier must be >= 1, got %v", c.Recovery.BackoffMultiplier)
	}
	if c.Recovery.TimeoutMultiplier < 1 {
		return fmt.Errorf("recovery timeout_multiplier must be >= 1, got %v", c.Recovery.TimeoutMultiplier)
	}

	if c.Report.Enabled {
		if c.Report.Provider != "github" {
			return fmt.Errorf("unknown report provider: %q", c.Report.Provider)
		}
		if c.Report.Owner == "" || c.Report.Repo == "" {
			return errors.New("report requires owner and repo")
		}
		if c.Report.Issue <= 0 {
			return fmt.Errorf("report issue must be positive, got %d", c.Report.Issue)
		}
		if !c.Report.Token.IsSet() {
			return errors.New("report requires a token")
		}
	}

	return nil
}

// isLoopback reports whether an OTLP endpoint host is local.
func isLoopback(endpoint string) bool {
	host := endpoint
	if i := strings.LastIndex(endpoint, ":"); i >= 0 {
		host = endpoint[:i]
	}
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}
