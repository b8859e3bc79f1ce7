package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "spb", cfg.Store.NATS.BucketPrefix)
	assert.Contains(t, cfg.Validation.AllowedPathPrefixes, "specs/")
	assert.Contains(t, cfg.Validation.AllowedCommands, "claude")
	assert.Equal(t, 50, cfg.Discovery.MaxFiles)
	assert.InDelta(t, 0.75, cfg.Discovery.ConfidenceThreshold, 0.001)
	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Recovery.InitialBackoff.Duration())
	assert.Equal(t, 30*time.Second, cfg.Recovery.MaxBackoff.Duration())
	assert.InDelta(t, 2.0, cfg.Recovery.BackoffMultiplier, 0.001)
	assert.Equal(t, "github", cfg.Report.Provider)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid logging format",
		},
		{
			name: "telemetry insecure remote endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Insecure = true
				c.Telemetry.Endpoint = "collector.example.com:4317"
			},
			wantErr: "non-loopback",
		},
		{
			name: "telemetry insecure loopback allowed",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Insecure = true
				c.Telemetry.Endpoint = "localhost:4317"
			},
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: "unknown store backend",
		},
		{
			name:   "memory backend valid",
			mutate: func(c *Config) { c.Store.Backend = "memory" },
		},
		{
			name:    "negative discovery max files",
			mutate:  func(c *Config) { c.Discovery.MaxFiles = -1 },
			wantErr: "max_files",
		},
		{
			name:    "confidence threshold out of range",
			mutate:  func(c *Config) { c.Discovery.ConfidenceThreshold = 1.5 },
			wantErr: "confidence threshold",
		},
		{
			name:    "zero recovery attempts",
			mutate:  func(c *Config) { c.Recovery.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "backoff multiplier below one",
			mutate:  func(c *Config) { c.Recovery.BackoffMultiplier = 0.5 },
			wantErr: "backoff_multiplier",
		},
		{
			name: "report enabled without token",
			mutate: func(c *Config) {
				c.Report.Enabled = true
				c.Report.Owner = "acme"
				c.Report.Repo = "widgets"
				c.Report.Issue = 12
			},
			wantErr: "token",
		},
		{
			name: "report fully configured",
			mutate: func(c *Config) {
				c.Report.Enabled = true
				c.Report.Owner = "acme"
				c.Report.Repo = "widgets"
				c.Report.Issue = 12
				c.Report.Token = Secret("ghp_test")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("localhost:4317"))
	assert.True(t, isLoopback("127.0.0.1:4317"))
	assert.False(t, isLoopback("collector.internal:4317"))
	assert.False(t, isLoopback("10.0.0.5:4317"))
}
