package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Caller.Enabled)
	assert.Equal(t, zapcore.ErrorLevel, cfg.Stacktrace.Level)
	assert.Equal(t, "spb", cfg.Fields["service"])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "console format is valid",
			mutate: func(c *Config) { c.Format = "console" },
		},
		{
			name:    "unknown format rejected",
			mutate:  func(c *Config) { c.Format = "logfmt" },
			wantErr: "format must be",
		},
		{
			name:    "negative caller skip rejected",
			mutate:  func(c *Config) { c.Caller.Skip = -1 },
			wantErr: "caller skip",
		},
		{
			name:    "empty field key rejected",
			mutate:  func(c *Config) { c.Fields = map[string]string{"": "x"} },
			wantErr: "field key cannot be empty",
		},
		{
			name:    "empty field value rejected",
			mutate:  func(c *Config) { c.Fields = map[string]string{"env": ""} },
			wantErr: "empty value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
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
