package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"`
	Caller     CallerConfig      `koanf:"caller"`
	Stacktrace StacktraceConfig  `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// StacktraceConfig controls stacktrace inclusion.
type StacktraceConfig struct {
	Level zapcore.Level `koanf:"level"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Caller: CallerConfig{
			Enabled: true,
			Skip:    1,
		},
		Stacktrace: StacktraceConfig{
			Level: zapcore.ErrorLevel,
		},
		Fields: map[string]string{
			"service": "spb",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip)
	}
	if c.Fields != nil {
		for k, v := range c.Fields {
			if k == "" {
				return fmt.Errorf("field key cannot be empty")
			}
			if v == "" {
				return fmt.Errorf("field %q has empty value", k)
			}
		}
	}
	return nil
}
