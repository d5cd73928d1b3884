// Package logging wraps zap with context-carried correlation fields
// (request id, project id, iteration) and an optional OpenTelemetry
// log bridge, so every component logs through one structured pipeline.
package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format selects the encoder: json or console.
	Format string `koanf:"format"`

	// Stdout enables the stdout core. Almost always true; tests that
	// only want the OTel bridge may disable it.
	Stdout bool `koanf:"stdout"`

	// OTel enables the OpenTelemetry log bridge when a provider is
	// supplied at construction.
	OTel bool `koanf:"otel"`

	// Fields are constant fields stamped on every entry.
	Fields map[string]string `koanf:"fields"`
}

// NewDefaultConfig returns production defaults: info-level JSON to stdout.
func NewDefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Stdout: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Format)
	}
	if !c.Stdout && !c.OTel {
		return fmt.Errorf("at least one log output must be enabled")
	}
	return nil
}

// level parses the configured level. Validate first.
func (c Config) level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
