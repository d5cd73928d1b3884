// Package config provides configuration loading for forged.
//
// Configuration is layered: hardcoded defaults, then an optional YAML
// file, then FORGED_-prefixed environment variables. Provider API keys
// are the exception: they are read only from their conventional
// environment variables (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// DEEPSEEK_API_KEY) and never from the file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forged/internal/inbox"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/orchestrator"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/runner"
	"github.com/fyrsmithlabs/forged/internal/status"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/telemetry"
)

// Config holds the complete forged configuration.
type Config struct {
	Server       ServerConfig        `koanf:"server"`
	Store        store.Config        `koanf:"store"`
	Providers    ProvidersConfig     `koanf:"providers"`
	Runner       runner.Config       `koanf:"runner"`
	Orchestrator orchestrator.Config `koanf:"orchestrator"`
	Status       status.Config       `koanf:"status"`
	Inbox        inbox.Config        `koanf:"inbox"`
	Logging      logging.Config      `koanf:"logging"`
	Telemetry    telemetry.Config    `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ProviderConfig holds one LLM provider's settings. The API key is
// deliberately excluded from file and environment-tree loading; it is
// filled from the provider's conventional environment variable.
type ProviderConfig struct {
	APIKey            Secret  `koanf:"-"`
	Model             string  `koanf:"model"`
	BaseURL           string  `koanf:"base_url"`
	Temperature       float64 `koanf:"temperature"`
	MaxTokens         int     `koanf:"max_tokens"`
	RequestsPerMinute int     `koanf:"requests_per_minute"`
	Burst             int     `koanf:"burst"`
}

// ProvidersConfig holds the LLM providers available to generation runs.
// A provider is registered only when its API key is set.
type ProvidersConfig struct {
	OpenAI    ProviderConfig       `koanf:"openai"`
	Anthropic ProviderConfig       `koanf:"anthropic"`
	DeepSeek  ProviderConfig       `koanf:"deepseek"`
	Retry     provider.RetryConfig `koanf:"retry"`
}

// Configs returns the provider configurations to register, one per
// provider whose API key is present. The retry policy is shared.
func (p ProvidersConfig) Configs() []provider.Config {
	named := []struct {
		name string
		cfg  ProviderConfig
	}{
		{provider.NameOpenAI, p.OpenAI},
		{provider.NameAnthropic, p.Anthropic},
		{provider.NameDeepSeek, p.DeepSeek},
	}

	out := make([]provider.Config, 0, len(named))
	for _, entry := range named {
		if !entry.cfg.APIKey.IsSet() {
			continue
		}
		out = append(out, provider.Config{
			Name:              entry.name,
			APIKey:            entry.cfg.APIKey.Value(),
			Model:             entry.cfg.Model,
			BaseURL:           entry.cfg.BaseURL,
			Temperature:       entry.cfg.Temperature,
			MaxTokens:         entry.cfg.MaxTokens,
			RequestsPerMinute: entry.cfg.RequestsPerMinute,
			Burst:             entry.cfg.Burst,
			Retry:             p.Retry,
		})
	}
	return out
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present. The store path is left empty here
// and filled by LoadWithFile, which knows the user's home directory.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8090,
			ShutdownTimeout: 10 * time.Second,
		},
		Store:        store.DefaultConfig(""),
		Providers:    ProvidersConfig{Retry: provider.DefaultRetryConfig()},
		Runner:       runner.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Status:       status.DefaultConfig(),
		Inbox:        inbox.DefaultConfig(),
		Logging:      logging.NewDefaultConfig(),
		Telemetry:    *telemetry.NewDefaultConfig(),
	}
}

// Validate checks the configuration for values that would prevent the
// daemon from starting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown timeout must be positive")
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		return errors.New("store path is required when not in-memory")
	}

	if c.Status.Enabled && c.Status.URL == "" {
		return errors.New("status url is required when status publishing is enabled")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}
