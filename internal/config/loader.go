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

	// envPrefix scopes environment overrides to forged's own variables.
	envPrefix = "FORGED_"
)

// LoadWithFile loads configuration from a YAML file, then overrides
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FORGED_SERVER_PORT, FORGED_LOGGING_LEVEL, ...)
//  2. YAML config file (~/.config/forged/config.yaml)
//  3. Defaults from DefaultConfig
//
// The configPath parameter specifies the YAML file to load. If empty,
// the default path ~/.config/forged/config.yaml is used. A missing
// file is not an error; defaults and environment variables still apply.
//
// # Security Considerations
//
// File permissions: the configuration file must have 0600 or 0400
// permissions. Files with weaker permissions (e.g. 0644 world-readable)
// are rejected.
//
// Path validation: only configuration files under allowed directories
// can be loaded:
//   - ~/.config/forged/ (user's config directory)
//   - /etc/forged/ (system-wide config directory)
//
// Paths outside these directories are rejected, symlinks included.
// Files larger than 1MB are rejected.
//
// Provider API keys never come from the file: they are read from
// OPENAI_API_KEY, ANTHROPIC_API_KEY and DEEPSEEK_API_KEY after the
// file and environment tree are applied.
//
// # Environment Variable Mapping
//
// Variables are prefixed with FORGED_, then split on the first
// underscore into section and field:
//
//	FORGED_SERVER_PORT                     -> server.port
//	FORGED_STORE_IN_MEMORY                 -> store.in_memory
//	FORGED_ORCHESTRATOR_STOP_GRACE_PERIOD  -> orchestrator.stop_grace_period
//
// The split is two levels deep, so fields nested below a section
// (for example telemetry.sampling.rate) must be set in the file.
func LoadWithFile(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, ".config", "forged", "config.yaml")
	}

	// Validate the path even when the file does not exist.
	if err := validateConfigPath(configPath, home); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the file descriptor to avoid
		// a TOCTOU race between the permission check and the read.
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

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// FORGED_SERVER_PORT -> server.port
		// FORGED_RUNNER_SUITE_TIMEOUT -> runner.suite_timeout
		//
		// Split on the first underscore only: the first part is the
		// section, the remainder keeps its underscores as the field.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over a fully populated default config so unset keys
	// keep their defaults and set keys override them.
	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// API keys come from the environment only, never the file.
	cfg.Providers.OpenAI.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	cfg.Providers.Anthropic.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Providers.DeepSeek.APIKey = Secret(os.Getenv("DEEPSEEK_API_KEY"))

	if cfg.Store.Path == "" && !cfg.Store.InMemory {
		cfg.Store.Path = filepath.Join(home, ".config", "forged", "store")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// EnsureConfigDir creates the forged config directory if it doesn't
// exist, with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "forged")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks that path lies inside an allowed directory.
// It runs even if the file doesn't exist yet.
func validateConfigPath(path, home string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	// If evaluation fails the path may simply not exist yet; validate
	// the absolute path instead.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "forged"),
		"/etc/forged",
	}

	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(os.PathSeparator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/forged/ or /etc/forged/")
}

// validateConfigFileProperties checks file permissions and size using
// FileInfo from an already-opened file descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model; skip the check there.
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
