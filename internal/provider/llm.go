package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Known provider names. DeepSeek speaks the OpenAI wire protocol, so
// it reuses the OpenAI client with its own base URL.
const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameDeepSeek  = "deepseek"
)

const (
	defaultOpenAIModel    = "gpt-4o"
	defaultAnthropicModel = "claude-3-5-sonnet-20241022"
	defaultDeepSeekModel  = "deepseek-chat"
	deepSeekBaseURL       = "https://api.deepseek.com/v1"

	defaultTemperature       = 0.7
	defaultMaxTokens         = 4096
	defaultRequestsPerMinute = 50
	defaultBurst             = 5
)

// Config configures one LLM-backed provider.
type Config struct {
	// Name is the registry key: openai, anthropic, or deepseek.
	Name string `koanf:"name"`

	// APIKey authenticates against the provider.
	APIKey string `koanf:"api_key"`

	// Model overrides the per-provider default model.
	Model string `koanf:"model"`

	// BaseURL overrides the provider endpoint, e.g. for proxies or
	// OpenAI-compatible gateways.
	BaseURL string `koanf:"base_url"`

	// Temperature is the sampling temperature.
	Temperature float64 `koanf:"temperature"`

	// MaxTokens caps the response length.
	MaxTokens int `koanf:"max_tokens"`

	// RequestsPerMinute throttles outbound calls.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	// Burst is the rate limiter burst size.
	Burst int `koanf:"burst"`

	// Retry bounds transient-fault retries per generation phase.
	Retry RetryConfig `koanf:"retry"`
}

// ApplyDefaults fills zero values with per-provider defaults.
func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		switch c.Name {
		case NameAnthropic:
			c.Model = defaultAnthropicModel
		case NameDeepSeek:
			c.Model = defaultDeepSeekModel
		default:
			c.Model = defaultOpenAIModel
		}
	}
	if c.Name == NameDeepSeek && c.BaseURL == "" {
		c.BaseURL = deepSeekBaseURL
	}
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	c.Retry.ApplyDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Name {
	case NameOpenAI, NameAnthropic, NameDeepSeek:
	case "":
		return fmt.Errorf("provider name is required")
	default:
		return fmt.Errorf("unknown provider name %q", c.Name)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key is required", c.Name)
	}
	return nil
}

// llmProvider is the langchaingo-backed provider. All faults from the
// model client are marked transient; the retry wrapper bounds them.
type llmProvider struct {
	name        string
	model       llms.Model
	limiter     *rate.Limiter
	temperature float64
	maxTokens   int
	logger      *logging.Logger
}

// New builds the provider named by cfg and wraps it in the bounded
// retry policy.
func New(cfg Config, logger *logging.Logger) (Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		model llms.Model
		err   error
	)
	switch cfg.Name {
	case NameAnthropic:
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	default:
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Name, err)
	}

	p := &llmProvider{
		name:        cfg.Name,
		model:       model,
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.Named(cfg.Name),
	}
	return WithRetry(p, cfg.Retry, logger), nil
}

func (p *llmProvider) Name() string { return p.name }

func (p *llmProvider) Generate(ctx context.Context, req Request) (project.FileSet, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	system, user := buildPrompt(req)
	p.logger.Debug(ctx, "calling model",
		zap.String("kind", string(req.Kind)),
		zap.Int("iteration", req.Iteration),
		zap.Int("prompt_bytes", len(user)),
	)

	resp, err := p.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, user),
		},
		llms.WithTemperature(p.temperature),
		llms.WithMaxTokens(p.maxTokens),
	)
	if err != nil {
		return nil, Transient(fmt.Errorf("%s call: %w", p.name, err))
	}
	if len(resp.Choices) == 0 {
		return nil, Transient(fmt.Errorf("%s returned no choices", p.name))
	}

	files, err := ParseFiles(resp.Choices[0].Content)
	if err != nil {
		return nil, err
	}
	p.logger.Debug(ctx, "model response parsed",
		zap.String("kind", string(req.Kind)),
		zap.Int("files", len(files)),
	)
	return files, nil
}

// BuildRegistry constructs and registers one provider per config.
func BuildRegistry(cfgs []Config, logger *logging.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		p, err := New(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
