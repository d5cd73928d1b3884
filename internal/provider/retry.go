package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts       = 3
	defaultInitialBackoff    = 1 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultBackoffMultiplier = 2.0
)

// RetryConfig bounds how often a transient provider fault is retried
// within a single generation phase.
type RetryConfig struct {
	// MaxAttempts is the total number of Generate calls per phase,
	// including the first one.
	MaxAttempts int `koanf:"max_attempts"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`
}

// DefaultRetryConfig returns the production defaults: three attempts
// with 1s/2s backoff between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       defaultMaxAttempts,
		InitialBackoff:    defaultInitialBackoff,
		MaxBackoff:        defaultMaxBackoff,
		BackoffMultiplier: defaultBackoffMultiplier,
	}
}

// ApplyDefaults fills zero values with production defaults.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
}

// transientError marks a fault as worth retrying: rate limits, server
// errors, malformed responses. Everything else (bad credentials,
// invalid requests) fails the phase immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry layer will reissue the call.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// retryingProvider decorates a provider with bounded exponential
// backoff. Exhaustion and permanent faults both surface as
// project.ErrProvider so the orchestrator can short-circuit the round.
type retryingProvider struct {
	inner  Provider
	cfg    RetryConfig
	logger *logging.Logger
}

// WithRetry wraps p in the bounded retry policy.
func WithRetry(p Provider, cfg RetryConfig, logger *logging.Logger) Provider {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &retryingProvider{inner: p, cfg: cfg, logger: logger}
}

func (r *retryingProvider) Name() string { return r.inner.Name() }

func (r *retryingProvider) Generate(ctx context.Context, req Request) (project.FileSet, error) {
	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		files, err := r.inner.Generate(ctx, req)
		if err == nil {
			return files, nil
		}
		lastErr = err

		// Cancellation is not a provider fault; let the caller see it.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, fmt.Errorf("%w: %s %s generation: %v",
				project.ErrProvider, r.inner.Name(), req.Kind, err)
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.logger.Warn(ctx, "provider call failed, retrying",
			zap.String("provider", r.inner.Name()),
			zap.String("kind", string(req.Kind)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}
	}

	return nil, fmt.Errorf("%w: %s %s generation failed after %d attempts: %v",
		project.ErrProvider, r.inner.Name(), req.Kind, r.cfg.MaxAttempts, lastErr)
}
