// Package status broadcasts project state changes to the UI layer over
// NATS. Publishing is fire-and-forget: a slow or absent broker must
// never stall an orchestration loop, so failures are logged and
// dropped, not returned.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
)

// Update is one state-change event for a project.
type Update struct {
	ProjectID     string         `json:"project_id"`
	Status        project.Status `json:"status"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	Generation    int            `json:"generation"`
	FailureCount  int            `json:"failure_count"`
	Message       string         `json:"message,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Publisher broadcasts updates. Implementations must not block the
// caller beyond a local write.
type Publisher interface {
	Publish(ctx context.Context, update Update)
	Close() error
}

// Config controls the NATS connection.
type Config struct {
	// Enabled turns publishing on. When false New returns a no-op
	// publisher and the daemon runs without a broker.
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server address.
	URL string `koanf:"url"`

	// SubjectPrefix is prepended to every subject.
	SubjectPrefix string `koanf:"subject_prefix"`

	// MaxReconnects bounds reconnection attempts after a drop.
	MaxReconnects int `koanf:"max_reconnects"`

	// ReconnectWait is the pause between reconnection attempts.
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultConfig returns the standard publisher configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		URL:           nats.DefaultURL,
		SubjectPrefix: "forged",
		MaxReconnects: 5,
		ReconnectWait: 1 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields from the defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = d.ReconnectWait
	}
}

// New connects to NATS and returns a publisher. With publishing
// disabled it returns the no-op publisher and never dials.
func New(cfg Config, logger *logging.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NewNop(), nil
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info(context.Background(), "status publisher connected",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", cfg.SubjectPrefix),
	)
	return &natsPublisher{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		logger: logger.Named("status"),
	}, nil
}

type natsPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// Publish sends the update to <prefix>.project.<id>.status. Failures
// are logged and swallowed.
func (p *natsPublisher) Publish(ctx context.Context, update Update) {
	data, err := json.Marshal(update)
	if err != nil {
		p.logger.Warn(ctx, "failed to encode status update",
			zap.String("project_id", update.ProjectID), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.project.%s.status", p.prefix, update.ProjectID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "failed to publish status update",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains the connection so queued updates flush before shutdown.
func (p *natsPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

type nopPublisher struct{}

// NewNop returns a publisher that discards every update.
func NewNop() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, Update) {}
func (nopPublisher) Close() error                    { return nil }
