package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/merge"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/runner"
	"github.com/fyrsmithlabs/forged/internal/status"
	"github.com/fyrsmithlabs/forged/internal/store"
)

// ErrClosed is returned for operations on a closed service.
var ErrClosed = errors.New("orchestrator is closed")

// Config controls loop behavior.
type Config struct {
	// DefaultPolicy fills unset policy fields on submission and start.
	DefaultPolicy project.Policy `koanf:"default_policy"`

	// StopGracePeriod bounds how long a stop waits for an in-flight
	// provider or runner call before the call is abandoned and the
	// run ends in the error state.
	StopGracePeriod time.Duration `koanf:"stop_grace_period"`
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy:   project.DefaultPolicy(),
		StopGracePeriod: 10 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields from the defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.DefaultPolicy.ApplyDefaults(d.DefaultPolicy)
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = d.StopGracePeriod
	}
}

// StartRequest asks for a generation run on an existing project.
type StartRequest struct {
	// ProjectID names the project to run.
	ProjectID string

	// Spec, when set, replaces the stored specification before the
	// run starts.
	Spec *project.Specification

	// Policy, when set, replaces the stored policy. Zero fields fall
	// back to the configured defaults.
	Policy *project.Policy
}

// StatusReport is the queryable view of a project's run.
type StatusReport struct {
	ProjectID          string                  `json:"project_id"`
	Status             project.Status          `json:"status"`
	CurrentIteration   int                     `json:"current_iteration"`
	MaxIterations      int                     `json:"max_iterations"`
	Generation         int                     `json:"generation"`
	CompletedIteration *int                    `json:"completed_iteration,omitempty"`
	LastFailures       []project.FailureDetail `json:"last_failures,omitempty"`
	StoppedByUser      bool                    `json:"stopped_by_user"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// Service is the orchestrator's exposed surface.
type Service interface {
	// Submit registers a project from a specification. The policy is
	// optional; unset fields take the configured defaults. Seed files
	// participate in incremental merges.
	Submit(ctx context.Context, spec project.Specification, policy *project.Policy, seeds project.FileSet) (*project.Project, error)

	// StartGeneration validates the request, acquires the project's
	// lease, and launches the generation loop. A live run yields
	// project.ErrLeaseConflict; validation problems are rejected
	// before any lease is touched. Restarting a terminal project
	// archives the previous iteration history and starts a fresh
	// generation at index 0.
	StartGeneration(ctx context.Context, req StartRequest) (*project.Project, error)

	// RequestStop flags the project's active run for cancellation.
	// The loop observes the flag at its next checkpoint; in-flight
	// calls get a bounded grace period. Projects without an active
	// run yield project.ErrNotCancellable.
	RequestStop(ctx context.Context, projectID string) error

	// GetStatus reports the project's current state, iteration
	// position, and the last captured failure list.
	GetStatus(ctx context.Context, projectID string) (*StatusReport, error)

	// GetFinalArtifact returns the merged artifact, building it on
	// demand from committed iterations. project.ErrNotReady before
	// any iteration is committed.
	GetFinalArtifact(ctx context.Context, projectID string) (*project.FinalArtifact, error)

	// Cleanup removes iteration records, keeping the artifact unless
	// keepFinal is false. Refused while a run is active.
	Cleanup(ctx context.Context, projectID string, keepFinal bool) (int, error)

	// Providers lists the registered provider names.
	Providers() []string

	// Close stops accepting work, cancels active loops, and waits for
	// them to finalize. Idempotent.
	Close() error
}

// Deps are the collaborators a service needs.
type Deps struct {
	Store     *store.Store
	Leases    *lease.Manager
	Providers *provider.Registry
	Runner    runner.Runner
	Merger    merge.Service

	// Publisher broadcasts state changes. Optional; nil disables
	// publishing.
	Publisher status.Publisher
}
