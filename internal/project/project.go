package project

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy bundles the knobs that distinguish generation modes. Modes are
// configuration, not code paths: a "deeper" mode is just a larger
// iteration budget or a different provider.
type Policy struct {
	// MaxIterations is the round budget. Must be at least 1.
	MaxIterations int `json:"max_iterations" koanf:"max_iterations"`

	// Provider names the registered provider implementation to use.
	Provider string `json:"provider" koanf:"provider"`

	// MergeMode selects how the final artifact is assembled.
	MergeMode MergeMode `json:"merge_mode" koanf:"merge_mode"`
}

// MergeMode selects final-artifact assembly behavior.
type MergeMode string

const (
	// MergeRewrite assembles the artifact from iteration history alone.
	MergeRewrite MergeMode = "rewrite"

	// MergeIncremental seeds the artifact with the files recorded at
	// submission; generated files overwrite seeds path-by-path and
	// untouched seeds persist into the artifact.
	MergeIncremental MergeMode = "incremental"
)

// Policy bounds.
const (
	DefaultMaxIterations = 5
	MaxIterationsCap     = 20
)

// DefaultPolicy returns the standard generation policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations: DefaultMaxIterations,
		Provider:      "openai",
		MergeMode:     MergeRewrite,
	}
}

// ApplyDefaults fills zero-valued fields from d.
func (p *Policy) ApplyDefaults(d Policy) {
	if p.MaxIterations == 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.Provider == "" {
		p.Provider = d.Provider
	}
	if p.MergeMode == "" {
		p.MergeMode = d.MergeMode
	}
}

// Validate checks policy bounds.
func (p Policy) Validate() error {
	if p.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be at least 1", ErrValidation)
	}
	if p.MaxIterations > MaxIterationsCap {
		return fmt.Errorf("%w: max iterations exceeds cap of %d", ErrValidation, MaxIterationsCap)
	}
	if p.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrValidation)
	}
	switch p.MergeMode {
	case MergeRewrite, MergeIncremental:
	default:
		return fmt.Errorf("%w: unknown merge mode %q", ErrValidation, p.MergeMode)
	}
	return nil
}

// Project is the root aggregate: one specification, one policy, and an
// append-only iteration history. Mutated only by the orchestrator while
// it holds the project's lease.
type Project struct {
	// ID is the unique project identifier (UUID).
	ID string `json:"id"`

	// Specification is the submitted input.
	Specification Specification `json:"specification"`

	// Status is the current state-machine position.
	Status Status `json:"status"`

	// CurrentIteration is the index of the round in progress, or of the
	// last executed round once terminal.
	CurrentIteration int `json:"current_iteration"`

	// Policy holds the generation policy for the active run.
	Policy Policy `json:"policy"`

	// Generation counts regenerate cycles; archived iterations are
	// keyed under their generation.
	Generation int `json:"generation"`

	// SeedFiles holds pre-existing files for incremental merges.
	SeedFiles FileSet `json:"seed_files,omitempty"`

	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the project record last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// StoppedByUser is true when a user stop request ended the run, as
	// opposed to daemon shutdown.
	StoppedByUser bool `json:"stopped_by_user"`

	// StoppedAt is when a stop took effect, if one did.
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	// CompletedIteration is the index of the passing round, once one
	// exists.
	CompletedIteration *int `json:"completed_iteration,omitempty"`

	// LastFailures carries the most recent round's flattened failures
	// so status queries can explain why a run ended.
	LastFailures []FailureDetail `json:"last_failures,omitempty"`
}

// NewProject creates a project in the created state.
func NewProject(spec Specification, policy Policy) (*Project, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Project{
		ID:            uuid.New().String(),
		Specification: spec,
		Status:        StatusCreated,
		Policy:        policy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Transition moves the project to next after checking the edge is legal.
func (p *Project) Transition(next Status) error {
	if err := p.Status.CanTransition(next); err != nil {
		return err
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Lease is the exclusivity record: at most one live lease exists per
// project at any instant. Acquisition is non-blocking and fails fast.
type Lease struct {
	// ProjectID is the leased project.
	ProjectID string `json:"project_id"`

	// OwnerToken identifies the holder (UUID).
	OwnerToken string `json:"owner_token"`

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time `json:"acquired_at"`
}
