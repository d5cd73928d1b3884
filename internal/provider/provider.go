// Package provider defines the generation capability consumed by the
// iteration engine and ships LLM-backed implementations on langchaingo
// (OpenAI, Anthropic, and DeepSeek through the OpenAI-compatible API).
//
// Implementations must be idempotent-safe to retry: a Generate call
// that fails can be reissued with the same request. Transient faults
// are marked so the bounded retry wrapper can distinguish them from
// permanent ones.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/forged/internal/project"
)

// Kind selects what the provider should generate.
type Kind string

const (
	// KindCode requests implementation files.
	KindCode Kind = "code"

	// KindTests requests test files for existing code.
	KindTests Kind = "tests"
)

// Request carries everything a provider may condition on. Test
// generation requests never carry prior failures: tests are
// regenerated fresh each round against the current code.
type Request struct {
	// Kind is what to generate.
	Kind Kind

	// Spec is the project specification.
	Spec project.Specification

	// CodeContext is the code the generation builds on: the last
	// successful iteration's files for code regeneration, or the
	// current round's files for test generation.
	CodeContext project.FileSet

	// PriorFailures is the previous round's flattened failure list,
	// in canonical suite order.
	PriorFailures []project.FailureDetail

	// Iteration is the 0-based round number, for logging and prompts.
	Iteration int
}

// Provider produces a file set from a request.
type Provider interface {
	// Name identifies the provider in the registry.
	Name() string

	// Generate produces files. It must honor ctx cancellation and be
	// safe to retry.
	Generate(ctx context.Context, req Request) (project.FileSet, error)
}

// Registry holds the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Duplicate names are rejected.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get returns the named provider. Unknown names are a validation
// error: they are caught at submission, before any lease is acquired.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", project.ErrValidation, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
