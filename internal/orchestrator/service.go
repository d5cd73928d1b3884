package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/merge"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/runner"
	"github.com/fyrsmithlabs/forged/internal/status"
	"github.com/fyrsmithlabs/forged/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/forged/internal/orchestrator"

type service struct {
	config    Config
	store     *store.Store
	leases    *lease.Manager
	providers *provider.Registry
	runner    runner.Runner
	merger    merge.Service
	publisher status.Publisher
	logger    *logging.Logger

	tracer trace.Tracer
	meter  metric.Meter

	submitCounter metric.Int64Counter
	roundCounter  metric.Int64Counter
	runCounter    metric.Int64Counter

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewService creates the orchestrator.
func NewService(cfg Config, deps Deps, logger *logging.Logger) (Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Leases == nil {
		return nil, errors.New("lease manager is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.Merger == nil {
		return nil, errors.New("merge service is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = status.NewNop()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &service{
		config:     cfg,
		store:      deps.Store,
		leases:     deps.Leases,
		providers:  deps.Providers,
		runner:     deps.Runner,
		merger:     deps.Merger,
		publisher:  deps.Publisher,
		logger:     logger.Named("orchestrator"),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.submitCounter, err = s.meter.Int64Counter(
		"forged.orchestrator.submissions_total",
		metric.WithDescription("Total number of submitted projects"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create submission counter", zap.Error(err))
	}
	s.roundCounter, err = s.meter.Int64Counter(
		"forged.orchestrator.rounds_total",
		metric.WithDescription("Total number of committed generation rounds"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create round counter", zap.Error(err))
	}
	s.runCounter, err = s.meter.Int64Counter(
		"forged.orchestrator.runs_total",
		metric.WithDescription("Total number of finished generation runs by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}
}

func (s *service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Submit registers a new project in the created state.
func (s *service) Submit(ctx context.Context, spec project.Specification, policy *project.Policy, seeds project.FileSet) (*project.Project, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	pol := s.config.DefaultPolicy
	if policy != nil {
		pol = *policy
		pol.ApplyDefaults(s.config.DefaultPolicy)
	}
	if len(seeds) > 0 {
		if err := seeds.Validate(); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	proj, err := project.NewProject(spec, pol)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	proj.SeedFiles = seeds.Clone()

	if err := s.store.SaveProject(ctx, proj); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save project: %w", err)
	}

	if s.submitCounter != nil {
		s.submitCounter.Add(ctx, 1)
	}
	s.publish(ctx, proj, "project created")
	s.logger.Info(ctx, "project submitted",
		zap.String("project_id", proj.ID),
		zap.String("name", spec.Name),
		zap.String("provider", pol.Provider),
		zap.Int("max_iterations", pol.MaxIterations),
	)
	span.SetAttributes(attribute.String("project.id", proj.ID))
	return proj, nil
}

// StartGeneration acquires the lease and launches the loop.
func (s *service) StartGeneration(ctx context.Context, req StartRequest) (*project.Project, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.start_generation", trace.WithAttributes(
		attribute.String("project.id", req.ProjectID),
	))
	defer span.End()

	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is required", project.ErrValidation)
	}

	proj, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Everything that can be rejected is rejected before the lease is
	// touched, so a validation failure never blocks a later attempt.
	if req.Spec != nil {
		if err := req.Spec.Validate(); err != nil {
			span.RecordError(err)
			return nil, err
		}
		proj.Specification = *req.Spec
	}
	if req.Policy != nil {
		pol := *req.Policy
		pol.ApplyDefaults(s.config.DefaultPolicy)
		if err := pol.Validate(); err != nil {
			span.RecordError(err)
			return nil, err
		}
		proj.Policy = pol
	}
	prov, err := s.providers.Get(proj.Policy.Provider)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The lease context descends from the service root, not the
	// request: the loop outlives the call that started it.
	l, err := s.leases.Acquire(s.baseCtx, proj.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.prepareRun(ctx, proj); err != nil {
		l.Release()
		span.RecordError(err)
		return nil, err
	}
	if err := s.store.SaveProject(ctx, proj); err != nil {
		l.Release()
		span.RecordError(err)
		return nil, fmt.Errorf("save project: %w", err)
	}
	leaseRecord := l.Record()
	if err := s.store.SaveLease(ctx, &leaseRecord); err != nil {
		s.logger.Warn(ctx, "failed to persist lease record", zap.Error(err))
	}

	s.publish(ctx, proj, "generation queued")
	s.logger.Info(ctx, "generation started",
		zap.String("project_id", proj.ID),
		zap.String("provider", proj.Policy.Provider),
		zap.Int("max_iterations", proj.Policy.MaxIterations),
		zap.Int("generation", proj.Generation),
	)

	s.wg.Add(1)
	go s.runLoop(l, proj, prov)

	snapshot := *proj
	return &snapshot, nil
}

// prepareRun settles stale state and requeues the project. A terminal
// project restarting archives its history and begins a fresh
// generation; iteration indices restart at zero.
func (s *service) prepareRun(ctx context.Context, proj *project.Project) error {
	if proj.Status.Active() {
		// Active status without a live lease is residue of an
		// interrupted process; leases are in-process, so no loop can
		// exist for it. Settle the old run before requeueing.
		s.logger.Warn(ctx, "recovering project from stale active status",
			zap.String("project_id", proj.ID),
			zap.String("status", string(proj.Status)),
		)
		proj.Status = project.StatusStopped
	}

	if proj.Status.Terminal() {
		moved, err := s.store.ArchiveIterations(ctx, proj.ID, proj.Generation)
		if err != nil {
			return fmt.Errorf("archive iterations: %w", err)
		}
		if moved > 0 {
			proj.Generation++
		}
		proj.CurrentIteration = 0
		proj.CompletedIteration = nil
		proj.LastFailures = nil
		proj.StoppedByUser = false
		proj.StoppedAt = nil
	}

	return proj.Transition(project.StatusQueued)
}

// RequestStop flags the active run for cancellation.
func (s *service) RequestStop(ctx context.Context, projectID string) error {
	ctx, span := s.tracer.Start(ctx, "orchestrator.request_stop", trace.WithAttributes(
		attribute.String("project.id", projectID),
	))
	defer span.End()

	if err := s.checkClosed(); err != nil {
		return err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.leases.RequestStop(projectID, true); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info(ctx, "stop requested", zap.String("project_id", projectID))
	return nil
}

// GetStatus assembles the queryable run view from the stored record.
func (s *service) GetStatus(ctx context.Context, projectID string) (*StatusReport, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.get_status", trace.WithAttributes(
		attribute.String("project.id", projectID),
	))
	defer span.End()

	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &StatusReport{
		ProjectID:          proj.ID,
		Status:             proj.Status,
		CurrentIteration:   proj.CurrentIteration,
		MaxIterations:      proj.Policy.MaxIterations,
		Generation:         proj.Generation,
		CompletedIteration: proj.CompletedIteration,
		LastFailures:       proj.LastFailures,
		StoppedByUser:      proj.StoppedByUser,
		UpdatedAt:          proj.UpdatedAt,
	}, nil
}

// GetFinalArtifact serves the merged artifact.
func (s *service) GetFinalArtifact(ctx context.Context, projectID string) (*project.FinalArtifact, error) {
	return s.merger.Artifact(ctx, projectID)
}

// Cleanup removes iteration records via the merge service.
func (s *service) Cleanup(ctx context.Context, projectID string, keepFinal bool) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	return s.merger.Cleanup(ctx, projectID, keepFinal)
}

// Providers lists registered provider names.
func (s *service) Providers() []string {
	return s.providers.Names()
}

// Close cancels active loops and waits for them to finalize. Loops end
// in the stopped state with StoppedByUser=false.
func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
	s.logger.Info(context.Background(), "orchestrator closed")
	return nil
}

func (s *service) publish(ctx context.Context, proj *project.Project, message string) {
	s.publisher.Publish(ctx, status.Update{
		ProjectID:     proj.ID,
		Status:        proj.Status,
		Iteration:     proj.CurrentIteration,
		MaxIterations: proj.Policy.MaxIterations,
		Generation:    proj.Generation,
		FailureCount:  len(proj.LastFailures),
		Message:       message,
		Timestamp:     time.Now().UTC(),
	})
}
