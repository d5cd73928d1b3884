// Package merge builds the deterministic FinalArtifact out of a
// project's committed iteration history and owns iteration cleanup.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forged/internal/merge"

// Service assembles and serves final artifacts.
type Service interface {
	// Build merges the committed iterations into a FinalArtifact and
	// persists it. It is idempotent: the same history yields the same
	// files. Returns project.ErrNotReady when no iteration exists yet.
	Build(ctx context.Context, projectID string) (*project.FinalArtifact, error)

	// Artifact returns the stored artifact, building it on demand when
	// the history allows.
	Artifact(ctx context.Context, projectID string) (*project.FinalArtifact, error)

	// Cleanup removes iteration records, keeping the artifact unless
	// keepFinal is false. It refuses to run while the project's lease
	// is active and reports how many records were removed.
	Cleanup(ctx context.Context, projectID string, keepFinal bool) (int, error)
}

type service struct {
	store  *store.Store
	leases *lease.Manager
	logger *logging.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	buildCounter metric.Int64Counter
}

// NewService creates the merge service.
func NewService(st *store.Store, leases *lease.Manager, logger *logging.Logger) (Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if leases == nil {
		return nil, errors.New("lease manager is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &service{
		store:  st,
		leases: leases,
		logger: logger.Named("merge"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.buildCounter, err = s.meter.Int64Counter(
		"forged.merge.builds_total",
		metric.WithDescription("Total number of final artifacts built"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create build counter", zap.Error(err))
	}
}

// Build merges iterations 0..cut with last-writer-wins per path. The
// cut is the first successful iteration when one exists; otherwise the
// last committed iteration, flagged best-effort. In incremental mode
// the project's seed files sit underneath iteration 0.
func (s *service) Build(ctx context.Context, projectID string) (*project.FinalArtifact, error) {
	ctx, span := s.tracer.Start(ctx, "merge.build")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	iterations, err := s.store.ListIterations(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(iterations) == 0 {
		return nil, fmt.Errorf("%w: no committed iterations for project %s", project.ErrNotReady, projectID)
	}

	cut := len(iterations) - 1
	bestEffort := true
	for i, it := range iterations {
		if it.Success {
			cut = i
			bestEffort = false
			break
		}
	}

	files := make(project.FileSet)
	if proj.Policy.MergeMode == project.MergeIncremental && len(proj.SeedFiles) > 0 {
		files = proj.SeedFiles.Clone()
	}
	for _, it := range iterations[:cut+1] {
		files = files.Overlay(it.Files())
	}

	artifact := &project.FinalArtifact{
		ProjectID:            projectID,
		SourceIterationIndex: iterations[cut].Index,
		Files:                files,
		BuiltAt:              time.Now().UTC(),
		BestEffort:           bestEffort,
	}
	artifact.Summary = project.Summarize(files)

	if err := s.store.SaveArtifact(ctx, artifact); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("save artifact: %w", err)
	}

	if s.buildCounter != nil {
		s.buildCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("best_effort", bestEffort),
		))
	}
	s.logger.Info(ctx, "built final artifact",
		zap.String("project_id", projectID),
		zap.Int("source_iteration", artifact.SourceIterationIndex),
		zap.Int("files", len(files)),
		zap.Bool("best_effort", bestEffort),
	)

	span.SetAttributes(
		attribute.Int("artifact.files", len(files)),
		attribute.Bool("artifact.best_effort", bestEffort),
	)
	return artifact, nil
}

// Artifact prefers the stored copy and rebuilds when none exists.
func (s *service) Artifact(ctx context.Context, projectID string) (*project.FinalArtifact, error) {
	ctx, span := s.tracer.Start(ctx, "merge.artifact")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	artifact, err := s.store.GetArtifact(ctx, projectID)
	if err == nil {
		return artifact, nil
	}
	if !errors.Is(err, project.ErrNotFound) {
		span.RecordError(err)
		return nil, err
	}
	return s.Build(ctx, projectID)
}

func (s *service) Cleanup(ctx context.Context, projectID string, keepFinal bool) (int, error) {
	ctx, span := s.tracer.Start(ctx, "merge.cleanup")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.Bool("keep_final", keepFinal),
	)

	if s.leases.Held(projectID) {
		err := fmt.Errorf("%w: cleanup refused while a run is active for project %s",
			project.ErrLeaseConflict, projectID)
		span.RecordError(err)
		return 0, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		span.RecordError(err)
		return 0, err
	}

	removed, err := s.store.Cleanup(ctx, projectID, keepFinal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("cleanup project %s: %w", projectID, err)
	}

	s.logger.Info(ctx, "cleaned up project",
		zap.String("project_id", projectID),
		zap.Int("removed", removed),
		zap.Bool("keep_final", keepFinal),
	)
	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}
