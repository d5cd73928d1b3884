// Package engine executes a single generation round: generate code,
// generate tests, run tests. It owns the phase sequence and its
// checkpoints; the orchestrator owns the loop around it, the project
// state machine, and persistence.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/runner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Phase is one stage of a generation round.
type Phase string

const (
	// PhaseGeneratingCode is the code generation stage.
	PhaseGeneratingCode Phase = "generating_code"

	// PhaseGeneratingTests is the test generation stage.
	PhaseGeneratingTests Phase = "generating_tests"

	// PhaseRunningTests is the test execution stage.
	PhaseRunningTests Phase = "running_tests"
)

// Progress reports a phase transition inside a round.
type Progress struct {
	ProjectID string `json:"project_id"`
	Iteration int    `json:"iteration"`
	Phase     Phase  `json:"phase"`
	Message   string `json:"message"`
}

// ProgressFunc receives progress updates during a round.
type ProgressFunc func(progress Progress)

// RoundInput is everything one round needs.
type RoundInput struct {
	// ProjectID identifies the project.
	ProjectID string

	// Iteration is the 0-based round index.
	Iteration int

	// Spec is the project specification.
	Spec project.Specification

	// Provider generates code and tests for this round.
	Provider provider.Provider

	// BaseFiles is the code context the round starts from: the
	// previous round's code on fix rounds, seed files on incremental
	// first rounds, nil otherwise.
	BaseFiles project.FileSet

	// PriorFailures is the previous round's flattened failure list.
	// It reaches code generation only; test generation never sees it.
	PriorFailures []project.FailureDetail
}

// Engine runs rounds.
type Engine struct {
	runner   runner.Runner
	logger   *logging.Logger
	tracer   trace.Tracer
	progress ProgressFunc
}

// New creates an engine on top of a runner.
func New(r runner.Runner, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		runner: r,
		logger: logger.Named("engine"),
		tracer: otel.Tracer("forged/engine"),
	}
}

// OnProgress sets the progress callback.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.progress = fn
}

// RunRound executes one generate-code, generate-tests, run-tests
// sequence. A checkpoint before each phase observes cancellation.
//
// On error the returned iteration is nil if the round produced no code
// yet, and partial (success=false) otherwise; the caller decides
// whether a partial round is worth persisting. Error values carry the
// taxonomy: project.ErrProvider for exhausted generation,
// project.ErrRunner / project.ErrRunnerTimeout for infrastructure,
// plain context errors for stops.
func (e *Engine) RunRound(ctx context.Context, in RoundInput) (*project.Iteration, error) {
	ctx, span := e.tracer.Start(ctx, "engine.RunRound", trace.WithAttributes(
		attribute.String("project.id", in.ProjectID),
		attribute.Int("iteration", in.Iteration),
		attribute.String("provider", in.Provider.Name()),
	))
	defer span.End()

	ctx = logging.WithIteration(logging.WithProjectID(ctx, in.ProjectID), in.Iteration)
	startedAt := time.Now().UTC()

	iteration := &project.Iteration{
		ProjectID: in.ProjectID,
		Index:     in.Iteration,
		StartedAt: startedAt,
		Success:   false,
	}

	// Phase 1: code.
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	e.report(Progress{ProjectID: in.ProjectID, Iteration: in.Iteration, Phase: PhaseGeneratingCode,
		Message: fmt.Sprintf("generating code with %s", in.Provider.Name())})

	codeFiles, err := in.Provider.Generate(ctx, provider.Request{
		Kind:          provider.KindCode,
		Spec:          in.Spec,
		CodeContext:   in.BaseFiles,
		PriorFailures: in.PriorFailures,
		Iteration:     in.Iteration,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	iteration.CodeFiles = codeFiles
	iteration.FinishedAt = time.Now().UTC()
	e.logger.Info(ctx, "code generated", zap.Int("files", len(codeFiles)))

	// Phase 2: tests. The request carries the fresh code and nothing
	// about past failures: tests are written against what the code
	// should do, not against what previously went wrong.
	if err := checkpoint(ctx); err != nil {
		return iteration, err
	}
	e.report(Progress{ProjectID: in.ProjectID, Iteration: in.Iteration, Phase: PhaseGeneratingTests,
		Message: fmt.Sprintf("generating tests with %s", in.Provider.Name())})

	testFiles, err := in.Provider.Generate(ctx, provider.Request{
		Kind:        provider.KindTests,
		Spec:        in.Spec,
		CodeContext: codeFiles,
		Iteration:   in.Iteration,
	})
	if err != nil {
		span.RecordError(err)
		iteration.FinishedAt = time.Now().UTC()
		return iteration, err
	}
	iteration.TestFiles = testFiles
	iteration.FinishedAt = time.Now().UTC()
	e.logger.Info(ctx, "tests generated", zap.Int("files", len(testFiles)))

	// Phase 3: run.
	if err := checkpoint(ctx); err != nil {
		return iteration, err
	}
	e.report(Progress{ProjectID: in.ProjectID, Iteration: in.Iteration, Phase: PhaseRunningTests,
		Message: "running test suites"})

	results, err := e.runner.Run(ctx, in.ProjectID, iteration.Files())
	iteration.FinishedAt = time.Now().UTC()
	if err != nil {
		span.RecordError(err)
		return iteration, err
	}
	iteration.TestResults = results
	iteration.Success = aggregateSuccess(results)

	if project.HasInfrastructureFailure(results) {
		iteration.Success = false
		err := fmt.Errorf("%w: test run reported an infrastructure failure", project.ErrRunner)
		span.RecordError(err)
		return iteration, err
	}

	e.logger.Info(ctx, "round finished",
		zap.Bool("success", iteration.Success),
		zap.Int("suites", len(results)),
		zap.Duration("took", iteration.FinishedAt.Sub(startedAt)),
	)
	return iteration, nil
}

// aggregateSuccess is the AND over all executed suites. An empty
// result set is vacuously successful: absent suites count as passing.
func aggregateSuccess(results map[string]project.TestOutcome) bool {
	for _, outcome := range results {
		if !outcome.Success {
			return false
		}
	}
	return true
}

// checkpoint observes cancellation between phases.
func checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (e *Engine) report(p Progress) {
	if e.progress != nil {
		e.progress(p)
	}
}
