package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/engine"
	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
)

type roundResult struct {
	iteration *project.Iteration
	err       error
}

// runLoop drives one generation run to a terminal state. It is the
// sole writer of the project record while the lease is held; progress
// events from the engine goroutine are funneled through a channel so
// every store write happens on this goroutine.
func (s *service) runLoop(l *lease.Lease, proj *project.Project, prov provider.Provider) {
	defer s.wg.Done()

	ctx := l.Context()
	// Terminal bookkeeping must outlive the cancellation that caused it.
	pctx := logging.WithProjectID(context.WithoutCancel(ctx), proj.ID)
	pctx, span := s.tracer.Start(pctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("project.id", proj.ID),
		attribute.String("provider", prov.Name()),
		attribute.Int("max_iterations", proj.Policy.MaxIterations),
	))
	defer span.End()
	defer func() {
		l.Release()
		if err := s.store.DeleteLease(pctx, proj.ID); err != nil {
			s.logger.Warn(pctx, "failed to delete lease record", zap.Error(err))
		}
	}()

	eng := engine.New(s.runner, s.logger)
	progressCh := make(chan engine.Progress, 8)
	eng.OnProgress(func(p engine.Progress) {
		// Status bookkeeping never blocks a round.
		select {
		case progressCh <- p:
		default:
		}
	})

	var priorFailures []project.FailureDetail
	var baseFiles project.FileSet
	if proj.Policy.MergeMode == project.MergeIncremental && len(proj.SeedFiles) > 0 {
		// Incremental runs generate against the submitted files.
		baseFiles = proj.SeedFiles.Clone()
	}

	for round := 0; ; round++ {
		if l.StopRequested() {
			s.finalizeStopped(pctx, proj, l, nil)
			return
		}
		proj.CurrentIteration = round

		in := engine.RoundInput{
			ProjectID:     proj.ID,
			Iteration:     round,
			Spec:          proj.Specification,
			Provider:      prov,
			BaseFiles:     baseFiles,
			PriorFailures: priorFailures,
		}
		resCh := make(chan roundResult, 1)
		go func() {
			it, err := eng.RunRound(ctx, in)
			resCh <- roundResult{iteration: it, err: err}
		}()

		var res roundResult
		abandoned := false
	waitRound:
		for {
			select {
			case p := <-progressCh:
				s.applyPhase(pctx, proj, p)
			case res = <-resCh:
				break waitRound
			case <-ctx.Done():
				// Stop observed. The in-flight call gets a bounded
				// grace period to come back before it is written off.
				select {
				case res = <-resCh:
				case <-time.After(s.config.StopGracePeriod):
					abandoned = true
				}
				break waitRound
			}
		}
	drain:
		for {
			select {
			case p := <-progressCh:
				s.applyPhase(pctx, proj, p)
			default:
				break drain
			}
		}

		if abandoned {
			s.finalizeAbandoned(pctx, proj)
			return
		}

		switch {
		case res.err == nil:
			// Round committed below.
		case ctx.Err() != nil:
			s.finalizeStopped(pctx, proj, l, res.iteration)
			return
		default:
			s.finalizeError(pctx, proj, res.err)
			return
		}

		it := res.iteration
		if err := s.store.SaveIteration(pctx, it); err != nil {
			s.finalizeError(pctx, proj, fmt.Errorf("persist iteration %d: %w", it.Index, err))
			return
		}
		proj.LastFailures = project.FlattenFailures(it.TestResults)
		if s.roundCounter != nil {
			s.roundCounter.Add(pctx, 1, metric.WithAttributes(
				attribute.Bool("success", it.Success),
			))
		}
		s.logger.Info(pctx, "iteration committed",
			zap.Int("iteration", it.Index),
			zap.Bool("success", it.Success),
			zap.Int("failures", len(proj.LastFailures)),
		)

		if it.Success {
			s.finalizeCompleted(pctx, proj, round)
			return
		}
		if round+1 >= proj.Policy.MaxIterations {
			s.finalizeFailed(pctx, proj)
			return
		}
		// The next round fixes this round's code, not a blank slate.
		priorFailures = proj.LastFailures
		baseFiles = it.CodeFiles
	}
}

// applyPhase persists and publishes an in-round state transition.
func (s *service) applyPhase(ctx context.Context, proj *project.Project, p engine.Progress) {
	next := phaseStatus(p.Phase)
	if next == "" {
		return
	}
	if err := proj.Transition(next); err != nil {
		s.logger.Warn(ctx, "skipping phase transition",
			zap.String("from", string(proj.Status)),
			zap.String("to", string(next)),
			zap.Error(err),
		)
		return
	}
	if err := s.store.SaveProject(ctx, proj); err != nil {
		s.logger.Warn(ctx, "failed to persist phase transition", zap.Error(err))
	}
	s.publish(ctx, proj, p.Message)
}

func phaseStatus(p engine.Phase) project.Status {
	switch p {
	case engine.PhaseGeneratingCode:
		return project.StatusGeneratingCode
	case engine.PhaseGeneratingTests:
		return project.StatusGeneratingTests
	case engine.PhaseRunningTests:
		return project.StatusRunningTests
	}
	return ""
}

func (s *service) finalizeCompleted(ctx context.Context, proj *project.Project, round int) {
	idx := round
	proj.CompletedIteration = &idx
	s.settle(ctx, proj, project.StatusCompleted,
		fmt.Sprintf("all suites passed at iteration %d", round))
	s.buildArtifact(ctx, proj)
}

func (s *service) finalizeFailed(ctx context.Context, proj *project.Project) {
	s.settle(ctx, proj, project.StatusFailed,
		fmt.Sprintf("iteration budget of %d exhausted", proj.Policy.MaxIterations))
	s.buildArtifact(ctx, proj)
}

// finalizeStopped settles a cancelled run. A partially-completed round
// is preserved as an iteration with success=false and whatever
// sub-results were captured before the stop.
func (s *service) finalizeStopped(ctx context.Context, proj *project.Project, l *lease.Lease, partial *project.Iteration) {
	if partial != nil {
		if err := s.store.SaveIteration(ctx, partial); err != nil {
			s.logger.Warn(ctx, "failed to persist partial iteration",
				zap.Int("iteration", partial.Index), zap.Error(err))
		} else {
			proj.CurrentIteration = partial.Index
			if len(partial.TestResults) > 0 {
				proj.LastFailures = project.FlattenFailures(partial.TestResults)
			}
		}
	}
	now := time.Now().UTC()
	proj.StoppedByUser = l.StoppedByUser()
	proj.StoppedAt = &now
	s.settle(ctx, proj, project.StatusStopped, "generation stopped")
	s.buildArtifact(ctx, proj)
}

func (s *service) finalizeError(ctx context.Context, proj *project.Project, cause error) {
	s.logger.Error(ctx, "run ended on collaborator fault", zap.Error(cause))
	s.settle(ctx, proj, project.StatusError, cause.Error())
	s.buildArtifact(ctx, proj)
}

// finalizeAbandoned handles a grace period running out on an in-flight
// call: the call is written off and the run ends in the error state.
// The current phase decides whether the fault is pinned on the
// provider or the runner.
func (s *service) finalizeAbandoned(ctx context.Context, proj *project.Project) {
	var cause error
	if proj.Status == project.StatusRunningTests {
		cause = fmt.Errorf("%w: test run abandoned after %s stop grace period",
			project.ErrRunner, s.config.StopGracePeriod)
	} else {
		cause = fmt.Errorf("%w: generation abandoned after %s stop grace period",
			project.ErrProvider, s.config.StopGracePeriod)
	}
	s.finalizeError(ctx, proj, cause)
}

// settle moves the project to its terminal state and persists it. A
// dropped phase update can leave an edge the transition table refuses;
// terminal correctness wins over edge bookkeeping, so the status is
// forced when that happens.
func (s *service) settle(ctx context.Context, proj *project.Project, terminal project.Status, message string) {
	if err := proj.Transition(terminal); err != nil {
		s.logger.Warn(ctx, "forcing terminal transition",
			zap.String("from", string(proj.Status)),
			zap.String("to", string(terminal)),
			zap.Error(err),
		)
		proj.Status = terminal
		proj.UpdatedAt = time.Now().UTC()
	}
	if err := s.store.SaveProject(ctx, proj); err != nil {
		s.logger.Error(ctx, "failed to persist terminal state", zap.Error(err))
	}
	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(terminal)),
		))
	}
	s.publish(ctx, proj, message)
	s.logger.Info(ctx, "run finished",
		zap.String("status", string(terminal)),
		zap.Int("current_iteration", proj.CurrentIteration),
		zap.Int("generation", proj.Generation),
	)
}

// buildArtifact assembles the terminal artifact eagerly so downloads
// are instant. Nothing committed yet is fine; anything else is logged.
func (s *service) buildArtifact(ctx context.Context, proj *project.Project) {
	if _, err := s.merger.Build(ctx, proj.ID); err != nil {
		if errors.Is(err, project.ErrNotReady) {
			s.logger.Debug(ctx, "no iterations to merge", zap.String("project_id", proj.ID))
			return
		}
		s.logger.Warn(ctx, "failed to build final artifact",
			zap.String("project_id", proj.ID), zap.Error(err))
	}
}
