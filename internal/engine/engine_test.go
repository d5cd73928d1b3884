package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu        sync.Mutex
	requests  []provider.Request
	codeFiles project.FileSet
	testFiles project.FileSet
	codeErr   error
	testErr   error
	afterCode func()
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req provider.Request) (project.FileSet, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	switch req.Kind {
	case provider.KindCode:
		if f.codeErr != nil {
			return nil, f.codeErr
		}
		if f.afterCode != nil {
			f.afterCode()
		}
		return f.codeFiles, nil
	default:
		if f.testErr != nil {
			return nil, f.testErr
		}
		return f.testFiles, nil
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	inputs  []project.FileSet
	results map[string]project.TestOutcome
	err     error
}

func (f *fakeRunner) Run(_ context.Context, _ string, files project.FileSet) (map[string]project.TestOutcome, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, files.Clone())
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

var (
	testCode  = project.FileSet{"src/app.py": "def main(): pass\n"}
	testTests = project.FileSet{"tests/backend/test_app.py": "def test_main(): pass\n"}
)

func testSpec() project.Specification {
	return project.Specification{
		Name:        "todo-api",
		Description: "A todo list API",
		Raw:         "name: todo-api\ndescription: A todo list API\n",
	}
}

func passResults() map[string]project.TestOutcome {
	return map[string]project.TestOutcome{
		"backend": {Suite: "backend", Success: true},
	}
}

func TestRunRound(t *testing.T) {
	t.Run("successful round", func(t *testing.T) {
		prov := &fakeProvider{codeFiles: testCode, testFiles: testTests}
		run := &fakeRunner{results: passResults()}
		eng := New(run, logging.NewNop())

		var phases []Phase
		eng.OnProgress(func(p Progress) { phases = append(phases, p.Phase) })

		it, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID: "p1",
			Iteration: 0,
			Spec:      testSpec(),
			Provider:  prov,
		})
		require.NoError(t, err)
		require.NotNil(t, it)
		assert.True(t, it.Success)
		assert.Equal(t, 0, it.Index)
		assert.Equal(t, testCode, it.CodeFiles)
		assert.Equal(t, testTests, it.TestFiles)
		assert.False(t, it.FinishedAt.Before(it.StartedAt))

		assert.Equal(t, []Phase{PhaseGeneratingCode, PhaseGeneratingTests, PhaseRunningTests}, phases)

		require.Len(t, run.inputs, 1)
		assert.Equal(t, testCode.Overlay(testTests), run.inputs[0],
			"runner must see code and tests together")
	})

	t.Run("test generation never sees failure history", func(t *testing.T) {
		prov := &fakeProvider{codeFiles: testCode, testFiles: testTests}
		eng := New(&fakeRunner{results: passResults()}, logging.NewNop())

		failures := []project.FailureDetail{
			{Locator: "tests/backend/test_app.py::test_x", Message: "assert 1 == 2", Category: project.FailureAssertion},
		}
		_, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID:     "p1",
			Iteration:     1,
			Spec:          testSpec(),
			Provider:      prov,
			BaseFiles:     testCode,
			PriorFailures: failures,
		})
		require.NoError(t, err)

		require.Len(t, prov.requests, 2)
		codeReq, testReq := prov.requests[0], prov.requests[1]

		assert.Equal(t, provider.KindCode, codeReq.Kind)
		assert.Equal(t, failures, codeReq.PriorFailures)
		assert.Equal(t, testCode, codeReq.CodeContext)

		assert.Equal(t, provider.KindTests, testReq.Kind)
		assert.Empty(t, testReq.PriorFailures)
		assert.Equal(t, testCode, testReq.CodeContext,
			"tests are generated against the fresh code")
	})

	t.Run("failing suites make an unsuccessful round", func(t *testing.T) {
		run := &fakeRunner{results: map[string]project.TestOutcome{
			"backend": {Suite: "backend", Success: true},
			"frontend": {Suite: "frontend", Success: false, Failures: []project.FailureDetail{
				{Locator: "app.test.tsx", Message: "boom", Category: project.FailureAssertion},
			}},
		}}
		eng := New(run, logging.NewNop())

		it, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID: "p1",
			Spec:      testSpec(),
			Provider:  &fakeProvider{codeFiles: testCode, testFiles: testTests},
		})
		require.NoError(t, err, "test failures are a round result, not an error")
		assert.False(t, it.Success)
		assert.Len(t, it.TestResults, 2)
	})

	t.Run("code generation failure commits nothing", func(t *testing.T) {
		prov := &fakeProvider{codeErr: providerErr("model unavailable")}
		eng := New(&fakeRunner{}, logging.NewNop())

		it, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID: "p1",
			Spec:      testSpec(),
			Provider:  prov,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, project.ErrProvider))
		assert.Nil(t, it, "no code means nothing worth persisting")
	})

	t.Run("test generation failure returns the partial round", func(t *testing.T) {
		prov := &fakeProvider{codeFiles: testCode, testErr: providerErr("model unavailable")}
		eng := New(&fakeRunner{}, logging.NewNop())

		it, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID: "p1",
			Spec:      testSpec(),
			Provider:  prov,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, project.ErrProvider))
		require.NotNil(t, it)
		assert.Equal(t, testCode, it.CodeFiles)
		assert.Empty(t, it.TestFiles)
		assert.False(t, it.Success)
	})

	t.Run("runner infrastructure fault surfaces with the partial round", func(t *testing.T) {
		run := &fakeRunner{err: runnerErr("workspace creation failed")}
		eng := New(run, logging.NewNop())

		it, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID: "p1",
			Spec:      testSpec(),
			Provider:  &fakeProvider{codeFiles: testCode, testFiles: testTests},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, project.ErrRunner))
		require.NotNil(t, it)
		assert.False(t, it.Success)
	})

	t.Run("infrastructure-category failures are errors not feedback", func(t *testing.T) {
		run := &fakeRunner{results: map[string]project.TestOutcome{
			"backend": {Suite: "backend", Success: false, Failures: []project.FailureDetail{
				{Locator: "backend", Message: "docker daemon unreachable", Category: project.FailureInfrastructure},
			}},
		}}
		eng := New(run, logging.NewNop())

		it, err := eng.RunRound(context.Background(), RoundInput{
			ProjectID: "p1",
			Spec:      testSpec(),
			Provider:  &fakeProvider{codeFiles: testCode, testFiles: testTests},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, project.ErrRunner))
		require.NotNil(t, it)
		assert.False(t, it.Success)
	})

	t.Run("pre-cancelled context stops before any phase", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		prov := &fakeProvider{codeFiles: testCode, testFiles: testTests}
		eng := New(&fakeRunner{results: passResults()}, logging.NewNop())

		it, err := eng.RunRound(ctx, RoundInput{ProjectID: "p1", Spec: testSpec(), Provider: prov})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Nil(t, it)
		assert.Empty(t, prov.requests, "no provider call after cancellation")
	})

	t.Run("cancellation between phases keeps generated code", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		prov := &fakeProvider{codeFiles: testCode, testFiles: testTests, afterCode: cancel}
		eng := New(&fakeRunner{results: passResults()}, logging.NewNop())

		it, err := eng.RunRound(ctx, RoundInput{ProjectID: "p1", Spec: testSpec(), Provider: prov})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		require.NotNil(t, it, "work done before the checkpoint survives")
		assert.Equal(t, testCode, it.CodeFiles)
		assert.Empty(t, it.TestFiles)
		require.Len(t, prov.requests, 1, "the checkpoint fires before the test phase")
	})
}

func TestAggregateSuccess(t *testing.T) {
	assert.True(t, aggregateSuccess(nil), "no suites counts as passing")
	assert.True(t, aggregateSuccess(map[string]project.TestOutcome{
		"backend": {Success: true},
		"e2e":     {Success: true},
	}))
	assert.False(t, aggregateSuccess(map[string]project.TestOutcome{
		"backend": {Success: true},
		"e2e":     {Success: false},
	}))
}

func providerErr(msg string) error {
	return fmt.Errorf("%w: %s", project.ErrProvider, msg)
}

func runnerErr(msg string) error {
	return fmt.Errorf("%w: %s", project.ErrRunner, msg)
}
