package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/merge"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/store"
)

// fakeProvider returns deterministic files per round and records every
// request it sees.
type fakeProvider struct {
	name string

	mu       sync.Mutex
	requests []provider.Request
	err      error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, req provider.Request) (project.FileSet, error) {
	f.mu.Lock()
	snap := req
	snap.CodeContext = req.CodeContext.Clone()
	snap.PriorFailures = append([]project.FailureDetail(nil), req.PriorFailures...)
	f.requests = append(f.requests, snap)
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if req.Kind == provider.KindCode {
		return project.FileSet{"app.py": fmt.Sprintf("code round %d", req.Iteration)}, nil
	}
	return project.FileSet{"tests/backend/test_app.py": fmt.Sprintf("tests round %d", req.Iteration)}, nil
}

func (f *fakeProvider) snapshotRequests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// runnerStep scripts one Run call of the scripted runner.
type runnerStep struct {
	results map[string]project.TestOutcome
	err     error

	// block waits for ctx cancellation and returns ctx.Err(),
	// simulating a well-behaved run interrupted by a stop.
	block bool

	// hang waits for the channel regardless of ctx, simulating a
	// wedged sandbox that ignores cancellation.
	hang <-chan struct{}

	// started is closed when the step begins executing.
	started chan struct{}
}

// scriptedRunner plays back runnerSteps; calls beyond the script reuse
// the last step.
type scriptedRunner struct {
	mu     sync.Mutex
	calls  int
	script []runnerStep
}

func (r *scriptedRunner) Run(ctx context.Context, _ string, _ project.FileSet) (map[string]project.TestOutcome, error) {
	r.mu.Lock()
	idx := r.calls
	r.calls++
	var step runnerStep
	if idx < len(r.script) {
		step = r.script[idx]
	} else if len(r.script) > 0 {
		step = r.script[len(r.script)-1]
	}
	r.mu.Unlock()

	if step.started != nil {
		close(step.started)
	}
	if step.hang != nil {
		<-step.hang
		return nil, fmt.Errorf("%w: sandbox wedged", project.ErrRunner)
	}
	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.results, nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func passOutcome() map[string]project.TestOutcome {
	return map[string]project.TestOutcome{
		project.SuiteBackend: {Suite: project.SuiteBackend, Success: true},
	}
}

func failOutcome(message string) map[string]project.TestOutcome {
	return map[string]project.TestOutcome{
		project.SuiteBackend: {
			Suite:    project.SuiteBackend,
			Success:  false,
			ExitCode: 1,
			Failures: []project.FailureDetail{{
				Locator:  "tests/backend/test_app.py::test_requirements",
				Message:  message,
				Category: project.FailureAssertion,
			}},
		},
	}
}

type testEnv struct {
	svc    Service
	store  *store.Store
	leases *lease.Manager
}

func newTestEnv(t *testing.T, run *scriptedRunner, prov provider.Provider, mut func(*Config)) *testEnv {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	leases := lease.NewManager()
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(prov))
	merger, err := merge.NewService(st, leases, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.StopGracePeriod = 2 * time.Second
	if mut != nil {
		mut(&cfg)
	}

	svc, err := NewService(cfg, Deps{
		Store:     st,
		Leases:    leases,
		Providers: registry,
		Runner:    run,
		Merger:    merger,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Close())
	})

	return &testEnv{svc: svc, store: st, leases: leases}
}

func testSpec() project.Specification {
	return project.Specification{
		Name:        "todo-api",
		Description: "A REST API for managing todo items",
		Language:    "python",
		Framework:   "fastapi",
	}
}

// startProject submits a project and launches its generation run.
func startProject(t *testing.T, env *testEnv, maxIterations int, mode project.MergeMode, seeds project.FileSet) *project.Project {
	t.Helper()
	pol := project.Policy{MaxIterations: maxIterations, Provider: "fake", MergeMode: mode}
	proj, err := env.svc.Submit(context.Background(), testSpec(), &pol, seeds)
	require.NoError(t, err)

	started, err := env.svc.StartGeneration(context.Background(), StartRequest{ProjectID: proj.ID})
	require.NoError(t, err)
	require.Equal(t, project.StatusQueued, started.Status)
	return proj
}

// waitTerminal polls until the run settles and its lease is released,
// so follow-up operations never race the loop's teardown.
func waitTerminal(t *testing.T, env *testEnv, projectID string) *StatusReport {
	t.Helper()
	var report *StatusReport
	require.Eventually(t, func() bool {
		r, err := env.svc.GetStatus(context.Background(), projectID)
		if err != nil {
			return false
		}
		report = r
		return r.Status.Terminal() && !env.leases.Held(projectID)
	}, 5*time.Second, 5*time.Millisecond, "run never reached a terminal state")
	return report
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner step never started")
	}
}

func TestNewService_Validation(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	leases := lease.NewManager()
	registry := provider.NewRegistry()
	merger, err := merge.NewService(st, leases, nil)
	require.NoError(t, err)
	run := &scriptedRunner{}

	deps := Deps{Store: st, Leases: leases, Providers: registry, Runner: run, Merger: merger}

	for _, tt := range []struct {
		name string
		mut  func(*Deps)
	}{
		{"missing store", func(d *Deps) { d.Store = nil }},
		{"missing leases", func(d *Deps) { d.Leases = nil }},
		{"missing providers", func(d *Deps) { d.Providers = nil }},
		{"missing runner", func(d *Deps) { d.Runner = nil }},
		{"missing merger", func(d *Deps) { d.Merger = nil }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			broken := deps
			tt.mut(&broken)
			_, err := NewService(DefaultConfig(), broken, nil)
			assert.Error(t, err)
		})
	}

	svc, err := NewService(DefaultConfig(), deps, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Close())
}

func TestSubmit_AppliesPolicyDefaults(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{}, &fakeProvider{name: "fake"}, nil)

	proj, err := env.svc.Submit(context.Background(), testSpec(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, project.StatusCreated, proj.Status)
	assert.Equal(t, project.DefaultMaxIterations, proj.Policy.MaxIterations)
	assert.Equal(t, "openai", proj.Policy.Provider)
	assert.Equal(t, project.MergeRewrite, proj.Policy.MergeMode)

	stored, err := env.store.GetProject(context.Background(), proj.ID)
	require.NoError(t, err)
	assert.Equal(t, proj.ID, stored.ID)
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{}, &fakeProvider{name: "fake"}, nil)
	ctx := context.Background()

	_, err := env.svc.Submit(ctx, project.Specification{}, nil, nil)
	assert.ErrorIs(t, err, project.ErrValidation, "empty specification")

	_, err = env.svc.Submit(ctx, testSpec(), &project.Policy{MaxIterations: project.MaxIterationsCap + 1, Provider: "fake"}, nil)
	assert.ErrorIs(t, err, project.ErrValidation, "iteration budget over cap")

	_, err = env.svc.Submit(ctx, testSpec(), nil, project.FileSet{"../escape.py": "x"})
	assert.ErrorIs(t, err, project.ErrValidation, "seed path escaping the project root")
}

func TestStartGeneration_RejectsBeforeLease(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{}, &fakeProvider{name: "fake"}, nil)
	ctx := context.Background()

	_, err := env.svc.StartGeneration(ctx, StartRequest{ProjectID: "missing"})
	assert.ErrorIs(t, err, project.ErrNotFound)

	proj, err := env.svc.Submit(ctx, testSpec(), &project.Policy{MaxIterations: 1, Provider: "fake"}, nil)
	require.NoError(t, err)

	_, err = env.svc.StartGeneration(ctx, StartRequest{
		ProjectID: proj.ID,
		Policy:    &project.Policy{MaxIterations: 1, Provider: "no-such-provider"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, project.ErrValidation)
	assert.False(t, env.leases.Held(proj.ID), "rejected request must not leave a lease behind")

	report, err := env.svc.GetStatus(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCreated, report.Status, "rejected request must not advance the state machine")
}

func TestStartGeneration_LeaseConflict(t *testing.T) {
	started := make(chan struct{})
	run := &scriptedRunner{script: []runnerStep{{block: true, started: started}}}
	env := newTestEnv(t, run, &fakeProvider{name: "fake"}, nil)
	ctx := context.Background()

	proj := startProject(t, env, 3, "", nil)
	waitStarted(t, started)

	_, err := env.svc.StartGeneration(ctx, StartRequest{ProjectID: proj.ID})
	assert.ErrorIs(t, err, project.ErrLeaseConflict)

	require.NoError(t, env.svc.RequestStop(ctx, proj.ID))
	report := waitTerminal(t, env, proj.ID)
	assert.Equal(t, project.StatusStopped, report.Status)
}

func TestRequestStop_NotCancellable(t *testing.T) {
	run := &scriptedRunner{script: []runnerStep{{results: passOutcome()}}}
	env := newTestEnv(t, run, &fakeProvider{name: "fake"}, nil)
	ctx := context.Background()

	err := env.svc.RequestStop(ctx, "missing")
	assert.ErrorIs(t, err, project.ErrNotFound)

	proj, err := env.svc.Submit(ctx, testSpec(), &project.Policy{MaxIterations: 1, Provider: "fake"}, nil)
	require.NoError(t, err)
	err = env.svc.RequestStop(ctx, proj.ID)
	assert.ErrorIs(t, err, project.ErrNotCancellable, "no active run yet")

	_, err = env.svc.StartGeneration(ctx, StartRequest{ProjectID: proj.ID})
	require.NoError(t, err)
	report := waitTerminal(t, env, proj.ID)
	require.Equal(t, project.StatusCompleted, report.Status)

	err = env.svc.RequestStop(ctx, proj.ID)
	assert.ErrorIs(t, err, project.ErrNotCancellable, "terminal runs cannot be stopped")
}

func TestProviders(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{}, &fakeProvider{name: "fake"}, nil)
	assert.Equal(t, []string{"fake"}, env.svc.Providers())
}

func TestClose_StopsActiveRuns(t *testing.T) {
	started := make(chan struct{})
	run := &scriptedRunner{script: []runnerStep{{block: true, started: started}}}
	env := newTestEnv(t, run, &fakeProvider{name: "fake"}, nil)
	ctx := context.Background()

	proj := startProject(t, env, 3, "", nil)
	waitStarted(t, started)

	require.NoError(t, env.svc.Close())

	report, err := env.svc.GetStatus(ctx, proj.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusStopped, report.Status)
	assert.False(t, report.StoppedByUser, "shutdown stop is not a user stop")

	_, err = env.svc.Submit(ctx, testSpec(), nil, nil)
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, env.svc.Close(), "close is idempotent")
}
