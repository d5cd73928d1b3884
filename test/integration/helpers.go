package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/lease"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/merge"
	"github.com/fyrsmithlabs/forged/internal/orchestrator"
	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/fyrsmithlabs/forged/internal/provider"
	"github.com/fyrsmithlabs/forged/internal/runner"
	"github.com/fyrsmithlabs/forged/internal/store"
)

// scriptedProvider is a deterministic stand-in for an LLM provider.
// Code rounds emit an implementation stamped with the attempt number;
// test rounds emit a backend test plus a forge.toml whose suite command
// greps for the passing attempt. The loop therefore fails real suite
// runs until the configured attempt and fixes itself on the way, all
// through the production runner.
type scriptedProvider struct {
	passAttempt  int
	suiteCommand string

	mu       sync.Mutex
	requests []provider.Request
}

// newScriptedProvider creates a provider whose generated project passes
// its tests at the given 0-based attempt.
func newScriptedProvider(passAttempt int) *scriptedProvider {
	return &scriptedProvider{passAttempt: passAttempt}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, req provider.Request) (project.FileSet, error) {
	p.mu.Lock()
	snap := req
	snap.CodeContext = req.CodeContext.Clone()
	snap.PriorFailures = append([]project.FailureDetail(nil), req.PriorFailures...)
	p.requests = append(p.requests, snap)
	p.mu.Unlock()

	if req.Kind == provider.KindCode {
		return project.FileSet{
			"app.py": fmt.Sprintf("ATTEMPT = %d\n", req.Iteration),
		}, nil
	}

	command := p.suiteCommand
	if command == "" {
		command = fmt.Sprintf(
			`grep -q "ATTEMPT = %d" app.py || { echo "FAILED tests/backend/test_app.py::test_attempt - AssertionError: expected ATTEMPT == %d"; exit 1; }`,
			p.passAttempt, p.passAttempt,
		)
	}
	return project.FileSet{
		"tests/backend/test_app.py": fmt.Sprintf(
			"import app\n\n\ndef test_attempt():\n    assert app.ATTEMPT == %d\n", p.passAttempt),
		"forge.toml": fmt.Sprintf(
			"[suites.backend]\ncommand = '%s'\ntimeout = \"60s\"\n", command),
	}, nil
}

func (p *scriptedProvider) snapshotRequests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

// testDaemon is a fully wired forged stack behind a test HTTP listener.
type testDaemon struct {
	url     string
	client  *http.Client
	store   *store.Store
	service orchestrator.Service
}

// startTestDaemon wires the production components — in-memory store,
// lease manager, merge service, provider registry, local runner,
// orchestrator, HTTP server — exactly the way cmd/forged does, minus
// telemetry and NATS.
func startTestDaemon(t *testing.T, prov provider.Provider) *testDaemon {
	t.Helper()
	logger := logging.NewNop()

	st, err := store.Open(store.InMemoryConfig(), zap.NewNop())
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	leases := lease.NewManager()
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(prov))

	merger, err := merge.NewService(st, leases, logger)
	require.NoError(t, err)

	run := runner.NewLocal(runner.Config{
		RunTimeout:   2 * time.Minute,
		SuiteTimeout: time.Minute,
	}, logger)

	cfg := orchestrator.DefaultConfig()
	cfg.DefaultPolicy.Provider = prov.Name()
	cfg.StopGracePeriod = 5 * time.Second
	svc, err := orchestrator.NewService(cfg, orchestrator.Deps{
		Store:     st,
		Leases:    leases,
		Providers: registry,
		Runner:    run,
		Merger:    merger,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Close())
	})

	srv, err := httpapi.NewServer(svc, merger, logger, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)

	return &testDaemon{
		url:     ts.URL,
		client:  ts.Client(),
		store:   st,
		service: svc,
	}
}

// do performs a request against the daemon and returns the status code
// and raw body.
func (d *testDaemon) do(t *testing.T, method, path, contentType string, body []byte) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, d.url+path, reader)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := d.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// doJSON performs a request and decodes a JSON response into out.
func (d *testDaemon) doJSON(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
		contentType = "application/json"
	}

	code, data := d.do(t, method, path, contentType, payload)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), "decode %s %s response: %s", method, path, data)
	}
	return code
}

// submitYAML submits a raw specification body and returns the new
// project id.
func (d *testDaemon) submitYAML(t *testing.T, specYAML string) string {
	t.Helper()

	code, data := d.do(t, http.MethodPost, "/api/v1/projects", "application/x-yaml", []byte(specYAML))
	require.Equal(t, http.StatusCreated, code, "submit: %s", data)

	var resp httpapi.SubmitResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.NotEmpty(t, resp.ProjectID)
	return resp.ProjectID
}

// startGeneration launches a run, optionally overriding the policy.
func (d *testDaemon) startGeneration(t *testing.T, projectID string, policy *project.Policy) {
	t.Helper()

	var body interface{}
	if policy != nil {
		body = httpapi.GenerateRequest{Policy: policy}
	}
	var resp httpapi.AcceptedResponse
	code := d.doJSON(t, http.MethodPost, "/api/v1/projects/"+projectID+"/generate", body, &resp)
	require.Equal(t, http.StatusAccepted, code)
	require.True(t, resp.Accepted)
}

// getStatus fetches the project's status report.
func (d *testDaemon) getStatus(t *testing.T, projectID string) *orchestrator.StatusReport {
	t.Helper()

	var report orchestrator.StatusReport
	code := d.doJSON(t, http.MethodGet, "/api/v1/projects/"+projectID+"/status", nil, &report)
	require.Equal(t, http.StatusOK, code)
	return &report
}

// waitForStatus polls until the predicate holds, failing the test after
// the deadline.
func (d *testDaemon) waitForStatus(t *testing.T, projectID string, pred func(*orchestrator.StatusReport) bool) *orchestrator.StatusReport {
	t.Helper()

	var report *orchestrator.StatusReport
	require.Eventually(t, func() bool {
		report = d.getStatus(t, projectID)
		return pred(report)
	}, time.Minute, 20*time.Millisecond, "project never reached the expected status")
	return report
}

// waitTerminal polls until the run settles.
func (d *testDaemon) waitTerminal(t *testing.T, projectID string) *orchestrator.StatusReport {
	t.Helper()
	return d.waitForStatus(t, projectID, func(r *orchestrator.StatusReport) bool {
		return r.Status.Terminal()
	})
}

// getArtifact fetches the final artifact; ok is false on a 409.
func (d *testDaemon) getArtifact(t *testing.T, projectID string) (*project.FinalArtifact, bool) {
	t.Helper()

	code, data := d.do(t, http.MethodGet, "/api/v1/projects/"+projectID+"/artifact", "", nil)
	if code == http.StatusConflict {
		return nil, false
	}
	require.Equal(t, http.StatusOK, code, "artifact: %s", data)

	var artifact project.FinalArtifact
	require.NoError(t, json.Unmarshal(data, &artifact))
	return &artifact, true
}
