// Package runner executes generated test suites against generated code
// in throwaway local workspaces.
//
// The runner materializes a file set into a temp directory, resolves
// which suites exist (backend, frontend, e2e), runs them in parallel
// through `sh -c`, and parses each suite's output into structured
// failures. Test failures are data, not errors: the error return is
// reserved for infrastructure faults (workspace setup, unstartable
// commands, the whole-run watchdog), which abort the round instead of
// feeding back into generation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/project"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRunTimeout   = 10 * time.Minute
	defaultSuiteTimeout = 5 * time.Minute
	defaultMaxLogBytes  = 64 * 1024
)

// Runner executes the test suites of a materialized project. The input
// file set is never mutated. Run must return within the configured
// watchdog or fail with project.ErrRunnerTimeout.
type Runner interface {
	Run(ctx context.Context, projectID string, files project.FileSet) (map[string]project.TestOutcome, error)
}

// Config configures the local runner.
type Config struct {
	// WorkDir is where per-run workspaces are created. Empty means the
	// system temp directory.
	WorkDir string `koanf:"work_dir"`

	// RunTimeout is the whole-run watchdog. Exceeding it is an
	// infrastructure fault, not a test failure.
	RunTimeout time.Duration `koanf:"run_timeout"`

	// SuiteTimeout bounds each suite unless forge.toml overrides it.
	// A suite that exceeds it fails with a timeout-category failure
	// and feeds back into the next round.
	SuiteTimeout time.Duration `koanf:"suite_timeout"`

	// MaxLogBytes caps captured output per suite, keeping the tail:
	// pytest and jest both print their summaries last.
	MaxLogBytes int `koanf:"max_log_bytes"`

	// KeepWorkspaces leaves materialized workspaces on disk for
	// debugging.
	KeepWorkspaces bool `koanf:"keep_workspaces"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RunTimeout:   defaultRunTimeout,
		SuiteTimeout: defaultSuiteTimeout,
		MaxLogBytes:  defaultMaxLogBytes,
	}
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.SuiteTimeout <= 0 {
		c.SuiteTimeout = defaultSuiteTimeout
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = defaultMaxLogBytes
	}
}

// Local runs suites as subprocesses on the daemon host.
type Local struct {
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
}

// NewLocal creates a local runner.
func NewLocal(cfg Config, logger *logging.Logger) *Local {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Local{
		cfg:    cfg,
		logger: logger.Named("runner"),
		tracer: otel.Tracer("forged/runner"),
	}
}

// Run materializes files into a workspace and executes every present
// suite in parallel. Absent suites are skipped; a project with no
// tests at all yields an empty result map, which aggregates as passing.
func (l *Local) Run(ctx context.Context, projectID string, files project.FileSet) (map[string]project.TestOutcome, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RunTimeout)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, "runner.Run", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.Int("files.count", len(files)),
	))
	defer span.End()

	workspace, err := os.MkdirTemp(l.cfg.WorkDir, "forged-"+projectID+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", project.ErrRunner, err)
	}
	if !l.cfg.KeepWorkspaces {
		defer os.RemoveAll(workspace)
	}

	if err := materialize(workspace, files); err != nil {
		return nil, fmt.Errorf("%w: materialize workspace: %v", project.ErrRunner, err)
	}

	manifest, err := loadManifest(files)
	if err != nil {
		// A broken manifest is generated content; fall back to the
		// defaults rather than failing the round on infrastructure.
		l.logger.Warn(ctx, "ignoring malformed manifest", zap.Error(err))
		manifest = Manifest{}
	}

	specs := resolveSuites(files, manifest, l.cfg.SuiteTimeout)
	if len(specs) == 0 {
		l.logger.Warn(ctx, "no test suites detected",
			zap.String("project_id", projectID),
			zap.Int("files", len(files)),
		)
		return map[string]project.TestOutcome{}, nil
	}

	results := make([]project.TestOutcome, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			outcome, err := l.runSuite(gctx, workspace, spec)
			results[i] = outcome
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		switch {
		case parent.Err() != nil:
			// Stop or caller shutdown; not a runner fault.
			return nil, parent.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: run exceeded %s", project.ErrRunnerTimeout, l.cfg.RunTimeout)
		default:
			return nil, err
		}
	}

	outcomes := make(map[string]project.TestOutcome, len(results))
	for _, outcome := range results {
		outcomes[outcome.Suite] = outcome
		l.logger.Info(ctx, "suite finished",
			zap.String("project_id", projectID),
			zap.String("suite", outcome.Suite),
			zap.Bool("success", outcome.Success),
			zap.Int("failures", len(outcome.Failures)),
			zap.Int("exit_code", outcome.ExitCode),
		)
	}
	return outcomes, nil
}

// runSuite executes one suite command in the workspace. Suite-level
// timeouts become timeout-category failures; only unstartable commands
// surface as errors.
func (l *Local) runSuite(ctx context.Context, workspace string, spec suiteSpec) (project.TestOutcome, error) {
	suiteCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(suiteCtx, "sh", "-c", spec.Command)
	cmd.Dir = workspace

	// One writer for both streams keeps output interleaved the way a
	// terminal would show it; os/exec serializes writes when the two
	// streams share a comparable writer.
	out := &tailWriter{limit: l.cfg.MaxLogBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	l.logger.Debug(ctx, "running suite",
		zap.String("suite", spec.Name),
		zap.String("command", spec.Command),
		zap.Duration("timeout", spec.Timeout),
	)

	runErr := cmd.Run()

	outcome := project.TestOutcome{
		Suite: spec.Name,
		Log:   out.String(),
	}

	// The run-level deadline or a stop beats suite-local handling.
	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}

	if suiteCtx.Err() == context.DeadlineExceeded {
		outcome.ExitCode = -1
		outcome.Failures = []project.FailureDetail{{
			Locator:  spec.Name,
			Message:  fmt.Sprintf("suite timed out after %s", spec.Timeout),
			Category: project.FailureTimeout,
		}}
		return outcome, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return outcome, fmt.Errorf("%w: start %s suite: %v", project.ErrRunner, spec.Name, runErr)
		}
		outcome.ExitCode = exitErr.ExitCode()
	}

	outcome.Success = outcome.ExitCode == 0
	if !outcome.Success {
		outcome.Failures = parseFailures(spec.Name, outcome.Log, outcome.ExitCode)
	}
	return outcome, nil
}

// materialize writes the file set under dir. Paths were validated at
// parse time; FromSlash maps them onto the host separator.
func materialize(dir string, files project.FileSet) error {
	for _, p := range files.Paths() {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(files[p]), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// tailWriter keeps the last limit bytes written. Test frameworks print
// their failure summaries at the end of the output, so the tail is the
// part worth feeding back.
type tailWriter struct {
	buf       []byte
	limit     int
	truncated bool
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
		w.truncated = true
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	if w.truncated {
		return "[truncated]\n" + string(w.buf)
	}
	return string(w.buf)
}
