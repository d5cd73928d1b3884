package project

import (
	"sort"
	"time"
)

// Suite names in the fixed feedback order. Failures from multiple
// suites are concatenated in this order so the provider sees
// deterministic, reproducible context across retries.
const (
	SuiteBackend  = "backend"
	SuiteFrontend = "frontend"
	SuiteE2E      = "e2e"
)

// SuiteOrder returns the canonical suite ordering used for failure
// concatenation and reporting.
func SuiteOrder() []string {
	return []string{SuiteBackend, SuiteFrontend, SuiteE2E}
}

// FailureCategory classifies a single test failure.
type FailureCategory string

const (
	// FailureAssertion is a test assertion that did not hold.
	FailureAssertion FailureCategory = "assertion"

	// FailureRuntime is a crash or unhandled error while running.
	FailureRuntime FailureCategory = "runtime"

	// FailureTimeout is a test or suite that exceeded its deadline.
	FailureTimeout FailureCategory = "timeout"

	// FailureInfrastructure is a sandbox malfunction, not a defect in
	// the generated code. It short-circuits the round as an error
	// instead of being fed back as fixable feedback.
	FailureInfrastructure FailureCategory = "infrastructure"
)

// FailureDetail is one test failure in a fixed, provider-consumable shape.
type FailureDetail struct {
	// Locator identifies the failing test or file.
	Locator string `json:"locator"`

	// Message is the failure message or captured error.
	Message string `json:"message"`

	// Category classifies the failure.
	Category FailureCategory `json:"category"`
}

// TestOutcome records one suite's execution result.
type TestOutcome struct {
	// Suite is the suite name (backend, frontend, e2e).
	Suite string `json:"suite"`

	// Success is true when every test in the suite passed.
	Success bool `json:"success"`

	// ExitCode is the suite command's exit code.
	ExitCode int `json:"exit_code"`

	// Log holds captured output, truncated by the runner.
	Log string `json:"log,omitempty"`

	// Failures lists individual failures in suite-reported order.
	Failures []FailureDetail `json:"failures,omitempty"`
}

// Iteration records one full generate→test round. Immutable once
// committed; indices are 0-based and contiguous per project.
type Iteration struct {
	ProjectID   string                 `json:"project_id"`
	Index       int                    `json:"index"`
	CodeFiles   FileSet                `json:"code_files"`
	TestFiles   FileSet                `json:"test_files"`
	TestResults map[string]TestOutcome `json:"test_results"`
	Success     bool                   `json:"success"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// Files returns the union of code and test files, tests winning on the
// (unexpected) case of a path collision.
func (it *Iteration) Files() FileSet {
	return it.CodeFiles.Overlay(it.TestFiles)
}

// FlattenFailures concatenates per-suite failures in the canonical
// suite order. Unknown suite names follow in lexical order so the
// result stays deterministic.
func FlattenFailures(results map[string]TestOutcome) []FailureDetail {
	var out []FailureDetail
	seen := make(map[string]bool, len(results))
	for _, suite := range SuiteOrder() {
		if outcome, ok := results[suite]; ok {
			out = append(out, outcome.Failures...)
			seen[suite] = true
		}
	}
	var rest []string
	for suite := range results {
		if !seen[suite] {
			rest = append(rest, suite)
		}
	}
	sort.Strings(rest)
	for _, suite := range rest {
		out = append(out, results[suite].Failures...)
	}
	return out
}

// HasInfrastructureFailure reports whether any suite recorded an
// infrastructure-category failure.
func HasInfrastructureFailure(results map[string]TestOutcome) bool {
	for _, outcome := range results {
		for _, f := range outcome.Failures {
			if f.Category == FailureInfrastructure {
				return true
			}
		}
	}
	return false
}
