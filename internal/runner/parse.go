package runner

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forged/internal/project"
)

// parseFailures extracts individual failures from a suite's captured
// output. It understands the pytest short summary and jest's FAIL
// lines; anything else degrades to a single suite-level failure built
// from the log tail, so the provider always gets something actionable.
func parseFailures(suite, log string, exitCode int) []project.FailureDetail {
	var failures []project.FailureDetail

	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FAILED "):
			// pytest: FAILED tests/test_x.py::test_y - AssertionError: ...
			locator, message := splitLocator(strings.TrimPrefix(line, "FAILED "))
			failures = append(failures, project.FailureDetail{
				Locator:  locator,
				Message:  message,
				Category: categorize(message),
			})
		case strings.HasPrefix(line, "ERROR "):
			// pytest: ERROR tests/test_x.py - ModuleNotFoundError: ...
			locator, message := splitLocator(strings.TrimPrefix(line, "ERROR "))
			failures = append(failures, project.FailureDetail{
				Locator:  locator,
				Message:  message,
				Category: project.FailureRuntime,
			})
		case strings.HasPrefix(line, "FAIL "):
			// jest: FAIL tests/frontend/app.test.tsx
			failures = append(failures, project.FailureDetail{
				Locator:  strings.TrimPrefix(line, "FAIL "),
				Message:  "test file failed",
				Category: project.FailureAssertion,
			})
		case strings.HasPrefix(line, "✕ "):
			// jest per-test line: ✕ renders the list (23 ms)
			failures = append(failures, project.FailureDetail{
				Locator:  suite + "::" + strings.TrimPrefix(line, "✕ "),
				Message:  "test failed",
				Category: project.FailureAssertion,
			})
		}
	}

	if len(failures) == 0 && exitCode != 0 {
		failures = append(failures, project.FailureDetail{
			Locator:  suite,
			Message:  lastNonEmptyLine(log, fmt.Sprintf("exit status %d", exitCode)),
			Category: project.FailureRuntime,
		})
	}
	return failures
}

// splitLocator separates a pytest summary line into locator and
// message on the first " - ".
func splitLocator(line string) (locator, message string) {
	if idx := strings.Index(line, " - "); idx >= 0 {
		return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+3:])
	}
	return strings.TrimSpace(line), "test failed"
}

func categorize(message string) project.FailureCategory {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "assert"):
		return project.FailureAssertion
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return project.FailureTimeout
	default:
		return project.FailureRuntime
	}
}

func lastNonEmptyLine(log, fallback string) string {
	lines := strings.Split(log, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fallback
}
