package runner

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/forged/internal/project"
)

// manifestPath is where a generated project may declare how its suites
// run. The file is optional; projects without one fall back to the
// per-suite defaults below.
const manifestPath = "forge.toml"

// Manifest is the optional project-level test manifest:
//
//	[suites.backend]
//	command = "python -m pytest -q"
//	timeout = "120s"
type Manifest struct {
	Suites map[string]SuiteManifest `toml:"suites"`
}

// SuiteManifest overrides one suite's execution.
type SuiteManifest struct {
	// Command is run through `sh -c` in the workspace root.
	Command string `toml:"command"`

	// Timeout is a Go duration string, e.g. "90s".
	Timeout string `toml:"timeout"`
}

// loadManifest parses forge.toml out of the generated file set. A
// missing manifest is fine; a malformed one is reported so the caller
// can fall back to defaults.
func loadManifest(files project.FileSet) (Manifest, error) {
	var m Manifest
	content, ok := files[manifestPath]
	if !ok {
		return m, nil
	}
	if err := toml.Unmarshal([]byte(content), &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", manifestPath, err)
	}
	return m, nil
}

// suiteSpec is the resolved execution plan for one suite.
type suiteSpec struct {
	Name    string
	Command string
	Timeout time.Duration
}

// Default commands per suite. Generated projects are conventionally
// Python backends with a Node frontend; the manifest overrides these
// for anything else.
func defaultCommand(suite string) string {
	switch suite {
	case project.SuiteBackend:
		return "python -m pytest -q --color=no"
	case project.SuiteFrontend:
		return "npm test --silent -- --watchAll=false"
	case project.SuiteE2E:
		return "npx playwright test --reporter=line"
	default:
		return ""
	}
}

// resolveSuites decides which suites run and how. A suite runs when the
// manifest declares it or the file set contains matching test files;
// absent suites are skipped and count as passing. The returned slice
// keeps the canonical backend, frontend, e2e order.
func resolveSuites(files project.FileSet, m Manifest, defaultTimeout time.Duration) []suiteSpec {
	var specs []suiteSpec
	for _, suite := range project.SuiteOrder() {
		decl, declared := m.Suites[suite]
		if !declared && !hasSuiteFiles(files, suite) {
			continue
		}

		spec := suiteSpec{
			Name:    suite,
			Command: defaultCommand(suite),
			Timeout: defaultTimeout,
		}
		if decl.Command != "" {
			spec.Command = decl.Command
		}
		if decl.Timeout != "" {
			if d, err := time.ParseDuration(decl.Timeout); err == nil && d > 0 {
				spec.Timeout = d
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// hasSuiteFiles reports whether the file set contains test files for
// the suite. The tests/<suite>/ layout is the primary signal; filename
// patterns cover projects that keep tests next to the code.
func hasSuiteFiles(files project.FileSet, suite string) bool {
	prefix := "tests/" + suite + "/"
	for p := range files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
		base := path.Base(p)
		switch suite {
		case project.SuiteBackend:
			if strings.HasSuffix(base, "_test.py") || (strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py")) {
				return true
			}
		case project.SuiteFrontend:
			for _, ext := range []string{".test.js", ".test.jsx", ".test.ts", ".test.tsx"} {
				if strings.HasSuffix(base, ext) {
					return true
				}
			}
		case project.SuiteE2E:
			if strings.Contains(p, "cypress") || strings.Contains(p, "playwright") {
				return true
			}
		}
	}
	return false
}
