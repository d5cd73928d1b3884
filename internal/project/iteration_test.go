package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenFailures_FixedSuiteOrder(t *testing.T) {
	results := map[string]TestOutcome{
		SuiteFrontend: {
			Suite:   SuiteFrontend,
			Success: false,
			Failures: []FailureDetail{
				{Locator: "src/App.test.tsx", Message: "render failed", Category: FailureRuntime},
			},
		},
		SuiteBackend: {
			Suite:   SuiteBackend,
			Success: false,
			Failures: []FailureDetail{
				{Locator: "tests/test_api.py::test_create", Message: "assert 404 == 201", Category: FailureAssertion},
				{Locator: "tests/test_api.py::test_list", Message: "assert [] == [1]", Category: FailureAssertion},
			},
		},
		SuiteE2E: {
			Suite:   SuiteE2E,
			Success: false,
			Failures: []FailureDetail{
				{Locator: "e2e/login.spec.ts", Message: "timeout waiting for selector", Category: FailureTimeout},
			},
		},
	}

	flat := FlattenFailures(results)
	require.Len(t, flat, 4)

	// Backend first, then frontend, then e2e — regardless of map order.
	assert.Equal(t, "tests/test_api.py::test_create", flat[0].Locator)
	assert.Equal(t, "tests/test_api.py::test_list", flat[1].Locator)
	assert.Equal(t, "src/App.test.tsx", flat[2].Locator)
	assert.Equal(t, "e2e/login.spec.ts", flat[3].Locator)
}

func TestFlattenFailures_UnknownSuitesAfterKnown(t *testing.T) {
	results := map[string]TestOutcome{
		"zeta":        {Suite: "zeta", Failures: []FailureDetail{{Locator: "z", Category: FailureRuntime}}},
		"alpha":       {Suite: "alpha", Failures: []FailureDetail{{Locator: "a", Category: FailureRuntime}}},
		SuiteFrontend: {Suite: SuiteFrontend, Failures: []FailureDetail{{Locator: "f", Category: FailureAssertion}}},
	}

	flat := FlattenFailures(results)
	require.Len(t, flat, 3)
	assert.Equal(t, "f", flat[0].Locator, "known suites first")
	assert.Equal(t, "a", flat[1].Locator, "unknown suites in lexical order")
	assert.Equal(t, "z", flat[2].Locator)
}

func TestFlattenFailures_Empty(t *testing.T) {
	assert.Empty(t, FlattenFailures(nil))
	assert.Empty(t, FlattenFailures(map[string]TestOutcome{
		SuiteBackend: {Suite: SuiteBackend, Success: true},
	}))
}

func TestHasInfrastructureFailure(t *testing.T) {
	clean := map[string]TestOutcome{
		SuiteBackend: {Failures: []FailureDetail{{Category: FailureAssertion}}},
	}
	assert.False(t, HasInfrastructureFailure(clean))

	broken := map[string]TestOutcome{
		SuiteBackend:  {Failures: []FailureDetail{{Category: FailureAssertion}}},
		SuiteFrontend: {Failures: []FailureDetail{{Category: FailureInfrastructure, Message: "npm install failed"}}},
	}
	assert.True(t, HasInfrastructureFailure(broken))
}

func TestIteration_Files(t *testing.T) {
	it := &Iteration{
		CodeFiles: FileSet{"app.py": "code", "shared.py": "from code"},
		TestFiles: FileSet{"test_app.py": "test", "shared.py": "from tests"},
	}

	all := it.Files()
	assert.Len(t, all, 3)
	assert.Equal(t, "from tests", all["shared.py"], "test files win on collision")
}

func TestSuiteOrder(t *testing.T) {
	assert.Equal(t, []string{SuiteBackend, SuiteFrontend, SuiteE2E}, SuiteOrder())
}
