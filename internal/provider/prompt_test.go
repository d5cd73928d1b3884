package provider

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/forged/internal/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFiles(t *testing.T) {
	t.Run("extracts multiple files", func(t *testing.T) {
		response := "Here is the project.\n\n" +
			"### FILE: src/app.py\n" +
			"```python\n" +
			"def main():\n" +
			"    return 42\n" +
			"```\n\n" +
			"Some commentary the model added.\n\n" +
			"### FILE: src/util.py\n" +
			"```\n" +
			"VERSION = \"1.0\"\n" +
			"```\n"

		files, err := ParseFiles(response)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "def main():\n    return 42\n", files["src/app.py"])
		assert.Equal(t, "VERSION = \"1.0\"\n", files["src/util.py"])
	})

	t.Run("handles CRLF responses", func(t *testing.T) {
		response := "### FILE: a.txt\r\n```\r\nhello\r\n```\r\n"
		files, err := ParseFiles(response)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", files["a.txt"])
	})

	t.Run("allows blank line between header and fence", func(t *testing.T) {
		response := "### FILE: a.txt\n\n```\nhi\n```\n"
		files, err := ParseFiles(response)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", files["a.txt"])
	})

	t.Run("rejects response with no files", func(t *testing.T) {
		_, err := ParseFiles("I could not generate the project, sorry.")
		require.Error(t, err)
		assert.True(t, IsTransient(err), "malformed responses should be retryable")
	})

	t.Run("rejects unterminated fence", func(t *testing.T) {
		_, err := ParseFiles("### FILE: a.txt\n```\nno closing fence")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("rejects missing fence", func(t *testing.T) {
		_, err := ParseFiles("### FILE: a.txt\nplain text, no fence\n")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		_, err := ParseFiles("### FILE: ../../etc/passwd\n```\nx\n```\n")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("rejects absolute paths", func(t *testing.T) {
		_, err := ParseFiles("### FILE: /etc/passwd\n```\nx\n```\n")
		require.Error(t, err)
	})
}

func TestBuildPrompt(t *testing.T) {
	spec := project.Specification{
		Name:        "todo-api",
		Description: "A todo list HTTP API",
		Language:    "python",
		Framework:   "fastapi",
		Raw:         "name: todo-api\ndescription: A todo list HTTP API\n",
	}

	t.Run("code prompt embeds the specification", func(t *testing.T) {
		system, user := buildPrompt(Request{Kind: KindCode, Spec: spec})
		assert.Equal(t, codeSystemPrompt, system)
		assert.Contains(t, user, "todo-api")
		assert.Contains(t, user, "Language: python")
		assert.Contains(t, user, "Framework: fastapi")
		assert.NotContains(t, user, "Failing tests")
	})

	t.Run("code prompt lists prior failures in order", func(t *testing.T) {
		_, user := buildPrompt(Request{
			Kind: KindCode,
			Spec: spec,
			CodeContext: project.FileSet{
				"src/app.py": "old code\n",
			},
			PriorFailures: []project.FailureDetail{
				{Locator: "tests/backend/test_app.py::test_create", Message: "assert 404 == 201", Category: project.FailureAssertion},
				{Locator: "tests/e2e/test_flow.py::test_login", Message: "timeout after 30s", Category: project.FailureTimeout},
			},
		})
		assert.Contains(t, user, "# Current implementation")
		assert.Contains(t, user, "old code")

		backendIdx := indexOf(t, user, "test_create")
		e2eIdx := indexOf(t, user, "test_login")
		assert.Less(t, backendIdx, e2eIdx, "failures must keep their flattened order")
		assert.Contains(t, user, "[assertion]")
		assert.Contains(t, user, "[timeout]")
	})

	t.Run("test prompt carries code but never failures", func(t *testing.T) {
		system, user := buildPrompt(Request{
			Kind: KindTests,
			Spec: spec,
			CodeContext: project.FileSet{
				"src/app.py": "def main(): pass\n",
			},
			PriorFailures: []project.FailureDetail{
				{Locator: "tests/backend/test_app.py::test_create", Message: "assert 404 == 201", Category: project.FailureAssertion},
			},
		})
		assert.Equal(t, testSystemPrompt, system)
		assert.Contains(t, user, "def main(): pass")
		assert.NotContains(t, user, "test_create", "test generation must not see failure history")
		assert.NotContains(t, user, "Failing tests")
	})
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "expected %q in prompt", needle)
	return idx
}
