package provider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/forged/internal/project"
)

// Providers exchange files with the model as fenced documents. Each
// file is announced by a header line and followed by a fenced block:
//
//	### FILE: src/app.py
//	```python
//	...content...
//	```
//
// The format is stated in the system prompt and enforced by ParseFiles.
var fileHeaderRe = regexp.MustCompile(`^###\s*FILE:\s*(.+?)\s*$`)

const codeSystemPrompt = `You are a senior software engineer generating a complete, runnable project.

Rules:
- Output every file of the project, nothing else.
- Announce each file with a header line "### FILE: <relative/path>" followed by a fenced code block containing the full file content.
- Paths are relative, forward-slash separated, and must not escape the project root.
- Do not output explanations, apologies, or partial files.
- If test failures are listed, fix the code so those tests pass while keeping the rest of the behavior intact.`

const testSystemPrompt = `You are a senior software engineer writing automated tests for an existing project.

Rules:
- Output only test files, nothing else.
- Announce each file with a header line "### FILE: <relative/path>" followed by a fenced code block containing the full file content.
- Place backend tests under tests/backend/, frontend tests under tests/frontend/, and end-to-end tests under tests/e2e/. Omit a directory entirely if the project has no such layer.
- Test the code as specified. Do not weaken assertions to make failing behavior pass.
- Do not output explanations or partial files.`

// buildPrompt renders the system and user prompts for a request.
func buildPrompt(req Request) (system, user string) {
	var b strings.Builder

	b.WriteString("# Specification\n\n")
	fmt.Fprintf(&b, "Project: %s\n", req.Spec.Name)
	if req.Spec.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", req.Spec.Language)
	}
	if req.Spec.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", req.Spec.Framework)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(req.Spec.Raw))
	b.WriteString("\n")

	switch req.Kind {
	case KindTests:
		b.WriteString("\n# Project files\n\n")
		b.WriteString("Write tests for the following implementation.\n\n")
		renderFiles(&b, req.CodeContext)
	default:
		if len(req.CodeContext) > 0 {
			b.WriteString("\n# Current implementation\n\n")
			renderFiles(&b, req.CodeContext)
		}
		if len(req.PriorFailures) > 0 {
			b.WriteString("\n# Failing tests to fix\n\n")
			for _, f := range req.PriorFailures {
				fmt.Fprintf(&b, "- %s: %s [%s]\n", f.Locator, f.Message, f.Category)
			}
		}
	}

	if req.Kind == KindTests {
		return testSystemPrompt, b.String()
	}
	return codeSystemPrompt, b.String()
}

func renderFiles(b *strings.Builder, files project.FileSet) {
	for _, path := range files.Paths() {
		fmt.Fprintf(b, "### FILE: %s\n", path)
		b.WriteString("```\n")
		content := files[path]
		b.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}
}

// ParseFiles extracts the fenced file documents from a model response.
// A response with no files, an unterminated fence, or an invalid path
// is rejected; such responses are transient and worth a retry.
func ParseFiles(response string) (project.FileSet, error) {
	files := make(project.FileSet)
	lines := strings.Split(strings.ReplaceAll(response, "\r\n", "\n"), "\n")

	i := 0
	for i < len(lines) {
		m := fileHeaderRe.FindStringSubmatch(lines[i])
		if m == nil {
			i++
			continue
		}
		path := m[1]
		i++

		// Skip blank lines between the header and the fence.
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) || !strings.HasPrefix(lines[i], "```") {
			return nil, Transient(fmt.Errorf("file %q has no fenced block", path))
		}
		i++

		var content []string
		closed := false
		for i < len(lines) {
			if strings.TrimSpace(lines[i]) == "```" {
				closed = true
				i++
				break
			}
			content = append(content, lines[i])
			i++
		}
		if !closed {
			return nil, Transient(fmt.Errorf("file %q has an unterminated fence", path))
		}

		if err := project.ValidateFilePath(path); err != nil {
			return nil, Transient(fmt.Errorf("file path %q: %v", path, err))
		}
		files[path] = strings.Join(content, "\n") + "\n"
	}

	if len(files) == 0 {
		return nil, Transient(fmt.Errorf("response contains no files"))
	}
	return files, nil
}
