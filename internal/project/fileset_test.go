package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"plain file", "main.py", nil},
		{"nested", "app/api/routes.py", nil},
		{"dotfile", ".env.example", nil},
		{"empty", "", ErrEmptyPath},
		{"absolute", "/etc/passwd", ErrAbsolutePath},
		{"backslash", `app\main.py`, ErrAbsolutePath},
		{"parent escape", "../outside.py", ErrPathTraversal},
		{"nested escape", "app/../../outside.py", ErrPathTraversal},
		{"bare dot", ".", ErrPathTraversal},
		{"bare dotdot", "..", ErrPathTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestFileSet_Validate(t *testing.T) {
	good := FileSet{"a.py": "x", "pkg/b.py": "y"}
	assert.NoError(t, good.Validate())

	bad := FileSet{"a.py": "x", "../escape.py": "y"}
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFileSet_Clone(t *testing.T) {
	orig := FileSet{"a.py": "one"}
	c := orig.Clone()
	c["a.py"] = "two"
	c["b.py"] = "new"

	assert.Equal(t, "one", orig["a.py"], "clone must not alias the original")
	assert.NotContains(t, orig, "b.py")

	var nilSet FileSet
	assert.Nil(t, nilSet.Clone())
}

func TestFileSet_Overlay(t *testing.T) {
	base := FileSet{"a.py": "old", "keep.py": "kept"}
	over := FileSet{"a.py": "new", "b.py": "added"}

	merged := base.Overlay(over)
	assert.Equal(t, "new", merged["a.py"], "overlay wins on conflict")
	assert.Equal(t, "kept", merged["keep.py"])
	assert.Equal(t, "added", merged["b.py"])

	assert.Equal(t, "old", base["a.py"], "inputs untouched")
}

func TestFileSet_Paths_Sorted(t *testing.T) {
	fs := FileSet{"z.py": "", "a.py": "", "m/x.py": ""}
	assert.Equal(t, []string{"a.py", "m/x.py", "z.py"}, fs.Paths())
}
