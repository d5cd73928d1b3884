package project

import (
	"path"
	"time"
)

// FinalArtifact is the deterministic reduction of an iteration history
// to one downloadable file set. Derived and rebuildable; never mutated
// independently of the history it was built from.
type FinalArtifact struct {
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`

	// SourceIterationIndex is the highest iteration that contributed.
	SourceIterationIndex int `json:"source_iteration_index"`

	// Files is the merged file set.
	Files FileSet `json:"files"`

	// BuiltAt is when this artifact was assembled.
	BuiltAt time.Time `json:"built_at"`

	// BestEffort is true when no iteration succeeded and the artifact
	// reflects the last executed round instead of a passing one.
	BestEffort bool `json:"best_effort"`

	// Summary describes the merged file set.
	Summary ArtifactSummary `json:"summary"`
}

// ArtifactSummary is a compact description of a merged file set.
type ArtifactSummary struct {
	// TotalFiles is the number of files in the artifact.
	TotalFiles int `json:"total_files"`

	// FilesByExtension counts files per extension; extensionless files
	// count under "none".
	FilesByExtension map[string]int `json:"files_by_extension"`
}

// Summarize computes an ArtifactSummary for a file set.
func Summarize(files FileSet) ArtifactSummary {
	byExt := make(map[string]int)
	for p := range files {
		ext := path.Ext(p)
		if ext == "" {
			ext = "none"
		}
		byExt[ext]++
	}
	return ArtifactSummary{
		TotalFiles:       len(files),
		FilesByExtension: byExt,
	}
}
