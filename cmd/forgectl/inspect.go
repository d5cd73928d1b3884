package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/internal/project"
)

var (
	statusOutputJSON   bool
	artifactOutputJSON bool
	artifactOutputDir  string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(providersCmd)

	statusCmd.Flags().BoolVar(&statusOutputJSON, "json", false, "print the raw JSON report")
	artifactCmd.Flags().BoolVar(&artifactOutputJSON, "json", false, "print the raw JSON artifact")
	artifactCmd.Flags().StringVarP(&artifactOutputDir, "output", "o", "", "write artifact files into this directory")
}

// statusCmd reports a project's run state
var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show a project's run status",
	Long: `Show the project's state, iteration position, and the failures
captured in the last completed round.

Examples:
  forgectl status 4f7c2dce
  forgectl status 4f7c2dce --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

// artifactCmd fetches the merged final artifact
var artifactCmd = &cobra.Command{
	Use:   "artifact <project-id>",
	Short: "Fetch a project's final artifact",
	Long: `Fetch the merged final artifact of a project.

By default prints a summary and the file list. With --output the files
are written into the given directory; with --json the raw artifact is
printed.

Examples:
  # Summarize the artifact
  forgectl artifact 4f7c2dce

  # Write the generated files to disk
  forgectl artifact 4f7c2dce -o ./out`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifact,
}

// providersCmd lists the registered LLM providers
var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the daemon's registered LLM providers",
	Args:  cobra.NoArgs,
	RunE:  runProviders,
}

// statusReport matches internal/orchestrator/service.go StatusReport
type statusReport struct {
	ProjectID          string          `json:"project_id"`
	Status             string          `json:"status"`
	CurrentIteration   int             `json:"current_iteration"`
	MaxIterations      int             `json:"max_iterations"`
	Generation         int             `json:"generation"`
	CompletedIteration *int            `json:"completed_iteration,omitempty"`
	LastFailures       []failureDetail `json:"last_failures,omitempty"`
	StoppedByUser      bool            `json:"stopped_by_user"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// failureDetail matches internal/project/iteration.go FailureDetail
type failureDetail struct {
	Locator  string `json:"locator"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// finalArtifact matches internal/project/artifact.go FinalArtifact
type finalArtifact struct {
	ProjectID            string            `json:"project_id"`
	SourceIterationIndex int               `json:"source_iteration_index"`
	Files                map[string]string `json:"files"`
	BuiltAt              time.Time         `json:"built_at"`
	BestEffort           bool              `json:"best_effort"`
	Summary              artifactSummary   `json:"summary"`
}

// artifactSummary matches internal/project/artifact.go ArtifactSummary
type artifactSummary struct {
	TotalFiles       int            `json:"total_files"`
	FilesByExtension map[string]int `json:"files_by_extension"`
}

// ProvidersResponse matches internal/http/types.go ProvidersResponse
type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	var report statusReport
	path := fmt.Sprintf("/api/v1/projects/%s/status", args[0])
	if err := doRequest(http.MethodGet, path, "", nil, &report); err != nil {
		return err
	}

	if statusOutputJSON {
		return printJSON(report)
	}

	fmt.Printf("Project:    %s\n", report.ProjectID)
	fmt.Printf("Status:     %s\n", report.Status)
	fmt.Printf("Iteration:  %d/%d\n", report.CurrentIteration, report.MaxIterations)
	fmt.Printf("Generation: %d\n", report.Generation)
	if report.CompletedIteration != nil {
		fmt.Printf("Completed:  iteration %d\n", *report.CompletedIteration)
	}
	if report.StoppedByUser {
		fmt.Println("Stopped by user")
	}
	fmt.Printf("Updated:    %s\n", report.UpdatedAt.Format(time.RFC3339))

	if len(report.LastFailures) > 0 {
		fmt.Printf("\nLast failures (%d):\n", len(report.LastFailures))
		for _, f := range report.LastFailures {
			fmt.Printf("  - %s: %s [%s]\n", f.Locator, f.Message, f.Category)
		}
	}
	return nil
}

// runArtifact handles the artifact command
func runArtifact(cmd *cobra.Command, args []string) error {
	var artifact finalArtifact
	path := fmt.Sprintf("/api/v1/projects/%s/artifact", args[0])
	if err := doRequest(http.MethodGet, path, "", nil, &artifact); err != nil {
		return err
	}

	if artifactOutputJSON {
		return printJSON(artifact)
	}

	if artifactOutputDir != "" {
		return writeArtifactFiles(&artifact, artifactOutputDir)
	}

	fmt.Printf("Project:     %s\n", artifact.ProjectID)
	fmt.Printf("Built at:    %s\n", artifact.BuiltAt.Format(time.RFC3339))
	fmt.Printf("From:        iteration %d\n", artifact.SourceIterationIndex)
	if artifact.BestEffort {
		fmt.Println("Best effort: tests never fully passed")
	}
	fmt.Printf("Files:       %d\n\n", artifact.Summary.TotalFiles)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tBYTES")
	for _, p := range sortedPaths(artifact.Files) {
		fmt.Fprintf(w, "%s\t%d\n", p, len(artifact.Files[p]))
	}
	return w.Flush()
}

// runProviders handles the providers command
func runProviders(cmd *cobra.Command, args []string) error {
	var resp ProvidersResponse
	if err := doRequest(http.MethodGet, "/api/v1/providers", "", nil, &resp); err != nil {
		return err
	}

	if len(resp.Providers) == 0 {
		fmt.Println("No providers registered")
		return nil
	}
	for _, name := range resp.Providers {
		fmt.Println(name)
	}
	return nil
}

// writeArtifactFiles writes the artifact's file set under dir. Paths
// are re-validated locally; the daemon should never emit an unsafe one.
func writeArtifactFiles(artifact *finalArtifact, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	written := 0
	for _, p := range sortedPaths(artifact.Files) {
		if err := project.ValidateFilePath(p); err != nil {
			fmt.Fprintf(os.Stderr, "[forgectl] skipping unsafe path %q: %v\n", p, err)
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", p, err)
		}
		if err := os.WriteFile(target, []byte(artifact.Files[p]), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
		written++
	}

	fmt.Printf("Wrote %d file(s) to %s\n", written, dir)
	return nil
}

// sortedPaths returns the map's keys in sorted order.
func sortedPaths(files map[string]string) []string {
	return project.FileSet(files).Paths()
}

// printJSON pretty-prints v to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
