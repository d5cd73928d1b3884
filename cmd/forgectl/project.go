package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/internal/project"
)

var (
	// policy flags shared by submit and generate; only one of the two
	// commands runs per invocation
	policyProvider      string
	policyMaxIterations int
	policyMergeMode     string

	cleanupKeepFinal bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(cleanupCmd)

	for _, cmd := range []*cobra.Command{submitCmd, generateCmd} {
		cmd.Flags().StringVar(&policyProvider, "provider", "", "LLM provider for generation (openai, anthropic, deepseek)")
		cmd.Flags().IntVar(&policyMaxIterations, "max-iterations", 0, "iteration budget for the run")
		cmd.Flags().StringVar(&policyMergeMode, "merge-mode", "", "artifact merge mode (rewrite or incremental)")
	}

	cleanupCmd.Flags().BoolVar(&cleanupKeepFinal, "keep-final", true, "keep the final artifact")
}

// submitCmd registers a specification as a new project
var submitCmd = &cobra.Command{
	Use:   "submit [spec.yaml]",
	Short: "Submit a specification as a new project",
	Long: `Submit a YAML specification to the forged daemon.

Reads the specification from a file, or from stdin when the argument
is omitted or "-". The specification is validated locally before it is
sent.

Examples:
  # Submit a specification file
  forgectl submit todo-api.yaml

  # Submit from stdin with a policy override
  cat todo-api.yaml | forgectl submit - --provider openai --max-iterations 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

// generateCmd starts a generation run
var generateCmd = &cobra.Command{
	Use:   "generate <project-id>",
	Short: "Start a generation run for a project",
	Long: `Start the generate-test-fix loop for a submitted project.

The run is asynchronous; use "forgectl status" to follow it.

Examples:
  # Start with the stored policy
  forgectl generate 4f7c2dce

  # Start with a larger iteration budget
  forgectl generate 4f7c2dce --max-iterations 10`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

// stopCmd requests cancellation of an active run
var stopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Request a stop of the active generation run",
	Long: `Flag a project's active generation run for cancellation.

The loop stops at its next checkpoint; in-flight provider or runner
calls get a bounded grace period.

Examples:
  forgectl stop 4f7c2dce`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

// cleanupCmd removes iteration records
var cleanupCmd = &cobra.Command{
	Use:   "cleanup <project-id>",
	Short: "Remove a project's iteration records",
	Long: `Remove a project's stored iteration records.

The final artifact is kept unless --keep-final=false is passed.
Cleanup is refused while a generation run is active.

Examples:
  # Remove iterations, keep the artifact
  forgectl cleanup 4f7c2dce

  # Remove everything
  forgectl cleanup 4f7c2dce --keep-final=false`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

// SubmitRequest matches internal/http/types.go SubmitRequest
type SubmitRequest struct {
	Specification project.Specification `json:"specification"`
	Policy        *project.Policy       `json:"policy,omitempty"`
	SeedFiles     project.FileSet       `json:"seed_files,omitempty"`
}

// SubmitResponse matches internal/http/types.go SubmitResponse
type SubmitResponse struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

// GenerateRequest matches internal/http/types.go GenerateRequest
type GenerateRequest struct {
	Policy *project.Policy `json:"policy,omitempty"`
}

// AcceptedResponse matches internal/http/types.go AcceptedResponse
type AcceptedResponse struct {
	Accepted   bool   `json:"accepted"`
	ProjectID  string `json:"project_id"`
	Generation int    `json:"generation,omitempty"`
}

// CleanupResponse matches internal/http/types.go CleanupResponse
type CleanupResponse struct {
	ProjectID    string `json:"project_id"`
	RemovedCount int    `json:"removed_count"`
	KeptFinal    bool   `json:"kept_final"`
}

// policyFromFlags builds the policy override, or nil when no policy
// flag was set.
func policyFromFlags() *project.Policy {
	if policyProvider == "" && policyMaxIterations == 0 && policyMergeMode == "" {
		return nil
	}
	return &project.Policy{
		Provider:      policyProvider,
		MaxIterations: policyMaxIterations,
		MergeMode:     project.MergeMode(policyMergeMode),
	}
}

// runSubmit handles the submit command
func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := readInput(args)
	if err != nil {
		return err
	}

	// Validate locally so malformed specs fail before the round trip.
	spec, err := project.ParseSpecification(data)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(SubmitRequest{
		Specification: *spec,
		Policy:        policyFromFlags(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp SubmitResponse
	if err := doRequest(http.MethodPost, "/api/v1/projects", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return err
	}

	fmt.Printf("Project %s submitted (status: %s)\n", resp.ProjectID, resp.Status)
	return nil
}

// runGenerate handles the generate command
func runGenerate(cmd *cobra.Command, args []string) error {
	var body io.Reader
	if policy := policyFromFlags(); policy != nil {
		payload, err := json.Marshal(GenerateRequest{Policy: policy})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	var resp AcceptedResponse
	path := fmt.Sprintf("/api/v1/projects/%s/generate", args[0])
	if err := doRequest(http.MethodPost, path, "application/json", body, &resp); err != nil {
		return err
	}

	fmt.Printf("Generation %d started for project %s\n", resp.Generation, resp.ProjectID)
	return nil
}

// runStop handles the stop command
func runStop(cmd *cobra.Command, args []string) error {
	var resp AcceptedResponse
	path := fmt.Sprintf("/api/v1/projects/%s/stop", args[0])
	if err := doRequest(http.MethodPost, path, "", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Stop requested for project %s\n", resp.ProjectID)
	return nil
}

// runCleanup handles the cleanup command
func runCleanup(cmd *cobra.Command, args []string) error {
	var resp CleanupResponse
	path := fmt.Sprintf("/api/v1/projects/%s?keepFinal=%t", args[0], cleanupKeepFinal)
	if err := doRequest(http.MethodDelete, path, "", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Removed %d iteration record(s) from project %s\n", resp.RemovedCount, resp.ProjectID)
	if resp.KeptFinal {
		fmt.Println("Final artifact kept")
	}
	return nil
}
