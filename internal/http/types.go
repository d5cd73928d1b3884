package http

import "github.com/fyrsmithlabs/forged/internal/project"

// SubmitRequest is the JSON body for POST /api/v1/projects.
type SubmitRequest struct {
	Specification project.Specification `json:"specification"`
	Policy        *project.Policy       `json:"policy,omitempty"`
	SeedFiles     project.FileSet       `json:"seed_files,omitempty"`
}

// SubmitResponse is the response body for POST /api/v1/projects.
type SubmitResponse struct {
	ProjectID string         `json:"project_id"`
	Status    project.Status `json:"status"`
}

// GenerateRequest is the optional JSON body for
// POST /api/v1/projects/:id/generate.
type GenerateRequest struct {
	Specification *project.Specification `json:"specification,omitempty"`
	Policy        *project.Policy        `json:"policy,omitempty"`
}

// AcceptedResponse acknowledges an asynchronous operation.
type AcceptedResponse struct {
	Accepted   bool   `json:"accepted"`
	ProjectID  string `json:"project_id"`
	Generation int    `json:"generation,omitempty"`
}

// CleanupResponse is the response body for DELETE /api/v1/projects/:id.
type CleanupResponse struct {
	ProjectID    string `json:"project_id"`
	RemovedCount int    `json:"removed_count"`
	KeptFinal    bool   `json:"kept_final"`
}

// ProvidersResponse is the response body for GET /api/v1/providers.
type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

// HealthResponse is the response body for GET /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
}
