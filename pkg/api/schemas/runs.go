// Package schemas holds the wire shapes of the pipeline API.
package schemas

import "time"

// CreateRunRequest schedules a new generation run.
type CreateRunRequest struct {
	PromptRef   string `json:"prompt_ref" doc:"Prompt reference" minLength:"1"`
	ModelRef    string `json:"model_ref" doc:"Model reference" minLength:"1"`
	TemplateRef string `json:"template_ref" doc:"Template reference" minLength:"1"`
}

// StageResponse is one stage's current state.
type StageResponse struct {
	Kind      string     `json:"kind" doc:"Stage kind"`
	State     string     `json:"state" doc:"Stage state"`
	Attempts  int        `json:"attempts" doc:"Attempts consumed"`
	LastError string     `json:"last_error,omitempty" doc:"Accumulated per-attempt error text"`
	NotBefore *time.Time `json:"not_before,omitempty" doc:"Earliest next attempt for RETRY_PENDING stages"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Progress  string     `json:"progress,omitempty" doc:"Latest progress note for a running attempt"`
}

// ArtifactResponse is one recorded artifact reference.
type ArtifactResponse struct {
	Kind   string `json:"kind" doc:"Artifact kind"`
	Bucket string `json:"bucket"`
	Key    string `json:"key" doc:"Object-store key"`
}

// RunResponse is the full view of a run.
type RunResponse struct {
	ID          string             `json:"id"`
	PromptRef   string             `json:"prompt_ref"`
	ModelRef    string             `json:"model_ref"`
	TemplateRef string             `json:"template_ref"`
	State       string             `json:"state" doc:"Derived run status"`
	Retired     bool               `json:"retired"`
	CreatedAt   time.Time          `json:"created_at"`
	Stages      []StageResponse    `json:"stages"`
	Artifacts   []ArtifactResponse `json:"artifacts,omitempty"`
}
