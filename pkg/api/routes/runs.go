package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/api/schemas"
	"github.com/voxelbench/voxelbench/pkg/api/services/runs"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/token"
)

// CreateRunInput defines the input for scheduling a run
type CreateRunInput struct {
	Body schemas.CreateRunRequest
}

// CreateRunOutput is the response for scheduling a run
type CreateRunOutput struct {
	Body schemas.RunResponse
}

// GetRunInput defines the input for reading a run
type GetRunInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

// GetRunOutput is the response for reading a run
type GetRunOutput struct {
	Body schemas.RunResponse
}

// RetryStageInput defines the input for the operator retry
type RetryStageInput struct {
	RunID string `path:"runId" doc:"Run ID"`
	Kind  string `path:"kind" doc:"Stage kind"`
}

// RetireRunInput defines the input for soft-retiring a run
type RetireRunInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

// GetArtifactURLInput defines the input for presigning an artifact
type GetArtifactURLInput struct {
	RunID string `path:"runId" doc:"Run ID"`
	Kind  string `path:"kind" doc:"Artifact kind"`
}

// GetArtifactURLOutput is the response for presigning an artifact
type GetArtifactURLOutput struct {
	Body struct {
		URL string `json:"url" doc:"Presigned download URL"`
	}
}

// MintStageTokenInput defines the input for minting a stage token
type MintStageTokenInput struct {
	RunID string `path:"runId" doc:"Run ID"`
	Kind  string `path:"kind" doc:"Stage kind"`
}

// MintStageTokenOutput is the response for minting a stage token
type MintStageTokenOutput struct {
	Body struct {
		Token string `json:"token" doc:"Stage-scoped progress token"`
	}
}

// RecordProgressInput defines the input for publishing a progress note
type RecordProgressInput struct {
	Authorization string `header:"Authorization" doc:"Bearer stage token"`
	Body          struct {
		Note string `json:"note" doc:"Progress note" minLength:"1"`
	}
}

func parseRunID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, huma.Error400BadRequest(fmt.Sprintf("invalid run id %q", raw))
	}
	return id, nil
}

func parseStageKind(raw string) (run.StageKind, error) {
	kind := run.StageKind(strings.ToUpper(raw))
	if !kind.Valid() {
		return "", huma.Error400BadRequest(fmt.Sprintf("unknown stage kind %q", raw))
	}
	return kind, nil
}

// RegisterRuns registers run-related routes
func RegisterRuns(api huma.API, svc *runs.Service) {
	// Schedule run
	huma.Register(api, huma.Operation{
		OperationID: "create-run",
		Method:      http.MethodPost,
		Path:        "/api/runs",
		Summary:     "Schedule a generation run",
		Description: "Create a run and enqueue its first stage",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *CreateRunInput) (*CreateRunOutput, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		r, err := svc.Create(ctx, input.Body.PromptRef, input.Body.ModelRef, input.Body.TemplateRef)
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to create run: %v", err))
		}
		return &CreateRunOutput{Body: svc.ToResponse(ctx, r)}, nil
	})

	// Read run
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}",
		Summary:     "Get run status",
		Description: "Read a run with per-stage state and artifact keys",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *GetRunInput) (*GetRunOutput, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		id, err := parseRunID(input.RunID)
		if err != nil {
			return nil, err
		}
		r, err := svc.Get(ctx, id)
		if err != nil {
			if errors.Is(err, run.ErrNotFound) {
				return nil, huma.Error404NotFound("run not found")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to load run: %v", err))
		}
		return &GetRunOutput{Body: svc.ToResponse(ctx, r)}, nil
	})

	// Operator retry
	huma.Register(api, huma.Operation{
		OperationID: "retry-stage",
		Method:      http.MethodPost,
		Path:        "/api/runs/{runId}/stages/{kind}/retry",
		Summary:     "Retry a failed stage",
		Description: "Reset a terminally failed stage's attempt budget and re-enqueue it",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *RetryStageInput) (*struct{}, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		id, err := parseRunID(input.RunID)
		if err != nil {
			return nil, err
		}
		kind, err := parseStageKind(input.Kind)
		if err != nil {
			return nil, err
		}
		if err := svc.RetryStage(ctx, id, kind); err != nil {
			switch {
			case errors.Is(err, run.ErrNotFound):
				return nil, huma.Error404NotFound("run or stage not found")
			case errors.Is(err, pipeline.ErrRetryNotAllowed):
				return nil, huma.Error409Conflict(err.Error())
			case errors.Is(err, runs.ErrRetired):
				return nil, huma.Error409Conflict("run is retired")
			default:
				return nil, huma.Error500InternalServerError(fmt.Sprintf("retry failed: %v", err))
			}
		}
		return nil, nil
	})

	// Soft retire
	huma.Register(api, huma.Operation{
		OperationID: "retire-run",
		Method:      http.MethodPost,
		Path:        "/api/runs/{runId}/retire",
		Summary:     "Retire a run",
		Description: "Stop advancing a run without deleting any of its records",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *RetireRunInput) (*struct{}, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		id, err := parseRunID(input.RunID)
		if err != nil {
			return nil, err
		}
		if err := svc.Retire(ctx, id); err != nil {
			if errors.Is(err, run.ErrNotFound) {
				return nil, huma.Error404NotFound("run not found")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("retire failed: %v", err))
		}
		return nil, nil
	})

	// Presigned artifact URL
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-url",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/artifacts/{kind}/url",
		Summary:     "Get artifact download URL",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *GetArtifactURLInput) (*GetArtifactURLOutput, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		id, err := parseRunID(input.RunID)
		if err != nil {
			return nil, err
		}
		url, err := svc.ArtifactURL(ctx, id, strings.ToUpper(input.Kind), 15*time.Minute)
		if err != nil {
			if errors.Is(err, run.ErrNotFound) {
				return nil, huma.Error404NotFound("artifact not found")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("presign failed: %v", err))
		}
		resp := &GetArtifactURLOutput{}
		resp.Body.URL = url
		return resp, nil
	})

	// Stage token
	huma.Register(api, huma.Operation{
		OperationID: "mint-stage-token",
		Method:      http.MethodPost,
		Path:        "/api/runs/{runId}/stages/{kind}/token",
		Summary:     "Mint a stage-scoped progress token",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *MintStageTokenInput) (*MintStageTokenOutput, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		id, err := parseRunID(input.RunID)
		if err != nil {
			return nil, err
		}
		kind, err := parseStageKind(input.Kind)
		if err != nil {
			return nil, err
		}
		tok, err := svc.MintStageToken(ctx, id, kind)
		if err != nil {
			if errors.Is(err, run.ErrNotFound) {
				return nil, huma.Error404NotFound("run or stage not found")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("mint failed: %v", err))
		}
		resp := &MintStageTokenOutput{}
		resp.Body.Token = tok
		return resp, nil
	})

	// Progress note
	huma.Register(api, huma.Operation{
		OperationID: "record-progress",
		Method:      http.MethodPost,
		Path:        "/api/progress",
		Summary:     "Publish a progress note",
		Description: "Record a progress note under the scope of the bearer stage token",
		Tags:        []string{"Runs"},
		Security:    []map[string][]string{{"bearer": {}}},
	}, func(ctx context.Context, input *RecordProgressInput) (*struct{}, error) {
		if svc == nil {
			return nil, huma.Error503ServiceUnavailable("pipeline not configured")
		}
		raw := strings.TrimPrefix(input.Authorization, "Bearer ")
		if raw == "" || raw == input.Authorization {
			return nil, huma.Error401Unauthorized("missing bearer stage token")
		}
		if err := svc.RecordProgress(ctx, raw, input.Body.Note); err != nil {
			if errors.Is(err, token.ErrInvalid) {
				return nil, huma.Error401Unauthorized("invalid stage token")
			}
			return nil, huma.Error500InternalServerError(fmt.Sprintf("record progress failed: %v", err))
		}
		return nil, nil
	})
}
