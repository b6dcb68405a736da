package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/voxelbench/voxelbench/pkg/api/services/runs"
)

// HealthOutput is the health check response
type HealthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// RegisterAPI registers every route group.
func RegisterAPI(api huma.API, runsSvc *runs.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		resp := &HealthOutput{}
		resp.Body.Status = "ok"
		return resp, nil
	})

	RegisterRuns(api, runsSvc)
}
