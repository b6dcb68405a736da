package stages

import (
	"context"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/script"
)

// ParseHandler extracts the build code from the raw model response. A
// response with no extractable code fails permanently.
type ParseHandler struct {
	deps Deps
}

func (h *ParseHandler) Kind() run.StageKind { return run.StageResponseParsing }

func (h *ParseHandler) Execute(ctx context.Context, sc *pipeline.StageContext) ([]byte, error) {
	raw, err := h.deps.Recorder.Fetch(ctx, sc.Run.ID, artifact.KindRawResponse)
	if err != nil {
		return nil, pipeline.Transientf("fetch raw response: %v", err)
	}

	parsed, err := script.ParseResponse(string(raw))
	if err != nil {
		return nil, err
	}

	key, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindBuildCode, []byte(parsed.Code))
	if err != nil {
		return nil, pipeline.Transientf("capture build code: %v", err)
	}

	return Result{
		ArtifactKeys: map[string]string{artifact.KindBuildCode: key},
	}.encode(), nil
}
