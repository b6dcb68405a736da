package stages

import (
	"context"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
)

// PrepareHandler emits the final comparison-ready sample from the rendered
// model. Downstream comparison tooling only ever reads the sample kind, so
// the handoff is a single stable artifact key per run.
type PrepareHandler struct {
	deps Deps
}

func (h *PrepareHandler) Kind() run.StageKind { return run.StageSamplePreparation }

func (h *PrepareHandler) Execute(ctx context.Context, sc *pipeline.StageContext) ([]byte, error) {
	model, err := h.deps.Recorder.Fetch(ctx, sc.Run.ID, artifact.KindRenderedModelGLB)
	if err != nil {
		return nil, pipeline.Transientf("fetch rendered model: %v", err)
	}

	key, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindComparisonSample, model)
	if err != nil {
		return nil, pipeline.Transientf("capture comparison sample: %v", err)
	}

	return Result{
		ArtifactKeys: map[string]string{artifact.KindComparisonSample: key},
	}.encode(), nil
}
