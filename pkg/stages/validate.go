package stages

import (
	"context"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/build"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
)

// ValidateHandler checks the extracted build code against the template's
// palette and legal region, and freezes the validated command script as an
// artifact for the building stage.
type ValidateHandler struct {
	deps Deps
}

func (h *ValidateHandler) Kind() run.StageKind { return run.StageCodeValidation }

func (h *ValidateHandler) Execute(ctx context.Context, sc *pipeline.StageContext) ([]byte, error) {
	code, err := h.deps.Recorder.Fetch(ctx, sc.Run.ID, artifact.KindBuildCode)
	if err != nil {
		return nil, pipeline.Transientf("fetch build code: %v", err)
	}
	tmpl, err := resolveTemplate(ctx, h.deps, sc.Run)
	if err != nil {
		return nil, err
	}

	list, err := h.deps.Validator.Validate(string(code), tmpl)
	if err != nil {
		return nil, err
	}

	payload, err := build.EncodeCommandList(list)
	if err != nil {
		return nil, pipeline.Permanentf("encode command script: %v", err)
	}
	key, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindCommandScript, payload)
	if err != nil {
		return nil, pipeline.Transientf("capture command script: %v", err)
	}

	return Result{
		ArtifactKeys: map[string]string{artifact.KindCommandScript: key},
		CommandCount: len(list),
	}.encode(), nil
}
