package stages

import (
	"context"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
)

// PromptHandler executes the run's rendered prompt against its model and
// captures the raw response. Provider-level retries are the client's
// concern; this handler only classifies what comes back.
type PromptHandler struct {
	deps Deps
}

func (h *PromptHandler) Kind() run.StageKind { return run.StagePromptExecution }

func (h *PromptHandler) Execute(ctx context.Context, sc *pipeline.StageContext) ([]byte, error) {
	r := sc.Run

	promptText, err := h.deps.Prompts.Resolve(ctx, r.PromptRef)
	if err != nil {
		return nil, err
	}
	tmpl, err := resolveTemplate(ctx, h.deps, r)
	if err != nil {
		return nil, err
	}

	rendered, err := tmpl.Render(promptText)
	if err != nil {
		return nil, pipeline.Permanent(err)
	}

	sc.Progress(ctx, "calling model %s", r.ModelRef)
	response, err := h.deps.LLM.Generate(ctx, r.ModelRef, rendered)
	if err != nil {
		return nil, err
	}
	if response == "" {
		return nil, pipeline.Transientf("model returned an empty response")
	}

	key, err := h.deps.Recorder.Capture(ctx, r.ID, artifact.KindRawResponse, []byte(response))
	if err != nil {
		return nil, pipeline.Transientf("capture raw response: %v", err)
	}

	return Result{
		ArtifactKeys: map[string]string{artifact.KindRawResponse: key},
		ResponseLen:  len(response),
	}.encode(), nil
}
