package stages

import (
	"context"
	"strings"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/build"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/sandbox"
)

// BuildHandler executes the validated command script inside a fresh
// sandbox session and captures the command log, the build summary, and the
// exported structure file. Teardown runs on every exit path; the reaper
// covers process crashes.
type BuildHandler struct {
	deps Deps
}

func (h *BuildHandler) Kind() run.StageKind { return run.StageBuilding }

func (h *BuildHandler) Execute(ctx context.Context, sc *pipeline.StageContext) ([]byte, error) {
	scriptBytes, err := h.deps.Recorder.Fetch(ctx, sc.Run.ID, artifact.KindCommandScript)
	if err != nil {
		return nil, pipeline.Transientf("fetch command script: %v", err)
	}
	list, err := build.DecodeCommandList(scriptBytes)
	if err != nil {
		return nil, pipeline.Permanentf("decode command script: %v", err)
	}
	tmpl, err := resolveTemplate(ctx, h.deps, sc.Run)
	if err != nil {
		return nil, err
	}

	session := sandbox.NewSession(h.deps.Engine, h.deps.Sandbox, sc.Run.ID, h.deps.Log)
	defer session.Teardown()

	sc.Progress(ctx, "provisioning sandbox")
	if err := session.Provision(ctx); err != nil {
		return nil, err
	}

	if err := session.Stream(ctx, list, tmpl.Bounds, tmpl.BlockAllowed, func(done, total int) {
		sc.Progress(ctx, "placed %d/%d commands", done, total)
	}); err != nil {
		// The audit trail of what was issued before the failure still
		// gets captured; artifacts are keyed by content, so a later
		// successful attempt is never clobbered by this one.
		h.captureAudit(ctx, sc, session)
		return nil, err
	}

	sc.Progress(ctx, "exporting structure")
	structure, err := session.Export(ctx)
	if err != nil {
		h.captureAudit(ctx, sc, session)
		return nil, err
	}

	keys := map[string]string{}
	logKey, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindCommandLog, wireLog(session.CommandLog()))
	if err != nil {
		return nil, pipeline.Transientf("capture command log: %v", err)
	}
	keys[artifact.KindCommandLog] = logKey

	summaryBytes, err := build.EncodeSummary(session.Summary())
	if err != nil {
		return nil, pipeline.Permanentf("encode build summary: %v", err)
	}
	summaryKey, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindBuildSummary, summaryBytes)
	if err != nil {
		return nil, pipeline.Transientf("capture build summary: %v", err)
	}
	keys[artifact.KindBuildSummary] = summaryKey

	structKey, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindStructureFile, structure)
	if err != nil {
		return nil, pipeline.Transientf("capture structure file: %v", err)
	}
	keys[artifact.KindStructureFile] = structKey

	return Result{
		ArtifactKeys: keys,
		CommandCount: len(session.CommandLog()),
	}.encode(), nil
}

// captureAudit best-effort records the partial command log after a failed
// attempt so operators can see how far the build got.
func (h *BuildHandler) captureAudit(ctx context.Context, sc *pipeline.StageContext, session *sandbox.Session) {
	if len(session.CommandLog()) == 0 {
		return
	}
	if _, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindCommandLog, wireLog(session.CommandLog())); err != nil {
		h.deps.Log.Warn("failed to capture partial command log", "run_id", sc.Run.ID, "err", err)
	}
}

func wireLog(list build.CommandList) []byte {
	lines := make([]string, len(list))
	for i, cmd := range list {
		lines[i] = cmd.Wire()
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}
