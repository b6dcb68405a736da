package stages

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
)

// Renderer turns an exported structure file into a preview image and a 3D
// model for comparison.
type Renderer interface {
	Render(ctx context.Context, structure []byte) (png []byte, glb []byte, err error)
}

// RenderHandler consumes the building stage's structure file and captures
// the rendered image and model.
type RenderHandler struct {
	deps Deps
}

func (h *RenderHandler) Kind() run.StageKind { return run.StageRendering }

func (h *RenderHandler) Execute(ctx context.Context, sc *pipeline.StageContext) ([]byte, error) {
	structure, err := h.deps.Recorder.Fetch(ctx, sc.Run.ID, artifact.KindStructureFile)
	if err != nil {
		return nil, pipeline.Transientf("fetch structure file: %v", err)
	}

	sc.Progress(ctx, "rendering structure (%d bytes)", len(structure))
	png, glb, err := h.deps.Renderer.Render(ctx, structure)
	if err != nil {
		return nil, err
	}

	pngKey, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindRenderImagePNG, png)
	if err != nil {
		return nil, pipeline.Transientf("capture render image: %v", err)
	}
	glbKey, err := h.deps.Recorder.Capture(ctx, sc.Run.ID, artifact.KindRenderedModelGLB, glb)
	if err != nil {
		return nil, pipeline.Transientf("capture rendered model: %v", err)
	}

	return Result{
		ArtifactKeys: map[string]string{
			artifact.KindRenderImagePNG:   pngKey,
			artifact.KindRenderedModelGLB: glbKey,
		},
	}.encode(), nil
}

// ExecRenderer shells out to an external rendering binary: the tool reads
// a structure file and writes the image and model next to it. Rendering
// failures are transient; render farms flake.
type ExecRenderer struct {
	// Binary is the renderer executable; it is invoked as
	// `binary <structure> <out.png> <out.glb>`.
	Binary string
}

func (r *ExecRenderer) Render(ctx context.Context, structure []byte) ([]byte, []byte, error) {
	dir, err := os.MkdirTemp("", "vb-render-")
	if err != nil {
		return nil, nil, pipeline.Transientf("render workspace: %v", err)
	}
	defer os.RemoveAll(dir)

	structPath := filepath.Join(dir, "structure.schem")
	pngPath := filepath.Join(dir, "render.png")
	glbPath := filepath.Join(dir, "model.glb")

	if err := os.WriteFile(structPath, structure, 0o644); err != nil {
		return nil, nil, pipeline.Transientf("write structure: %v", err)
	}

	cmd := exec.CommandContext(ctx, r.Binary, structPath, pngPath, glbPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, nil, pipeline.Transientf("renderer failed: %v: %s", err, out)
	}

	png, err := os.ReadFile(pngPath)
	if err != nil {
		return nil, nil, pipeline.Transientf("read rendered image: %v", err)
	}
	glb, err := os.ReadFile(glbPath)
	if err != nil {
		return nil, nil, pipeline.Transientf("read rendered model: %v", err)
	}
	return png, glb, nil
}

var _ Renderer = (*ExecRenderer)(nil)

// FakeRenderer returns deterministic placeholder outputs; tests use it in
// place of a real render farm.
type FakeRenderer struct {
	Err error
}

func (r *FakeRenderer) Render(ctx context.Context, structure []byte) ([]byte, []byte, error) {
	if r.Err != nil {
		return nil, nil, r.Err
	}
	png := []byte(fmt.Sprintf("png-render-of-%d-bytes", len(structure)))
	glb := []byte(fmt.Sprintf("glb-model-of-%d-bytes", len(structure)))
	return png, glb, nil
}

var _ Renderer = (*FakeRenderer)(nil)
