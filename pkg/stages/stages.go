// Package stages holds the six stage handlers. Handlers contain the
// business logic only: all state transitions, retries, and scheduling stay
// with the dispatcher, and every durable output goes through the artifact
// recorder.
package stages

import (
	"context"
	"encoding/json"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/llm"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/sandbox"
	"github.com/voxelbench/voxelbench/pkg/script"
	"github.com/voxelbench/voxelbench/pkg/template"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// PromptService resolves a run's prompt reference to the prompt text. The
// prompt catalog itself is managed elsewhere; the pipeline only reads.
type PromptService interface {
	Resolve(ctx context.Context, promptRef string) (string, error)
}

// StaticPrompts serves prompts from a fixed map, keyed by ref.
type StaticPrompts map[string]string

// Resolve looks up a prompt by ref.
func (p StaticPrompts) Resolve(ctx context.Context, promptRef string) (string, error) {
	text, ok := p[promptRef]
	if !ok {
		return "", pipeline.Permanentf("unknown prompt ref %q", promptRef)
	}
	return text, nil
}

// PassthroughPrompts treats the prompt ref as the prompt text itself.
// Deployments whose prompt catalog lives in an external management surface
// pass the resolved text through the ref.
type PassthroughPrompts struct{}

// Resolve returns the ref unchanged.
func (PassthroughPrompts) Resolve(ctx context.Context, promptRef string) (string, error) {
	if promptRef == "" {
		return "", pipeline.Permanentf("empty prompt ref")
	}
	return promptRef, nil
}

// Deps bundles everything the handlers share.
type Deps struct {
	Recorder  *artifact.Recorder
	Prompts   PromptService
	Templates template.Service
	LLM       llm.Client
	Validator *script.Validator
	Engine    sandbox.Engine
	Sandbox   sandbox.Config
	Renderer  Renderer
	Log       *vlog.Logger
}

// RegisterAll installs every stage handler on the dispatcher.
func RegisterAll(d *pipeline.Dispatcher, deps Deps) {
	if deps.Log == nil {
		deps.Log = vlog.NewDefault()
	}
	d.Register(&PromptHandler{deps: deps})
	d.Register(&ParseHandler{deps: deps})
	d.Register(&ValidateHandler{deps: deps})
	d.Register(&BuildHandler{deps: deps})
	d.Register(&RenderHandler{deps: deps})
	d.Register(&PrepareHandler{deps: deps})
}

// Result is the stage result payload persisted on the stage record: the
// artifact keys this stage produced, plus small scalar facts worth showing
// an operator without an object-store read.
type Result struct {
	ArtifactKeys map[string]string `json:"artifact_keys,omitempty"`
	CommandCount int               `json:"command_count,omitempty"`
	ResponseLen  int               `json:"response_len,omitempty"`
}

func (r Result) encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// resolveTemplate loads the run's template or fails permanently: a run
// pointing at a missing template cannot succeed on retry.
func resolveTemplate(ctx context.Context, deps Deps, r *run.Run) (*template.Template, error) {
	tmpl, err := deps.Templates.Resolve(ctx, r.TemplateRef)
	if err != nil {
		return nil, pipeline.Permanentf("resolve template %q: %v", r.TemplateRef, err)
	}
	return tmpl, nil
}
