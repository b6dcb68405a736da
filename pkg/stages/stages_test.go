package stages

import (
	"context"
	"testing"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
)

func TestStaticPromptsResolve(t *testing.T) {
	prompts := StaticPrompts{"beacon": "build a stone beacon"}
	ctx := context.Background()

	text, err := prompts.Resolve(ctx, "beacon")
	if err != nil || text != "build a stone beacon" {
		t.Errorf("Resolve = %q, %v", text, err)
	}

	_, err = prompts.Resolve(ctx, "missing")
	if err == nil {
		t.Fatal("Unknown ref should fail")
	}
	if pipeline.IsTransient(err) {
		t.Error("An unknown prompt ref must be permanent")
	}
}

func TestPassthroughPromptsResolve(t *testing.T) {
	ctx := context.Background()

	text, err := PassthroughPrompts{}.Resolve(ctx, "build a garden")
	if err != nil || text != "build a garden" {
		t.Errorf("Resolve = %q, %v", text, err)
	}

	if _, err := (PassthroughPrompts{}).Resolve(ctx, ""); err == nil {
		t.Error("An empty ref should fail")
	}
}

func TestResultEncode(t *testing.T) {
	data := Result{ArtifactKeys: map[string]string{"RAW_RESPONSE": "runs/x/RAW_RESPONSE/ab.txt"}, ResponseLen: 42}.encode()
	if len(data) == 0 {
		t.Fatal("encode returned nothing")
	}
}
