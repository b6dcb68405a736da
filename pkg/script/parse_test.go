package script

import (
	"testing"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
)

func TestParseResponseCodeTag(t *testing.T) {
	raw := `<inspiration>a seaside lighthouse</inspiration>
<description>A tall white tower with a red lantern room.</description>
<code>
[{"kind":"setblock","block":"minecraft:stone","from":{"x":0,"y":64,"z":0}}]
</code>`

	p, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if p.Code != `[{"kind":"setblock","block":"minecraft:stone","from":{"x":0,"y":64,"z":0}}]` {
		t.Errorf("Code = %q", p.Code)
	}
	if p.Inspiration != "a seaside lighthouse" {
		t.Errorf("Inspiration = %q", p.Inspiration)
	}
	if p.Description == "" {
		t.Error("Description should be extracted")
	}
}

func TestParseResponseTagWrappingFence(t *testing.T) {
	raw := "<code>\n```json\n[{\"kind\":\"setblock\"}]\n```\n</code>"
	p, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if p.Code != `[{"kind":"setblock"}]` {
		t.Errorf("Fence inside tag should be unwrapped, got %q", p.Code)
	}
}

func TestParseResponseFenceFallback(t *testing.T) {
	raw := "Here is the build script:\n```json\n[{\"kind\":\"fill\"}]\n```\nEnjoy!"
	p, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if p.Code != `[{"kind":"fill"}]` {
		t.Errorf("Code = %q", p.Code)
	}
}

func TestParseResponseNoCodeIsPermanent(t *testing.T) {
	_, err := ParseResponse("I am unable to help with that request.")
	if err == nil {
		t.Fatal("Expected an error for a response without code")
	}
	if pipeline.IsTransient(err) {
		t.Error("A codeless response must be a permanent failure")
	}
}
