package artifact

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
)

func newTestRecorder(t *testing.T) (*Recorder, *MemStore, *run.MemStore, uuid.UUID) {
	t.Helper()
	objects := NewMemStore("test-bucket")
	records := run.NewMemStore()
	r := run.NewRun("a windmill", "test-model", "default")
	if err := records.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return NewRecorder(objects, records, "test-bucket"), objects, records, r.ID
}

func TestRecorderCaptureFetch(t *testing.T) {
	rec, _, records, runID := newTestRecorder(t)
	ctx := context.Background()

	key, err := rec.Capture(ctx, runID, KindRawResponse, []byte("model says hello"))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !strings.HasPrefix(key, RunPrefix(runID.String())+KindRawResponse+"/") {
		t.Errorf("Key %q should live under the run's kind prefix", key)
	}
	if !strings.HasSuffix(key, ".txt") {
		t.Errorf("Raw response key should carry a .txt extension, got %q", key)
	}

	data, err := rec.Fetch(ctx, runID, KindRawResponse)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "model says hello" {
		t.Errorf("Fetch returned %q", data)
	}

	arts, err := records.ListArtifacts(ctx, runID)
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(arts) != 1 || arts[0].Key != key || arts[0].Bucket != "test-bucket" {
		t.Errorf("Artifact record not written: %+v", arts)
	}
}

func TestRecorderRecaptureKeepsEarlierPayloads(t *testing.T) {
	rec, objects, records, runID := newTestRecorder(t)
	ctx := context.Background()

	firstKey, err := rec.Capture(ctx, runID, KindBuildCode, []byte("attempt one"))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	secondKey, err := rec.Capture(ctx, runID, KindBuildCode, []byte("attempt two"))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if firstKey == secondKey {
		t.Fatal("Different payloads must land on different keys")
	}

	// The record points at the latest payload; the earlier object stays.
	data, err := rec.Fetch(ctx, runID, KindBuildCode)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != "attempt two" {
		t.Errorf("Fetch should return the current payload, got %q", data)
	}

	objs, err := objects.List(ctx, RunPrefix(runID.String()))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objs) != 2 {
		t.Errorf("Both payloads should survive, got %d objects", len(objs))
	}

	arts, _ := records.ListArtifacts(ctx, runID)
	if len(arts) != 1 {
		t.Errorf("Exactly one record per kind, got %d", len(arts))
	}
}

func TestRecorderCaptureIdenticalPayloadSameKey(t *testing.T) {
	rec, _, _, runID := newTestRecorder(t)
	ctx := context.Background()

	k1, _ := rec.Capture(ctx, runID, KindCommandLog, []byte("/setblock 0 64 0 minecraft:stone"))
	k2, _ := rec.Capture(ctx, runID, KindCommandLog, []byte("/setblock 0 64 0 minecraft:stone"))
	if k1 != k2 {
		t.Errorf("Identical payloads should be content-addressed to one key: %q vs %q", k1, k2)
	}
}

func TestRecorderFetchMissing(t *testing.T) {
	rec, _, _, runID := newTestRecorder(t)
	if _, err := rec.Fetch(context.Background(), runID, KindStructureFile); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestKeyAndContentTypePerKind(t *testing.T) {
	runID := uuid.New().String()
	cases := []struct {
		kind string
		ext  string
		mime string
	}{
		{KindCommandScript, ".json", "application/json"},
		{KindStructureFile, ".schem", "application/octet-stream"},
		{KindRenderImagePNG, ".png", "image/png"},
		{KindRenderedModelGLB, ".glb", "model/gltf-binary"},
		{KindComparisonSample, ".glb", "model/gltf-binary"},
		{KindRawResponse, ".txt", "text/plain"},
	}
	for _, c := range cases {
		key := Key(runID, c.kind, []byte("payload"))
		if !strings.HasSuffix(key, c.ext) {
			t.Errorf("%s: key %q should end in %s", c.kind, key, c.ext)
		}
		if got := ContentType(c.kind); got != c.mime {
			t.Errorf("%s: content type %q, want %q", c.kind, got, c.mime)
		}
	}
}
