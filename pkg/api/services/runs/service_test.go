package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/progress"
	"github.com/voxelbench/voxelbench/pkg/queue"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/token"
)

func newTestService(t *testing.T) (*Service, *run.MemStore, *queue.MemQueue, *pipeline.Machine) {
	t.Helper()
	store := run.NewMemStore()
	q := queue.NewMemQueue()
	policies := make(map[run.StageKind]pipeline.Policy)
	for _, kind := range run.StageOrder {
		policies[kind] = pipeline.Policy{MaxAttempts: 1, BackoffBase: time.Second}
	}
	machine := pipeline.NewMachine(store, policies, nil)
	notes := progress.NewNotes(progress.NewMemStore(), time.Minute)
	objects := artifact.NewMemStore("test-bucket")
	minter := token.NewMinter([]byte("0123456789abcdef0123456789abcdef"), "voxeld", time.Hour)

	svc := New(store, q, machine, notes, objects, minter, nil)
	return svc, store, q, machine
}

func TestCreateEnqueuesFirstStage(t *testing.T) {
	svc, store, q, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, "a lighthouse", "test-model", "default")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != run.RunCreated {
		t.Errorf("Expected CREATED, got %s", got.State)
	}

	task, err := q.Pop(ctx, run.StagePromptExecution, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected the first stage enqueued: %v", err)
	}
	if task.RunID != r.ID || task.Version != 0 {
		t.Errorf("Unexpected first task %+v", task)
	}
}

func TestRetryStageRules(t *testing.T) {
	svc, store, q, machine := newTestService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, "a bridge", "test-model", "default")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	q.Pop(ctx, run.StagePromptExecution, time.Millisecond)

	// Not failed yet: retry is refused.
	if err := svc.RetryStage(ctx, r.ID, run.StagePromptExecution); !errors.Is(err, pipeline.ErrRetryNotAllowed) {
		t.Errorf("Expected ErrRetryNotAllowed, got %v", err)
	}

	lease, _ := machine.Begin(ctx, r.ID, run.StagePromptExecution)
	if _, err := machine.Fail(ctx, lease, pipeline.Transientf("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if err := svc.RetryStage(ctx, r.ID, run.StagePromptExecution); err != nil {
		t.Fatalf("RetryStage failed: %v", err)
	}
	if _, err := q.Pop(ctx, run.StagePromptExecution, 10*time.Millisecond); err != nil {
		t.Errorf("Retry should enqueue the stage: %v", err)
	}

	// Retired runs refuse operator retries.
	if err := store.RetireRun(ctx, r.ID); err != nil {
		t.Fatalf("RetireRun failed: %v", err)
	}
	if err := svc.RetryStage(ctx, r.ID, run.StagePromptExecution); !errors.Is(err, ErrRetired) {
		t.Errorf("Expected ErrRetired, got %v", err)
	}
}

func TestProgressTokenFlow(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, "a tower", "test-model", "default")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tok, err := svc.MintStageToken(ctx, r.ID, run.StageBuilding)
	if err != nil {
		t.Fatalf("MintStageToken failed: %v", err)
	}

	if err := svc.RecordProgress(ctx, tok, "placed 10/50 commands"); err != nil {
		t.Fatalf("RecordProgress failed: %v", err)
	}
	if err := svc.RecordProgress(ctx, "garbage", "x"); !errors.Is(err, token.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for a bad token, got %v", err)
	}

	// The note shows up on the run response while the stage is live.
	got, _ := svc.Get(ctx, r.ID)
	got.Stage(run.StageBuilding).State = run.StageInProgress
	resp := svc.ToResponse(ctx, got)
	for _, st := range resp.Stages {
		if st.Kind == string(run.StageBuilding) && st.Progress != "placed 10/50 commands" {
			t.Errorf("Progress = %q", st.Progress)
		}
	}
}

func TestMintStageTokenUnknownRun(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.MintStageToken(context.Background(), uuid.New(), run.StageBuilding); !errors.Is(err, run.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestArtifactURL(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, "a dome", "test-model", "default")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.ArtifactURL(ctx, r.ID, artifact.KindStructureFile, time.Minute); !errors.Is(err, run.ErrNotFound) {
		t.Errorf("Expected ErrNotFound with no artifacts, got %v", err)
	}

	rec := artifact.NewRecorder(svc.objects, store, "test-bucket")
	if _, err := rec.Capture(ctx, r.ID, artifact.KindStructureFile, []byte("schem")); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	url, err := svc.ArtifactURL(ctx, r.ID, artifact.KindStructureFile, time.Minute)
	if err != nil {
		t.Fatalf("ArtifactURL failed: %v", err)
	}
	if url == "" {
		t.Error("Expected a presigned URL")
	}
}
