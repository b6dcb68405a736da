package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
)

func TestTaskWireRoundTrip(t *testing.T) {
	in := Task{RunID: uuid.New(), Kind: run.StageBuilding, Version: 7}

	data, err := EncodeTask(in)
	if err != nil {
		t.Fatalf("EncodeTask failed: %v", err)
	}
	out, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestDecodeTaskRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not json"},
		{"nil run id", `{"run_id":"00000000-0000-0000-0000-000000000000","kind":"BUILDING"}`},
		{"unknown kind", `{"run_id":"` + uuid.New().String() + `","kind":"SHIPPING"}`},
		{"missing kind", `{"run_id":"` + uuid.New().String() + `"}`},
	}
	for _, c := range cases {
		if _, err := DecodeTask([]byte(c.data)); err == nil {
			t.Errorf("%s: expected decode error", c.name)
		}
	}
}

func TestMemQueueFIFOPerKind(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	first := Task{RunID: uuid.New(), Kind: run.StagePromptExecution}
	second := Task{RunID: uuid.New(), Kind: run.StagePromptExecution}
	other := Task{RunID: uuid.New(), Kind: run.StageBuilding}

	for _, task := range []Task{first, other, second} {
		if err := q.Push(ctx, task); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	if n, _ := q.Len(ctx, run.StagePromptExecution); n != 2 {
		t.Errorf("Expected 2 prompt tasks, got %d", n)
	}

	got, err := q.Pop(ctx, run.StagePromptExecution, time.Millisecond)
	if err != nil || got != first {
		t.Errorf("Expected first task, got %+v (%v)", got, err)
	}
	got, err = q.Pop(ctx, run.StagePromptExecution, time.Millisecond)
	if err != nil || got != second {
		t.Errorf("Expected second task, got %+v (%v)", got, err)
	}
	got, err = q.Pop(ctx, run.StageBuilding, time.Millisecond)
	if err != nil || got != other {
		t.Errorf("Expected building task, got %+v (%v)", got, err)
	}
}

func TestMemQueuePopTimesOutEmpty(t *testing.T) {
	q := NewMemQueue()
	if _, err := q.Pop(context.Background(), run.StageRendering, 5*time.Millisecond); err != ErrEmpty {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}

func TestMemQueueDelayedNotVisibleUntilPromoted(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	now := time.Now()

	due := Task{RunID: uuid.New(), Kind: run.StageBuilding}
	later := Task{RunID: uuid.New(), Kind: run.StageBuilding}
	if err := q.PushDelayed(ctx, due, now.Add(-time.Second)); err != nil {
		t.Fatalf("PushDelayed failed: %v", err)
	}
	if err := q.PushDelayed(ctx, later, now.Add(time.Hour)); err != nil {
		t.Fatalf("PushDelayed failed: %v", err)
	}

	if _, err := q.Pop(ctx, run.StageBuilding, time.Millisecond); err != ErrEmpty {
		t.Fatalf("Delayed tasks must be invisible before promotion, got %v", err)
	}

	promoted, err := q.PromoteDue(ctx, now)
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if promoted != 1 {
		t.Errorf("Expected 1 promoted task, got %d", promoted)
	}
	if q.DelayedLen() != 1 {
		t.Errorf("The future task should stay parked, got %d delayed", q.DelayedLen())
	}

	got, err := q.Pop(ctx, run.StageBuilding, time.Millisecond)
	if err != nil || got != due {
		t.Errorf("Expected the due task, got %+v (%v)", got, err)
	}
}

func TestMemQueuePopWakesOnPush(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	task := Task{RunID: uuid.New(), Kind: run.StageRendering}

	done := make(chan Task, 1)
	go func() {
		got, err := q.Pop(ctx, run.StageRendering, time.Second)
		if err != nil {
			t.Errorf("Pop failed: %v", err)
		}
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Push(ctx, task); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case got := <-done:
		if got != task {
			t.Errorf("Expected pushed task, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on push")
	}
}
