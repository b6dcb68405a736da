package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxelbench/voxelbench/pkg/queue"
	"github.com/voxelbench/voxelbench/pkg/run"
)

func newTestDispatcher(t *testing.T, p Policy) (*Dispatcher, *run.MemStore, *queue.MemQueue, *run.Run) {
	t.Helper()
	store := run.NewMemStore()
	q := queue.NewMemQueue()
	m := NewMachine(store, testPolicies(p), nil)
	d := NewDispatcher(m, store, q, nil, nil)
	d.HeartbeatEvery = 0
	d.PopWait = 10 * time.Millisecond

	r := run.NewRun("build a bridge", "test-model", "default")
	if err := store.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return d, store, q, r
}

func countingHandler(kind run.StageKind, calls *atomic.Int32, fn func() ([]byte, error)) Handler {
	return HandlerFunc{
		StageKind: kind,
		Fn: func(ctx context.Context, sc *StageContext) ([]byte, error) {
			calls.Add(1)
			return fn()
		},
	}
}

func TestDispatchCompletesAndChainsNextStage(t *testing.T) {
	d, store, q, r := newTestDispatcher(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	var calls atomic.Int32
	d.Register(countingHandler(run.StagePromptExecution, &calls, func() ([]byte, error) {
		return []byte(`{"response_len":42}`), nil
	}))

	d.Dispatch(ctx, queue.Task{RunID: r.ID, Kind: run.StagePromptExecution})

	if calls.Load() != 1 {
		t.Fatalf("Expected 1 handler call, got %d", calls.Load())
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StageCompleted {
		t.Errorf("Expected COMPLETED, got %s", st.State)
	}

	next, err := q.Pop(ctx, run.StageResponseParsing, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected a chained task for the next stage: %v", err)
	}
	if next.RunID != r.ID {
		t.Errorf("Chained task names the wrong run: %s", next.RunID)
	}
	// The successor record has never been swapped, so the enqueue-time
	// version hint is still zero.
	if next.Version != 0 {
		t.Errorf("Chained task carries unexpected version %d", next.Version)
	}
}

func TestDispatchDuplicateDeliveryRunsHandlerOnce(t *testing.T) {
	d, _, _, r := newTestDispatcher(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	var calls atomic.Int32
	d.Register(countingHandler(run.StagePromptExecution, &calls, func() ([]byte, error) {
		return nil, nil
	}))

	task := queue.Task{RunID: r.ID, Kind: run.StagePromptExecution}
	d.Dispatch(ctx, task)
	d.Dispatch(ctx, task)
	d.Dispatch(ctx, task)

	if calls.Load() != 1 {
		t.Errorf("Duplicate deliveries must not re-run the handler, got %d calls", calls.Load())
	}
}

func TestDispatchTransientFailureParksRetry(t *testing.T) {
	d, store, q, r := newTestDispatcher(t, Policy{MaxAttempts: 3, BackoffBase: time.Minute})
	ctx := context.Background()

	var calls atomic.Int32
	d.Register(countingHandler(run.StagePromptExecution, &calls, func() ([]byte, error) {
		return nil, Transientf("endpoint returned 503")
	}))

	d.Dispatch(ctx, queue.Task{RunID: r.ID, Kind: run.StagePromptExecution})

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StageRetryPending {
		t.Fatalf("Expected RETRY_PENDING, got %s", st.State)
	}
	if q.DelayedLen() != 1 {
		t.Errorf("Expected 1 parked retry task, got %d", q.DelayedLen())
	}

	// Promoting before the backoff window elapses must not start an
	// attempt; the dispatcher re-parks the early task.
	if _, err := q.PromoteDue(ctx, time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	early, err := q.Pop(ctx, run.StagePromptExecution, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected promoted task: %v", err)
	}
	d.Dispatch(ctx, early)

	if calls.Load() != 1 {
		t.Errorf("Early delivery must not run the handler, got %d calls", calls.Load())
	}
	if q.DelayedLen() != 1 {
		t.Errorf("Early delivery should be re-parked, got %d delayed", q.DelayedLen())
	}
}

func TestDispatchPermanentFailureResolvesRun(t *testing.T) {
	d, store, q, r := newTestDispatcher(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	var calls atomic.Int32
	d.Register(countingHandler(run.StagePromptExecution, &calls, func() ([]byte, error) {
		return nil, Permanentf("response contains no code section")
	}))

	d.Dispatch(ctx, queue.Task{RunID: r.ID, Kind: run.StagePromptExecution})

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StageFailed {
		t.Fatalf("Expected FAILED, got %s", st.State)
	}
	if q.DelayedLen() != 0 {
		t.Errorf("Permanent failure must not schedule a retry, got %d delayed", q.DelayedLen())
	}

	got, _ := store.GetRun(ctx, r.ID)
	if got.State != run.RunFailed {
		t.Errorf("Expected run FAILED, got %s", got.State)
	}
}

func TestDispatchDropsRetiredRun(t *testing.T) {
	d, store, _, r := newTestDispatcher(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	var calls atomic.Int32
	d.Register(countingHandler(run.StagePromptExecution, &calls, func() ([]byte, error) {
		return nil, nil
	}))

	if err := store.RetireRun(ctx, r.ID); err != nil {
		t.Fatalf("RetireRun failed: %v", err)
	}
	d.Dispatch(ctx, queue.Task{RunID: r.ID, Kind: run.StagePromptExecution})

	if calls.Load() != 0 {
		t.Errorf("Retired run tasks must be dropped, got %d calls", calls.Load())
	}
	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StagePending {
		t.Errorf("Retired run stage should stay PENDING, got %s", st.State)
	}
}
