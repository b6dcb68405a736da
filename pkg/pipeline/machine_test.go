package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxelbench/voxelbench/pkg/run"
)

func testPolicies(p Policy) map[run.StageKind]Policy {
	policies := make(map[run.StageKind]Policy)
	for _, kind := range run.StageOrder {
		policies[kind] = p
	}
	return policies
}

func newTestMachine(t *testing.T, p Policy) (*Machine, *run.MemStore, *run.Run) {
	t.Helper()
	store := run.NewMemStore()
	m := NewMachine(store, testPolicies(p), nil)
	r := run.NewRun("build a lighthouse", "test-model", "default")
	if err := store.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return m, store, r
}

func TestBeginAcquiresLease(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	lease, err := m.Begin(ctx, r.ID, run.StagePromptExecution)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if lease.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", lease.Attempt)
	}

	st, err := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if err != nil {
		t.Fatalf("GetStage failed: %v", err)
	}
	if st.State != run.StageInProgress {
		t.Errorf("Expected IN_PROGRESS, got %s", st.State)
	}
	if st.StartedAt == nil {
		t.Error("StartedAt should be set after begin")
	}
	if st.Heartbeat.IsZero() {
		t.Error("Heartbeat should be set after begin")
	}

	got, err := store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != run.RunInProgress {
		t.Errorf("Expected run IN_PROGRESS, got %s", got.State)
	}
}

func TestBeginSingleWinnerUnderContention(t *testing.T) {
	m, _, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	won, dropped := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Begin(ctx, r.ID, run.StagePromptExecution)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrAlreadyRunning):
				dropped++
			default:
				t.Errorf("unexpected Begin error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("Expected exactly one winner, got %d", won)
	}
	if dropped != racers-1 {
		t.Errorf("Expected %d drops, got %d", racers-1, dropped)
	}
}

func TestBeginDuplicateDeliveryIsNoOp(t *testing.T) {
	m, _, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	if _, err := m.Begin(ctx, r.ID, run.StagePromptExecution); err != nil {
		t.Fatalf("first Begin failed: %v", err)
	}
	if _, err := m.Begin(ctx, r.ID, run.StagePromptExecution); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestFailTransientSchedulesRetry(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Minute})
	ctx := context.Background()

	lease, err := m.Begin(ctx, r.ID, run.StagePromptExecution)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	state, err := m.Fail(ctx, lease, Transientf("endpoint returned 503"))
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if state != run.StageRetryPending {
		t.Fatalf("Expected RETRY_PENDING, got %s", state)
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", st.Attempts)
	}
	if st.NotBefore.Before(time.Now().Add(30 * time.Second)) {
		t.Errorf("Expected backoff window of about a minute, got %s", time.Until(st.NotBefore))
	}
	if !strings.Contains(st.LastError, "attempt 1: endpoint returned 503") {
		t.Errorf("LastError should record the attempt, got %q", st.LastError)
	}

	// The window has not elapsed, so the stage is not startable yet.
	if _, err := m.Begin(ctx, r.ID, run.StagePromptExecution); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Expected ErrNotEligible inside backoff window, got %v", err)
	}
}

func TestFailTransientRetryAfterBackoff(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Millisecond})
	ctx := context.Background()

	lease, _ := m.Begin(ctx, r.ID, run.StagePromptExecution)
	if _, err := m.Fail(ctx, lease, Transientf("flaky")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	lease, err := m.Begin(ctx, r.ID, run.StagePromptExecution)
	if err != nil {
		t.Fatalf("Begin after backoff failed: %v", err)
	}
	if lease.Attempt != 2 {
		t.Errorf("Expected attempt 2, got %d", lease.Attempt)
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StageInRetry {
		t.Errorf("Expected IN_RETRY, got %s", st.State)
	}
}

func TestFailExhaustsAttemptBudget(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 2, BackoffBase: time.Millisecond})
	ctx := context.Background()

	lease, _ := m.Begin(ctx, r.ID, run.StagePromptExecution)
	state, err := m.Fail(ctx, lease, Transientf("flaky once"))
	if err != nil {
		t.Fatalf("first Fail failed: %v", err)
	}
	if state != run.StageRetryPending {
		t.Fatalf("Expected RETRY_PENDING after first failure, got %s", state)
	}

	time.Sleep(10 * time.Millisecond)
	lease, err = m.Begin(ctx, r.ID, run.StagePromptExecution)
	if err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}

	// Second transient failure hits the ceiling: attempts == MaxAttempts.
	state, err = m.Fail(ctx, lease, Transientf("flaky twice"))
	if err != nil {
		t.Fatalf("second Fail failed: %v", err)
	}
	if state != run.StageFailed {
		t.Fatalf("Expected FAILED at the attempt ceiling, got %s", state)
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", st.Attempts)
	}
	if st.EndedAt == nil {
		t.Error("EndedAt should be set on terminal failure")
	}
	if lines := strings.Split(st.LastError, "\n"); len(lines) != 2 {
		t.Errorf("Expected 2 error lines, got %d: %q", len(lines), st.LastError)
	}

	got, _ := store.GetRun(ctx, r.ID)
	if got.State != run.RunFailed {
		t.Errorf("Expected run FAILED, got %s", got.State)
	}
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 5, BackoffBase: time.Millisecond})
	ctx := context.Background()

	lease, _ := m.Begin(ctx, r.ID, run.StagePromptExecution)
	state, err := m.Fail(ctx, lease, Permanentf("response contains no code section"))
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if state != run.StageFailed {
		t.Fatalf("Expected FAILED for a permanent cause, got %s", state)
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.Attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", st.Attempts)
	}
}

func TestCompleteResolvesStageAndRun(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	for _, kind := range run.StageOrder {
		lease, err := m.Begin(ctx, r.ID, kind)
		if err != nil {
			t.Fatalf("Begin %s failed: %v", kind, err)
		}
		if err := m.Complete(ctx, lease, []byte(`{"ok":true}`)); err != nil {
			t.Fatalf("Complete %s failed: %v", kind, err)
		}
	}

	got, _ := store.GetRun(ctx, r.ID)
	if got.State != run.RunCompleted {
		t.Errorf("Expected run COMPLETED, got %s", got.State)
	}
	for _, st := range got.SortedStages() {
		if st.State != run.StageCompleted {
			t.Errorf("Stage %s should be COMPLETED, got %s", st.Kind, st.State)
		}
		if len(st.Result) == 0 {
			t.Errorf("Stage %s should carry its result payload", st.Kind)
		}
	}
}

func TestStaleLeaseCannotCommit(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 3, BackoffBase: time.Second})
	ctx := context.Background()

	lease, _ := m.Begin(ctx, r.ID, run.StagePromptExecution)
	if err := m.Complete(ctx, lease, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// The lease's version is now behind the stage's: both Complete and
	// Fail must drop without touching the record.
	if err := m.Complete(ctx, lease, []byte("late")); err != nil {
		t.Errorf("stale Complete should be a silent no-op, got %v", err)
	}
	if _, err := m.Fail(ctx, lease, Transientf("late failure")); err != nil {
		t.Errorf("stale Fail should be a silent no-op, got %v", err)
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StageCompleted {
		t.Errorf("Expected COMPLETED to survive stale writes, got %s", st.State)
	}
	if st.Attempts != 0 {
		t.Errorf("stale Fail should not count an attempt, got %d", st.Attempts)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	m, store, r := newTestMachine(t, Policy{MaxAttempts: 1, BackoffBase: time.Second})
	ctx := context.Background()

	if err := m.Retry(ctx, r.ID, run.StagePromptExecution); !errors.Is(err, ErrRetryNotAllowed) {
		t.Errorf("Expected ErrRetryNotAllowed for a pending stage, got %v", err)
	}

	lease, _ := m.Begin(ctx, r.ID, run.StagePromptExecution)
	if _, err := m.Fail(ctx, lease, Transientf("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if err := m.Retry(ctx, r.ID, run.StagePromptExecution); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	st, _ := store.GetStage(ctx, r.ID, run.StagePromptExecution)
	if st.State != run.StageRetryPending {
		t.Errorf("Expected RETRY_PENDING after retry, got %s", st.State)
	}
	if st.Attempts != 0 {
		t.Errorf("Retry should reset the attempt budget, got %d", st.Attempts)
	}
	if !strings.Contains(st.LastError, "attempt 1: boom") {
		t.Errorf("Retry should keep prior error history, got %q", st.LastError)
	}

	got, _ := store.GetRun(ctx, r.ID)
	if got.State != run.RunInRetry {
		t.Errorf("Expected run IN_RETRY after operator retry, got %s", got.State)
	}
}

func TestNextEligibleStage(t *testing.T) {
	m, _, _ := newTestMachine(t, Policy{MaxAttempts: 3})

	r := run.NewRun("p", "m", "t")
	kind, ok := m.NextEligibleStage(r)
	if !ok || kind != run.StagePromptExecution {
		t.Errorf("Expected PROMPT_EXECUTION first, got %s (%v)", kind, ok)
	}

	r.Stage(run.StagePromptExecution).State = run.StageCompleted
	kind, ok = m.NextEligibleStage(r)
	if !ok || kind != run.StageResponseParsing {
		t.Errorf("Expected RESPONSE_PARSING next, got %s (%v)", kind, ok)
	}

	r.Stage(run.StageResponseParsing).State = run.StageFailed
	if _, ok := m.NextEligibleStage(r); ok {
		t.Error("A failed stage should block further eligibility")
	}

	r.Stage(run.StageResponseParsing).State = run.StageCompleted
	r.Retired = true
	if _, ok := m.NextEligibleStage(r); ok {
		t.Error("A retired run should have no eligible stage")
	}

	r.Retired = false
	for _, st := range r.Stages {
		st.State = run.StageCompleted
	}
	if _, ok := m.NextEligibleStage(r); ok {
		t.Error("A fully completed run should have no eligible stage")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{BackoffBase: 10 * time.Second, BackoffMax: 35 * time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 35 * time.Second},
		{4, 35 * time.Second},
	}
	for _, c := range cases {
		if got := backoff(p, c.attempts); got != c.want {
			t.Errorf("backoff(attempts=%d) = %s, want %s", c.attempts, got, c.want)
		}
	}

	// An unset base still yields a usable delay.
	if got := backoff(Policy{}, 1); got != time.Second {
		t.Errorf("backoff with zero base = %s, want 1s", got)
	}
}
