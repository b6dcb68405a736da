// Package pipeline implements the run state machine and the stage
// dispatcher: all stage-state transitions happen here and nowhere else.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// Policy is the per-stage-kind retry configuration. MaxAttempts counts total
// attempts: a stage fails terminally on its MaxAttempts-th transient failure.
// These are operational inputs loaded from the stage-policy file.
type Policy struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	Workers      int           `mapstructure:"workers"`
	MaxQueued    int           `mapstructure:"max_queued"`
}

// Lease proves a worker holds exclusive rights to advance one stage attempt.
// Version is the stage's version after the Begin swap; Complete and Fail use
// it as the compare-and-swap expectation, so a stale lease cannot commit.
type Lease struct {
	RunID   uuid.UUID
	Kind    run.StageKind
	Version int64
	Attempt int
}

// Machine is the run state machine: pure transition logic over the Stage
// Record Store, arbitrated by the version column (optimistic concurrency, no
// separate lock service).
type Machine struct {
	store    run.Store
	policies map[run.StageKind]Policy
	log      *vlog.Logger
	now      func() time.Time
}

// NewMachine builds a state machine over the given store with per-kind
// retry policies.
func NewMachine(store run.Store, policies map[run.StageKind]Policy, log *vlog.Logger) *Machine {
	if log == nil {
		log = vlog.NewDefault()
	}
	return &Machine{
		store:    store,
		policies: policies,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the retry policy for a stage kind.
func (m *Machine) Policy(kind run.StageKind) Policy {
	return m.policies[kind]
}

// NextEligibleStage returns the lowest-ordered stage kind not yet COMPLETED,
// or false when the run is resolved (completed, failed, or retired).
func (m *Machine) NextEligibleStage(r *run.Run) (run.StageKind, bool) {
	if r.Retired {
		return "", false
	}
	for _, kind := range run.StageOrder {
		st := r.Stage(kind)
		if st == nil {
			return "", false
		}
		switch st.State {
		case run.StageCompleted:
			continue
		case run.StageFailed:
			return "", false
		default:
			return kind, true
		}
	}
	return "", false
}

// Begin atomically moves a startable stage into execution and returns the
// lease. PENDING becomes IN_PROGRESS; RETRY_PENDING becomes IN_RETRY once
// its backoff window has elapsed. A lost compare-and-swap or an already
// held/resolved stage yields ErrAlreadyRunning: duplicate deliveries are
// safe no-ops.
func (m *Machine) Begin(ctx context.Context, runID uuid.UUID, kind run.StageKind) (Lease, error) {
	st, err := m.store.GetStage(ctx, runID, kind)
	if err != nil {
		return Lease{}, err
	}

	if !st.State.Startable() {
		return Lease{}, ErrAlreadyRunning
	}

	now := m.now()
	if st.State == run.StageRetryPending && st.NotBefore.After(now) {
		return Lease{}, ErrNotEligible
	}

	expected := st.Version
	if st.State == run.StagePending {
		st.State = run.StageInProgress
	} else {
		st.State = run.StageInRetry
	}
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.Heartbeat = now
	st.NotBefore = time.Time{}

	ok, err := m.store.SwapStage(ctx, st, expected)
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, ErrAlreadyRunning
	}

	runState := run.RunInProgress
	if st.State == run.StageInRetry {
		runState = run.RunInRetry
	}
	if err := m.store.SetRunState(ctx, runID, runState); err != nil {
		m.log.Warn("failed to update run state after begin", "run_id", runID, "err", err)
	}

	return Lease{RunID: runID, Kind: kind, Version: st.Version, Attempt: st.Attempts + 1}, nil
}

// Complete resolves a held stage as COMPLETED and attaches its result
// payload. A stale lease is a logged no-op.
func (m *Machine) Complete(ctx context.Context, lease Lease, result []byte) error {
	st, err := m.store.GetStage(ctx, lease.RunID, lease.Kind)
	if err != nil {
		return err
	}
	if st.Version != lease.Version {
		m.log.Warn("stale lease on complete, dropping",
			"run_id", lease.RunID, "kind", lease.Kind,
			"lease_version", lease.Version, "stage_version", st.Version)
		return nil
	}

	now := m.now()
	st.State = run.StageCompleted
	st.EndedAt = &now
	st.Result = result
	st.Heartbeat = time.Time{}

	ok, err := m.store.SwapStage(ctx, st, lease.Version)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Warn("lost complete race, dropping", "run_id", lease.RunID, "kind", lease.Kind)
		return nil
	}

	return m.refreshRunState(ctx, lease.RunID)
}

// Fail records a failed attempt. Transient causes re-enter RETRY_PENDING
// with exponential backoff while attempts remain below the kind's ceiling;
// everything else (including every non-transient cause, regardless of
// budget) resolves the stage FAILED and the run with it. Returns the
// resulting stage state so the dispatcher can schedule the re-enqueue.
func (m *Machine) Fail(ctx context.Context, lease Lease, cause error) (run.StageState, error) {
	st, err := m.store.GetStage(ctx, lease.RunID, lease.Kind)
	if err != nil {
		return "", err
	}
	if st.Version != lease.Version {
		m.log.Warn("stale lease on fail, dropping",
			"run_id", lease.RunID, "kind", lease.Kind,
			"lease_version", lease.Version, "stage_version", st.Version)
		return st.State, nil
	}

	now := m.now()
	st.Attempts++
	st.LastError = appendAttemptError(st.LastError, st.Attempts, cause)
	st.Heartbeat = time.Time{}

	policy := m.policies[lease.Kind]
	if IsTransient(cause) && st.Attempts < policy.MaxAttempts {
		st.State = run.StageRetryPending
		st.NotBefore = now.Add(backoff(policy, st.Attempts))
	} else {
		st.State = run.StageFailed
		st.EndedAt = &now
	}

	ok, err := m.store.SwapStage(ctx, st, lease.Version)
	if err != nil {
		return "", err
	}
	if !ok {
		m.log.Warn("lost fail race, dropping", "run_id", lease.RunID, "kind", lease.Kind)
		return st.State, nil
	}

	if st.State == run.StageFailed {
		if err := m.store.SetRunState(ctx, lease.RunID, run.RunFailed); err != nil {
			return st.State, err
		}
		m.log.Error("stage failed terminally",
			"run_id", lease.RunID, "kind", lease.Kind,
			"attempts", st.Attempts, "cause", cause)
	}

	return st.State, nil
}

// Retry is the operator entry point: legal only for a terminally FAILED
// stage. The attempt budget resets but prior attempts' error text is kept.
func (m *Machine) Retry(ctx context.Context, runID uuid.UUID, kind run.StageKind) error {
	st, err := m.store.GetStage(ctx, runID, kind)
	if err != nil {
		return err
	}
	if st.State != run.StageFailed {
		return fmt.Errorf("%w: stage %s is %s", ErrRetryNotAllowed, kind, st.State)
	}

	expected := st.Version
	st.State = run.StageRetryPending
	st.Attempts = 0
	st.NotBefore = m.now()
	st.EndedAt = nil

	ok, err := m.store.SwapStage(ctx, st, expected)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}

	return m.store.SetRunState(ctx, runID, run.RunInRetry)
}

// refreshRunState recomputes and stores the run's derived status.
func (m *Machine) refreshRunState(ctx context.Context, runID uuid.UUID) error {
	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return m.store.SetRunState(ctx, runID, run.DeriveRunState(r.Stages))
}

// backoff computes the delay before the next attempt: base doubled per
// failed attempt, capped at the policy maximum.
func backoff(p Policy, attempts int) time.Duration {
	d := p.BackoffBase
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

func appendAttemptError(history string, attempt int, cause error) string {
	line := fmt.Sprintf("attempt %d: %v", attempt, cause)
	if history == "" {
		return line
	}
	return history + "\n" + line
}
