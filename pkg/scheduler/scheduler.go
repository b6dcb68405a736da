// Package scheduler runs the periodic reconciliation loop: promoting due
// retries onto their queues, failing stalled attempts whose workers died,
// and sweeping orphaned sandbox containers. Everything it does is safe to
// repeat and safe to run from several processes at once; the state
// machine's version checks arbitrate.
package scheduler

import (
	"context"
	"time"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/queue"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/sandbox"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// Scheduler owns the reconciliation loop.
type Scheduler struct {
	store   run.Store
	queue   queue.Queue
	machine *pipeline.Machine
	reaper  *sandbox.Reaper
	log     *vlog.Logger

	// TickEvery is the loop period.
	TickEvery time.Duration

	// StallCutoff is how long an attempt may go without a heartbeat
	// before the scheduler declares its worker dead. It must exceed the
	// dispatcher's heartbeat interval by a wide margin.
	StallCutoff time.Duration

	// SweepEvery controls how many ticks pass between reaper sweeps.
	SweepEvery int

	// BatchLimit bounds how many stages each tick touches.
	BatchLimit int

	ticks int
}

// New builds a scheduler. The reaper is optional; API-only deployments run
// without one.
func New(store run.Store, q queue.Queue, machine *pipeline.Machine, reaper *sandbox.Reaper, log *vlog.Logger) *Scheduler {
	if log == nil {
		log = vlog.NewDefault()
	}
	return &Scheduler{
		store:       store,
		queue:       q,
		machine:     machine,
		reaper:      reaper,
		log:         log,
		TickEvery:   10 * time.Second,
		StallCutoff: 2 * time.Minute,
		SweepEvery:  6,
		BatchLimit:  100,
	}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.TickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass. Exported so tests can drive the
// scheduler synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.queue.PromoteDue(ctx, now); err != nil {
		s.log.Error("promoting delayed tasks failed", "err", err)
	} else if n > 0 {
		s.log.Info("promoted delayed tasks", "count", n)
	}

	s.failStalled(ctx, now)
	s.enqueueDueRetries(ctx, now)

	s.ticks++
	if s.reaper != nil && s.SweepEvery > 0 && s.ticks%s.SweepEvery == 0 {
		if n, err := s.reaper.Sweep(ctx); err != nil {
			s.log.Error("reaper sweep failed", "err", err)
		} else if n > 0 {
			s.log.Info("reaper sweep reclaimed containers", "count", n)
		}
	}
}

// failStalled fails every attempt whose heartbeat went silent. The fail
// uses the stage's current version as the lease, so a worker that is
// actually still alive and commits first simply wins the race.
func (s *Scheduler) failStalled(ctx context.Context, now time.Time) {
	stalled, err := s.store.StalledStages(ctx, now.Add(-s.StallCutoff), s.BatchLimit)
	if err != nil {
		s.log.Error("listing stalled stages failed", "err", err)
		return
	}
	for _, st := range stalled {
		lease := pipeline.Lease{
			RunID:   st.RunID,
			Kind:    st.Kind,
			Version: st.Version,
			Attempt: st.Attempts + 1,
		}
		s.log.Warn("failing stalled attempt",
			"run_id", st.RunID, "kind", st.Kind, "last_heartbeat", st.Heartbeat)
		state, err := s.machine.Fail(ctx, lease, pipeline.ErrLeaseExpired)
		if err != nil {
			s.log.Error("failing stalled attempt failed", "run_id", st.RunID, "kind", st.Kind, "err", err)
			continue
		}
		if state == run.StageRetryPending {
			fresh, err := s.store.GetStage(ctx, st.RunID, st.Kind)
			if err != nil {
				continue
			}
			task := queue.Task{RunID: st.RunID, Kind: st.Kind, Version: fresh.Version}
			if err := s.queue.PushDelayed(ctx, task, fresh.NotBefore); err != nil {
				s.log.Error("parking stalled retry failed", "run_id", st.RunID, "err", err)
			}
		}
	}
}

// enqueueDueRetries re-enqueues RETRY_PENDING stages whose backoff has
// elapsed but whose delayed task was lost (worker crashed between the fail
// transition and the park). Enqueueing is gated on queue capacity so a
// backlog cannot snowball; duplicates are harmless.
func (s *Scheduler) enqueueDueRetries(ctx context.Context, now time.Time) {
	due, err := s.store.DueRetries(ctx, now, s.BatchLimit)
	if err != nil {
		s.log.Error("listing due retries failed", "err", err)
		return
	}
	for _, st := range due {
		depth, err := s.queue.Len(ctx, st.Kind)
		if err != nil {
			s.log.Error("reading queue depth failed", "queue", st.Kind.Queue(), "err", err)
			continue
		}
		if max := s.machine.Policy(st.Kind).MaxQueued; max > 0 && depth >= max {
			continue
		}
		task := queue.Task{RunID: st.RunID, Kind: st.Kind, Version: st.Version}
		if err := s.queue.Push(ctx, task); err != nil {
			s.log.Error("enqueueing due retry failed", "run_id", st.RunID, "kind", st.Kind, "err", err)
		}
	}
}
