package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/queue"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// Handler executes one stage kind. Execute returns the stage result payload
// on success; the returned error's classification (transient or permanent)
// decides whether the attempt is retried. Handlers never touch stage state
// directly.
type Handler interface {
	Kind() run.StageKind
	Execute(ctx context.Context, sc *StageContext) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	StageKind run.StageKind
	Fn        func(ctx context.Context, sc *StageContext) ([]byte, error)
}

func (h HandlerFunc) Kind() run.StageKind { return h.StageKind }

func (h HandlerFunc) Execute(ctx context.Context, sc *StageContext) ([]byte, error) {
	return h.Fn(ctx, sc)
}

// ProgressSink receives free-form progress notes from running stages so
// operators can see what a long stage is doing between state transitions.
type ProgressSink interface {
	Note(ctx context.Context, runID uuid.UUID, kind run.StageKind, note string) error
}

// NopProgress discards progress notes.
type NopProgress struct{}

func (NopProgress) Note(context.Context, uuid.UUID, run.StageKind, string) error { return nil }

// StageContext is everything a handler gets about the attempt it is
// executing: a snapshot of the run taken after the lease was won, the lease
// itself, and a progress callback.
type StageContext struct {
	Run   *run.Run
	Lease Lease

	progress ProgressSink
}

// Progress publishes a progress note for the running attempt. Failures to
// publish are swallowed: notes are advisory.
func (sc *StageContext) Progress(ctx context.Context, format string, args ...any) {
	if sc.progress == nil {
		return
	}
	_ = sc.progress.Note(ctx, sc.Lease.RunID, sc.Lease.Kind, fmt.Sprintf(format, args...))
}

// Dispatcher consumes stage tasks, drives attempts through the state
// machine, and chains completed stages into their successors. It owns all
// retry scheduling: handlers report errors, the dispatcher re-enqueues.
type Dispatcher struct {
	machine  *Machine
	store    run.Store
	queue    queue.Queue
	handlers map[run.StageKind]Handler
	progress ProgressSink
	log      *vlog.Logger

	// HeartbeatEvery controls how often a running attempt refreshes its
	// stage heartbeat. The scheduler's stall cutoff must exceed it.
	HeartbeatEvery time.Duration

	// PopWait bounds each blocking queue read so shutdown is prompt.
	PopWait time.Duration
}

// NewDispatcher wires a dispatcher over the machine, store, and queue.
func NewDispatcher(m *Machine, store run.Store, q queue.Queue, progress ProgressSink, log *vlog.Logger) *Dispatcher {
	if progress == nil {
		progress = NopProgress{}
	}
	if log == nil {
		log = vlog.NewDefault()
	}
	return &Dispatcher{
		machine:        m,
		store:          store,
		queue:          q,
		handlers:       make(map[run.StageKind]Handler),
		progress:       progress,
		log:            log,
		HeartbeatEvery: 15 * time.Second,
		PopWait:        2 * time.Second,
	}
}

// Register installs the handler for its stage kind, replacing any previous
// registration.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Kind()] = h
}

// Run starts the per-kind worker pools and blocks until ctx is cancelled
// and all in-flight attempts have finished.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for kind := range d.handlers {
		workers := d.machine.Policy(kind).Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(kind run.StageKind) {
				defer wg.Done()
				d.consume(ctx, kind)
			}(kind)
		}
	}
	wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, kind run.StageKind) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := d.queue.Pop(ctx, kind, d.PopWait)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			d.log.Error("queue pop failed", "queue", kind.Queue(), "err", err)
			continue
		}
		d.Dispatch(ctx, task)
	}
}

// Dispatch runs a single task to completion: lease, execute, resolve. It is
// exported so tests and the scheduler can drive tasks synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, task queue.Task) {
	handler, ok := d.handlers[task.Kind]
	if !ok {
		d.log.Error("no handler registered, dropping task", "kind", task.Kind, "run_id", task.RunID)
		return
	}

	r, err := d.store.GetRun(ctx, task.RunID)
	if err != nil {
		d.log.Error("failed to load run, dropping task", "run_id", task.RunID, "err", err)
		return
	}
	if r.Retired {
		d.log.Info("run retired, dropping task", "run_id", task.RunID, "kind", task.Kind)
		return
	}

	lease, err := d.machine.Begin(ctx, task.RunID, task.Kind)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			// Duplicate delivery or already resolved: drop silently.
			return
		case errors.Is(err, ErrNotEligible):
			// Delivered before the backoff window elapsed: park it again.
			st, gerr := d.store.GetStage(ctx, task.RunID, task.Kind)
			if gerr != nil {
				d.log.Error("failed to reload early task", "run_id", task.RunID, "err", gerr)
				return
			}
			if perr := d.queue.PushDelayed(ctx, task, st.NotBefore); perr != nil {
				d.log.Error("failed to re-park early task", "run_id", task.RunID, "err", perr)
			}
			return
		default:
			d.log.Error("begin failed", "run_id", task.RunID, "kind", task.Kind, "err", err)
			return
		}
	}

	d.log.Info("stage attempt started",
		"run_id", task.RunID, "kind", task.Kind, "attempt", lease.Attempt)

	result, execErr := d.execute(ctx, handler, r, lease)
	if execErr == nil {
		d.resolveComplete(ctx, lease, result)
		return
	}
	d.resolveFail(ctx, lease, execErr)
}

// execute runs the handler under the stage timeout with a live heartbeat.
func (d *Dispatcher) execute(ctx context.Context, handler Handler, r *run.Run, lease Lease) ([]byte, error) {
	policy := d.machine.Policy(lease.Kind)
	execCtx := ctx
	if policy.StageTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, policy.StageTimeout)
		defer cancel()
	}

	stopBeat := d.startHeartbeat(ctx, lease)
	defer stopBeat()

	sc := &StageContext{Run: r, Lease: lease, progress: d.progress}
	return handler.Execute(execCtx, sc)
}

// startHeartbeat refreshes the stage heartbeat until the returned stop
// function is called. Heartbeats deliberately do not bump the stage
// version, so they cannot invalidate the holder's own lease.
func (d *Dispatcher) startHeartbeat(ctx context.Context, lease Lease) func() {
	if d.HeartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.store.Heartbeat(ctx, lease.RunID, lease.Kind, time.Now().UTC()); err != nil {
					d.log.Warn("heartbeat failed", "run_id", lease.RunID, "kind", lease.Kind, "err", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (d *Dispatcher) resolveComplete(ctx context.Context, lease Lease, result []byte) {
	if err := d.machine.Complete(ctx, lease, result); err != nil {
		d.log.Error("complete failed", "run_id", lease.RunID, "kind", lease.Kind, "err", err)
		return
	}
	d.log.Info("stage completed", "run_id", lease.RunID, "kind", lease.Kind, "attempt", lease.Attempt)

	r, err := d.store.GetRun(ctx, lease.RunID)
	if err != nil {
		d.log.Error("failed to reload run after complete", "run_id", lease.RunID, "err", err)
		return
	}
	next, ok := d.machine.NextEligibleStage(r)
	if !ok {
		return
	}
	task := queue.Task{RunID: lease.RunID, Kind: next}
	if st := r.Stage(next); st != nil {
		task.Version = st.Version
	}
	if err := d.queue.Push(ctx, task); err != nil {
		d.log.Error("failed to enqueue next stage", "run_id", lease.RunID, "kind", next, "err", err)
	}
}

func (d *Dispatcher) resolveFail(ctx context.Context, lease Lease, cause error) {
	state, err := d.machine.Fail(ctx, lease, cause)
	if err != nil {
		d.log.Error("fail transition failed", "run_id", lease.RunID, "kind", lease.Kind, "err", err)
		return
	}
	if state != run.StageRetryPending {
		return
	}

	st, err := d.store.GetStage(ctx, lease.RunID, lease.Kind)
	if err != nil {
		d.log.Error("failed to reload stage for retry scheduling", "run_id", lease.RunID, "err", err)
		return
	}
	d.log.Warn("stage attempt failed, retry scheduled",
		"run_id", lease.RunID, "kind", lease.Kind,
		"attempt", lease.Attempt, "not_before", st.NotBefore, "cause", cause)
	task := queue.Task{RunID: lease.RunID, Kind: lease.Kind, Version: st.Version}
	if err := d.queue.PushDelayed(ctx, task, st.NotBefore); err != nil {
		d.log.Error("failed to park retry task", "run_id", lease.RunID, "kind", lease.Kind, "err", err)
	}
}
