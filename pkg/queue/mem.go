package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxelbench/voxelbench/pkg/run"
)

// MemQueue is an in-memory Queue for tests and single-process setups. It
// mirrors RedisQueue semantics, including the explicit PromoteDue step for
// delayed tasks.
type MemQueue struct {
	mu      sync.Mutex
	ready   map[run.StageKind][]Task
	delayed []delayedTask
	wake    chan struct{}
	closed  bool
}

type delayedTask struct {
	task Task
	at   time.Time
}

// NewMemQueue builds an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		ready: make(map[run.StageKind][]Task),
		wake:  make(chan struct{}, 1),
	}
}

func (q *MemQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push appends a task for immediate delivery.
func (q *MemQueue) Push(ctx context.Context, t Task) error {
	q.mu.Lock()
	q.ready[t.Kind] = append(q.ready[t.Kind], t)
	q.mu.Unlock()
	q.signal()
	return nil
}

// PushDelayed schedules a task for delivery at or after `at`.
func (q *MemQueue) PushDelayed(ctx context.Context, t Task, at time.Time) error {
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedTask{task: t, at: at})
	q.mu.Unlock()
	return nil
}

// Pop returns the next task for a kind, waiting up to `wait`.
func (q *MemQueue) Pop(ctx context.Context, kind run.StageKind, wait time.Duration) (Task, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if tasks := q.ready[kind]; len(tasks) > 0 {
			t := tasks[0]
			q.ready[kind] = tasks[1:]
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Task{}, ErrEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, ctx.Err()
		case <-timer.C:
			return Task{}, ErrEmpty
		case <-q.wake:
			timer.Stop()
		}
	}
}

// Len reports immediately deliverable tasks for a kind.
func (q *MemQueue) Len(ctx context.Context, kind run.StageKind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[kind]), nil
}

// PromoteDue moves due delayed tasks onto their ready queues.
func (q *MemQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	promoted := 0
	for len(q.delayed) > 0 && !q.delayed[0].at.After(now) {
		d := q.delayed[0]
		q.delayed = q.delayed[1:]
		q.ready[d.task.Kind] = append(q.ready[d.task.Kind], d.task)
		promoted++
	}
	q.mu.Unlock()
	if promoted > 0 {
		q.signal()
	}
	return promoted, nil
}

// DelayedLen reports how many tasks are parked awaiting promotion.
func (q *MemQueue) DelayedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// Close is a no-op for the in-memory queue.
func (q *MemQueue) Close() error {
	return nil
}

var _ Queue = (*MemQueue)(nil)
