// Package queue provides the per-stage work queues that connect the state
// machine to the dispatcher. Messages are wake-up hints, not state: the
// dispatcher re-reads stage records at delivery time, so a lost or
// duplicated message never corrupts a run.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
)

// ErrEmpty is returned by Pop when no task is available before the wait
// window closes.
var ErrEmpty = errors.New("queue: empty")

// Task is a single unit of queued work: advance one stage of one run. It
// is a hint, not a payload: Version records the stage version seen at
// enqueue time for tracing, and consumers re-read everything else. A
// consumer whose Begin loses the compare-and-swap simply drops the task.
type Task struct {
	RunID   uuid.UUID     `json:"run_id"`
	Kind    run.StageKind `json:"kind"`
	Version int64         `json:"version"`
}

// EncodeTask serializes a task to its wire form.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a task from its wire form.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, err
	}
	if t.RunID == uuid.Nil || !t.Kind.Valid() {
		return Task{}, errors.New("queue: malformed task")
	}
	return t, nil
}

// Queue is the broker abstraction. Each stage kind has its own named queue
// so worker pools can be sized independently.
type Queue interface {
	// Push appends a task to its stage queue for immediate delivery.
	Push(ctx context.Context, t Task) error

	// PushDelayed schedules a task for delivery no earlier than `at`.
	// Delayed tasks become visible to Pop only after PromoteDue runs.
	PushDelayed(ctx context.Context, t Task, at time.Time) error

	// Pop blocks up to `wait` for a task on the given stage queue and
	// returns ErrEmpty on timeout.
	Pop(ctx context.Context, kind run.StageKind, wait time.Duration) (Task, error)

	// Len reports the number of immediately deliverable tasks for a kind.
	Len(ctx context.Context, kind run.StageKind) (int, error)

	// PromoteDue moves delayed tasks whose time has come onto their stage
	// queues, returning how many were promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// Close releases broker resources.
	Close() error
}
