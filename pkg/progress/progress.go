// Package progress publishes ephemeral, operator-facing progress notes for
// running stage attempts. Notes live in a TTL'd key-value store, not the
// stage record store: they are advisory and expire on their own.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
)

// Store is the minimal key-value surface notes need. Keys are strings,
// values byte slices, all writes carry a TTL.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Notes writes one current note per (run, stage kind). It satisfies the
// dispatcher's progress sink.
type Notes struct {
	store Store
	ttl   time.Duration
}

// NewNotes builds a sink over the store. TTL bounds how long a stale note
// survives a crashed worker.
func NewNotes(store Store, ttl time.Duration) *Notes {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Notes{store: store, ttl: ttl}
}

func noteKey(runID uuid.UUID, kind run.StageKind) string {
	return fmt.Sprintf("vb:progress:%s:%s", runID, kind)
}

// Note records the current note for a running attempt, replacing the
// previous one.
func (n *Notes) Note(ctx context.Context, runID uuid.UUID, kind run.StageKind, note string) error {
	return n.store.Set(ctx, noteKey(runID, kind), []byte(note), n.ttl)
}

// Current returns the latest note for (run, kind), or "" if none survives.
func (n *Notes) Current(ctx context.Context, runID uuid.UUID, kind run.StageKind) string {
	data, err := n.store.Get(ctx, noteKey(runID, kind))
	if err != nil {
		return ""
	}
	return string(data)
}

// Clear removes the note for (run, kind).
func (n *Notes) Clear(ctx context.Context, runID uuid.UUID, kind run.StageKind) error {
	return n.store.Delete(ctx, noteKey(runID, kind))
}
