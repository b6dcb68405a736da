package run

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a run or stage does not exist.
	ErrNotFound = errors.New("run: not found")
)

// Store is the Stage Record Store: the single source of truth for run and
// stage state, and the sole arbiter of who owns the next attempt via the
// version compare-and-swap. Queue messages are wake-up hints only.
type Store interface {
	// CreateRun persists a run together with its pending stages.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun loads a run with its stages and artifact records.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// GetStage loads one stage row. Returns ErrNotFound if absent.
	GetStage(ctx context.Context, runID uuid.UUID, kind StageKind) (*RunStage, error)

	// SwapStage commits every mutable field of st if and only if the stored
	// version still equals expected; on success the stored version becomes
	// expected+1 (mirrored into st.Version). Returns false without error when
	// another writer won the race.
	SwapStage(ctx context.Context, st *RunStage, expected int64) (bool, error)

	// SetRunState records the run's derived status.
	SetRunState(ctx context.Context, runID uuid.UUID, state RunState) error

	// RetireRun soft-retires a run: the pipeline stops advancing it but
	// every record stays. Runs are never deleted.
	RetireRun(ctx context.Context, runID uuid.UUID) error

	// Heartbeat refreshes the stage's liveness timestamp without bumping the
	// version (a heartbeat must not invalidate the holder's lease).
	Heartbeat(ctx context.Context, runID uuid.UUID, kind StageKind, at time.Time) error

	// PutArtifact records an artifact key for (run, kind). Re-recording the
	// same kind replaces the key reference; object-store payloads themselves
	// are append-only and never overwritten.
	PutArtifact(ctx context.Context, a *Artifact) error

	// ListArtifacts returns the run's artifact records.
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*Artifact, error)

	// DueRetries returns RETRY_PENDING stages whose NotBefore has passed.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*RunStage, error)

	// StalledStages returns IN_PROGRESS/IN_RETRY stages whose heartbeat is
	// older than cutoff — leases presumed abandoned by a dead worker.
	StalledStages(ctx context.Context, cutoff time.Time, limit int) ([]*RunStage, error)
}
