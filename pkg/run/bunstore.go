package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// BunStore implements Store on Postgres via bun. The SwapStage UPDATE carries
// the version predicate, so optimistic concurrency needs no explicit locking.
type BunStore struct {
	db *bun.DB
}

// NewBunStore wraps an initialized bun.DB.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) CreateRun(ctx context.Context, r *Run) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(r).Exec(ctx); err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		if len(r.Stages) > 0 {
			if _, err := tx.NewInsert().Model(&r.Stages).Exec(ctx); err != nil {
				return fmt.Errorf("inserting run stages: %w", err)
			}
		}
		return nil
	})
}

func (s *BunStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	r := new(Run)
	err := s.db.NewSelect().
		Model(r).
		Relation("Stages").
		Relation("Artifacts").
		Where("r.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *BunStore) GetStage(ctx context.Context, runID uuid.UUID, kind StageKind) (*RunStage, error) {
	st := new(RunStage)
	err := s.db.NewSelect().
		Model(st).
		Where("rs.run_id = ?", runID).
		Where("rs.kind = ?", kind).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *BunStore) SwapStage(ctx context.Context, st *RunStage, expected int64) (bool, error) {
	res, err := s.db.NewUpdate().
		Model(st).
		Set("state = ?", st.State).
		Set("version = ?", expected+1).
		Set("attempts = ?", st.Attempts).
		Set("last_error = ?", st.LastError).
		Set("not_before = ?", nullableTime(st.NotBefore)).
		Set("heartbeat = ?", nullableTime(st.Heartbeat)).
		Set("started_at = ?", st.StartedAt).
		Set("ended_at = ?", st.EndedAt).
		Set("result = ?", st.Result).
		Where("rs.id = ?", st.ID).
		Where("rs.version = ?", expected).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	st.Version = expected + 1
	return true, nil
}

func (s *BunStore) SetRunState(ctx context.Context, runID uuid.UUID, state RunState) error {
	_, err := s.db.NewUpdate().
		Model((*Run)(nil)).
		Set("state = ?", state).
		Set("updated_at = current_timestamp").
		Where("id = ?", runID).
		Exec(ctx)
	return err
}

func (s *BunStore) RetireRun(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.NewUpdate().
		Model((*Run)(nil)).
		Set("retired = true").
		Set("updated_at = current_timestamp").
		Where("id = ?", runID).
		Exec(ctx)
	return err
}

func (s *BunStore) Heartbeat(ctx context.Context, runID uuid.UUID, kind StageKind, at time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*RunStage)(nil)).
		Set("heartbeat = ?", at).
		Where("run_id = ?", runID).
		Where("kind = ?", kind).
		Exec(ctx)
	return err
}

func (s *BunStore) PutArtifact(ctx context.Context, a *Artifact) error {
	_, err := s.db.NewInsert().
		Model(a).
		On("CONFLICT (run_id, kind) DO UPDATE").
		Set("bucket = EXCLUDED.bucket").
		Set("key = EXCLUDED.key").
		Exec(ctx)
	return err
}

func (s *BunStore) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*Artifact, error) {
	var out []*Artifact
	err := s.db.NewSelect().
		Model(&out).
		Where("a.run_id = ?", runID).
		Order("a.created_at ASC").
		Scan(ctx)
	return out, err
}

func (s *BunStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*RunStage, error) {
	var out []*RunStage
	err := s.db.NewSelect().
		Model(&out).
		Where("rs.state = ?", StageRetryPending).
		Where("rs.not_before <= ?", now).
		Order("rs.not_before ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func (s *BunStore) StalledStages(ctx context.Context, cutoff time.Time, limit int) ([]*RunStage, error) {
	var out []*RunStage
	err := s.db.NewSelect().
		Model(&out).
		Where("rs.state IN (?, ?)", StageInProgress, StageInRetry).
		Where("rs.heartbeat < ?", cutoff).
		Order("rs.heartbeat ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Store = (*BunStore)(nil)
