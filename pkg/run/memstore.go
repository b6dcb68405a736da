package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore implements Store in memory with the same compare-and-swap
// semantics as BunStore. Used in tests and local development.
type MemStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*Run
	stages    map[uuid.UUID]map[StageKind]*RunStage
	artifacts map[uuid.UUID]map[string]*Artifact
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:      make(map[uuid.UUID]*Run),
		stages:    make(map[uuid.UUID]map[StageKind]*RunStage),
		artifacts: make(map[uuid.UUID]map[string]*Artifact),
	}
}

func (s *MemStore) CreateRun(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Stages = nil
	cp.Artifacts = nil
	s.runs[r.ID] = &cp
	s.stages[r.ID] = make(map[StageKind]*RunStage)
	for _, st := range r.Stages {
		stc := *st
		s.stages[r.ID][st.Kind] = &stc
	}
	s.artifacts[r.ID] = make(map[string]*Artifact)
	return nil
}

func (s *MemStore) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	for _, kind := range StageOrder {
		if st, ok := s.stages[id][kind]; ok {
			stc := *st
			cp.Stages = append(cp.Stages, &stc)
		}
	}
	for _, a := range s.artifacts[id] {
		ac := *a
		cp.Artifacts = append(cp.Artifacts, &ac)
	}
	sort.Slice(cp.Artifacts, func(i, j int) bool {
		return cp.Artifacts[i].CreatedAt.Before(cp.Artifacts[j].CreatedAt)
	})
	return &cp, nil
}

func (s *MemStore) GetStage(_ context.Context, runID uuid.UUID, kind StageKind) (*RunStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[runID][kind]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemStore) SwapStage(_ context.Context, st *RunStage, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stages[st.RunID][st.Kind]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Version != expected {
		return false, nil
	}
	cp := *st
	cp.Version = expected + 1
	s.stages[st.RunID][st.Kind] = &cp
	st.Version = expected + 1
	return true, nil
}

func (s *MemStore) SetRunState(_ context.Context, runID uuid.UUID, state RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.State = state
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) RetireRun(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Retired = true
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) Heartbeat(_ context.Context, runID uuid.UUID, kind StageKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[runID][kind]
	if !ok {
		return ErrNotFound
	}
	st.Heartbeat = at
	return nil
}

func (s *MemStore) PutArtifact(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.artifacts[a.RunID]
	if !ok {
		m = make(map[string]*Artifact)
		s.artifacts[a.RunID] = m
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m[a.Kind] = &cp
	return nil
}

func (s *MemStore) ListArtifacts(_ context.Context, runID uuid.UUID) ([]*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Artifact
	for _, a := range s.artifacts[runID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DueRetries(_ context.Context, now time.Time, limit int) ([]*RunStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RunStage
	for _, stages := range s.stages {
		for _, st := range stages {
			if st.State == StageRetryPending && !st.NotBefore.After(now) {
				cp := *st
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) StalledStages(_ context.Context, cutoff time.Time, limit int) ([]*RunStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RunStage
	for _, stages := range s.stages {
		for _, st := range stages {
			inFlight := st.State == StageInProgress || st.State == StageInRetry
			if inFlight && !st.Heartbeat.IsZero() && st.Heartbeat.Before(cutoff) {
				cp := *st
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Heartbeat.Before(out[j].Heartbeat) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
