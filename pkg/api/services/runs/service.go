// Package runs implements the API service over the pipeline: it is the
// only place where operator intent (create, retry, retire) turns into
// state-machine calls and queue pushes.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/api/schemas"
	"github.com/voxelbench/voxelbench/pkg/artifact"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/progress"
	"github.com/voxelbench/voxelbench/pkg/queue"
	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/token"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// ErrRetired is returned for operations on a retired run.
var ErrRetired = errors.New("runs: run is retired")

// Service wires run operations end to end.
type Service struct {
	store   run.Store
	queue   queue.Queue
	machine *pipeline.Machine
	notes   *progress.Notes
	objects artifact.Store
	minter  *token.Minter
	log     *vlog.Logger
}

// New builds the service. Notes, objects, and minter are optional; the
// corresponding response fields and endpoints degrade gracefully.
func New(store run.Store, q queue.Queue, machine *pipeline.Machine, notes *progress.Notes, objects artifact.Store, minter *token.Minter, log *vlog.Logger) *Service {
	if log == nil {
		log = vlog.NewDefault()
	}
	return &Service{
		store:   store,
		queue:   q,
		machine: machine,
		notes:   notes,
		objects: objects,
		minter:  minter,
		log:     log,
	}
}

// Create persists a new run with all six stages pending and enqueues the
// first stage.
func (s *Service) Create(ctx context.Context, promptRef, modelRef, templateRef string) (*run.Run, error) {
	r := run.NewRun(promptRef, modelRef, templateRef)
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	first := r.Stage(run.StageOrder[0])
	task := queue.Task{RunID: r.ID, Kind: first.Kind, Version: first.Version}
	if err := s.queue.Push(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue first stage: %w", err)
	}

	s.log.Info("run created", "run_id", r.ID, "prompt", promptRef, "model", modelRef, "template", templateRef)
	return r, nil
}

// Get loads a run with stages and artifact records.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// RetryStage is the operator retry: legal only on a terminally FAILED
// stage. On success the stage re-enters RETRY_PENDING with a fresh attempt
// budget and is enqueued immediately.
func (s *Service) RetryStage(ctx context.Context, id uuid.UUID, kind run.StageKind) error {
	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if r.Retired {
		return ErrRetired
	}

	if err := s.machine.Retry(ctx, id, kind); err != nil {
		return err
	}

	st, err := s.store.GetStage(ctx, id, kind)
	if err != nil {
		return err
	}
	task := queue.Task{RunID: id, Kind: kind, Version: st.Version}
	if err := s.queue.Push(ctx, task); err != nil {
		return fmt.Errorf("enqueue retried stage: %w", err)
	}

	s.log.Info("operator retry accepted", "run_id", id, "kind", kind)
	return nil
}

// Retire soft-retires a run; in-flight attempts finish, but nothing new
// dispatches.
func (s *Service) Retire(ctx context.Context, id uuid.UUID) error {
	if err := s.store.RetireRun(ctx, id); err != nil {
		return err
	}
	s.log.Info("run retired", "run_id", id)
	return nil
}

// ArtifactURL presigns a download for the run's current artifact of the
// given kind.
func (s *Service) ArtifactURL(ctx context.Context, id uuid.UUID, kind string, expiry time.Duration) (string, error) {
	if s.objects == nil {
		return "", errors.New("runs: no object store configured")
	}
	arts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return "", err
	}
	for _, a := range arts {
		if a.Kind == kind {
			return s.objects.GetPresignedURL(ctx, a.Key, expiry)
		}
	}
	return "", run.ErrNotFound
}

// MintStageToken issues a progress token scoped to one (run, stage).
func (s *Service) MintStageToken(ctx context.Context, id uuid.UUID, kind run.StageKind) (string, error) {
	if s.minter == nil {
		return "", errors.New("runs: no token minter configured")
	}
	if _, err := s.store.GetStage(ctx, id, kind); err != nil {
		return "", err
	}
	return s.minter.Mint(id, kind)
}

// RecordProgress verifies a stage token and publishes a note under its
// scope. The token, not the request body, decides which run and stage the
// note lands on.
func (s *Service) RecordProgress(ctx context.Context, tokenStr, note string) error {
	if s.minter == nil || s.notes == nil {
		return errors.New("runs: progress reporting not configured")
	}
	claims, err := s.minter.Verify(tokenStr)
	if err != nil {
		return err
	}
	return s.notes.Note(ctx, claims.RunID, claims.Kind, note)
}

// ToResponse renders a run into its API shape, folding in live progress
// notes for running stages.
func (s *Service) ToResponse(ctx context.Context, r *run.Run) schemas.RunResponse {
	resp := schemas.RunResponse{
		ID:          r.ID.String(),
		PromptRef:   r.PromptRef,
		ModelRef:    r.ModelRef,
		TemplateRef: r.TemplateRef,
		State:       string(r.State),
		Retired:     r.Retired,
		CreatedAt:   r.CreatedAt,
	}
	for _, st := range r.SortedStages() {
		sr := schemas.StageResponse{
			Kind:      string(st.Kind),
			State:     string(st.State),
			Attempts:  st.Attempts,
			LastError: st.LastError,
			StartedAt: st.StartedAt,
			EndedAt:   st.EndedAt,
		}
		if st.State == run.StageRetryPending && !st.NotBefore.IsZero() {
			nb := st.NotBefore
			sr.NotBefore = &nb
		}
		if s.notes != nil && (st.State == run.StageInProgress || st.State == run.StageInRetry) {
			sr.Progress = s.notes.Current(ctx, r.ID, st.Kind)
		}
		resp.Stages = append(resp.Stages, sr)
	}
	for _, a := range r.Artifacts {
		resp.Artifacts = append(resp.Artifacts, schemas.ArtifactResponse{
			Kind:   a.Kind,
			Bucket: a.Bucket,
			Key:    a.Key,
		})
	}
	return resp
}
