package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/run"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// Reaper is the out-of-band reconciliation sweep: it reclaims sandbox
// containers orphaned by crashed workers. Session teardown handles the
// normal paths; the reaper catches everything else.
type Reaper struct {
	engine Engine
	store  run.Store
	log    *vlog.Logger

	// MaxAge is how old a sandbox container must be before the reaper
	// will consider it. It should exceed the building stage timeout.
	MaxAge time.Duration
}

// NewReaper builds a reaper over the engine and the stage record store.
func NewReaper(engine Engine, store run.Store, maxAge time.Duration, log *vlog.Logger) *Reaper {
	if log == nil {
		log = vlog.NewDefault()
	}
	return &Reaper{engine: engine, store: store, log: log, MaxAge: maxAge}
}

// Sweep removes every sandbox container older than MaxAge whose run is no
// longer actively executing, then releases networks that lost all their
// containers. Returns how many containers were reclaimed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	containers, err := r.engine.ListSandboxContainers(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-r.MaxAge)
	reclaimed := 0
	networks := make(map[string]bool)

	for _, c := range containers {
		if c.Created.After(cutoff) {
			continue
		}
		if r.runActive(ctx, c.RunID) {
			continue
		}
		if err := r.engine.RemoveContainer(ctx, c.ID); err != nil {
			r.log.Warn("reaper failed to remove container", "container", c.ID, "err", err)
			continue
		}
		r.log.Info("reaper reclaimed orphaned container",
			"container", c.ID, "run_id", c.RunID, "role", c.Role, "age", time.Since(c.Created))
		reclaimed++
		if c.Network != "" {
			networks[c.Network] = true
		}
	}

	// Release networks whose containers are all gone.
	if len(networks) > 0 {
		remaining, err := r.engine.ListSandboxContainers(ctx)
		if err == nil {
			for _, c := range remaining {
				delete(networks, c.Network)
			}
		}
		for netID := range networks {
			if err := r.engine.RemoveNetwork(ctx, netID); err != nil {
				r.log.Warn("reaper failed to remove network", "network", netID, "err", err)
			}
		}
	}

	return reclaimed, nil
}

// runActive reports whether the container's run still holds a live
// building attempt. Unknown or malformed run ids are not active; their
// containers are fair game.
func (r *Reaper) runActive(ctx context.Context, runID string) bool {
	id, err := uuid.Parse(runID)
	if err != nil {
		return false
	}
	st, err := r.store.GetStage(ctx, id, run.StageBuilding)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return false
		}
		// Store unreachable: keep the container, try again next sweep.
		return true
	}
	return st.State == run.StageInProgress || st.State == run.StageInRetry
}
