package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxelbench/voxelbench/pkg/build"
	"github.com/voxelbench/voxelbench/pkg/pipeline"
	"github.com/voxelbench/voxelbench/pkg/vlog"
)

// Config holds the operational knobs for one sandbox session. The command
// delay is a fixed configuration value to respect the server's tick
// processing, never derived from script content.
type Config struct {
	ServerImage  string
	BuilderImage string

	// ServerReadyPattern and BuilderReadyPattern are the log lines that
	// mark each container as ready to accept work.
	ServerReadyPattern  string
	BuilderReadyPattern string

	ProvisionTimeout time.Duration
	CommandDelay     time.Duration

	// ExportPath is where the builder writes the structure file.
	ExportPath         string
	ExportTimeout      time.Duration
	ExportPollInterval time.Duration
}

// withDefaults fills unset fields with workable values.
func (c Config) withDefaults() Config {
	if c.ServerReadyPattern == "" {
		c.ServerReadyPattern = `Done (`
	}
	if c.BuilderReadyPattern == "" {
		c.BuilderReadyPattern = "builder spawned"
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 3 * time.Minute
	}
	if c.CommandDelay < 0 {
		c.CommandDelay = 0
	}
	if c.ExportPath == "" {
		c.ExportPath = "/exports/structure.schem"
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 2 * time.Minute
	}
	if c.ExportPollInterval <= 0 {
		c.ExportPollInterval = 2 * time.Second
	}
	return c
}

// Session owns one server/builder container pair for the duration of a
// single building attempt. It is not safe for concurrent use; one attempt
// drives one session from provision to teardown.
type Session struct {
	engine Engine
	cfg    Config
	runID  uuid.UUID
	log    *vlog.Logger

	networkID string
	serverID  string
	builderID string

	box        build.BoundingBox
	commandLog build.CommandList

	teardownOnce sync.Once
	teardownErr  error
}

// NewSession prepares a session for one building attempt. Nothing is
// provisioned until Provision runs.
func NewSession(engine Engine, cfg Config, runID uuid.UUID, log *vlog.Logger) *Session {
	if log == nil {
		log = vlog.NewDefault()
	}
	return &Session{
		engine: engine,
		cfg:    cfg.withDefaults(),
		runID:  runID,
		log:    log.With("run_id", runID),
		box:    build.NewBoundingBox(),
	}
}

// Provision allocates the private network and boots the server and builder
// containers, waiting on each readiness signal. Any failure here is
// transient; partially provisioned resources are torn down before return.
func (s *Session) Provision(ctx context.Context) error {
	suffix := uuid.New().String()[:8]
	baseName := fmt.Sprintf("vb-%s-%s", shortRunID(s.runID), suffix)

	netID, err := s.engine.CreateNetwork(ctx, baseName+"-net")
	if err != nil {
		return pipeline.Transientf("provision network: %v", err)
	}
	s.networkID = netID

	labels := func(role string) map[string]string {
		return map[string]string{
			LabelSession: "1",
			LabelRunID:   s.runID.String(),
			LabelRole:    role,
			LabelNetwork: netID,
		}
	}

	serverID, err := s.engine.StartContainer(ctx, ContainerSpec{
		Name:    baseName + "-server",
		Image:   s.cfg.ServerImage,
		Network: netID,
		Labels:  labels(RoleServer),
	})
	if err != nil {
		s.Teardown()
		return pipeline.Transientf("provision server container: %v", err)
	}
	s.serverID = serverID

	if err := s.engine.WaitForLog(ctx, serverID, s.cfg.ServerReadyPattern, s.cfg.ProvisionTimeout); err != nil {
		s.Teardown()
		return pipeline.Transientf("server never became ready: %v", err)
	}

	builderID, err := s.engine.StartContainer(ctx, ContainerSpec{
		Name:    baseName + "-builder",
		Image:   s.cfg.BuilderImage,
		Env:     []string{"VB_SERVER_HOST=" + baseName + "-server"},
		Network: netID,
		Labels:  labels(RoleBuilder),
	})
	if err != nil {
		s.Teardown()
		return pipeline.Transientf("provision builder container: %v", err)
	}
	s.builderID = builderID

	if err := s.engine.WaitForLog(ctx, builderID, s.cfg.BuilderReadyPattern, s.cfg.ProvisionTimeout); err != nil {
		s.Teardown()
		return pipeline.Transientf("builder never became ready: %v", err)
	}

	s.log.Info("sandbox provisioned", "network", netID, "server", serverID, "builder", builderID)
	return nil
}

// Stream issues the script's placement commands one by one, rate-limited
// by the configured delay, accumulating the bounding box and the ordered
// command log. Every command is checked against the legal bounds and the
// allowed block set before it is issued; the session never trusts the
// script artifact to have been validated upstream. A placement outside
// either is a permanent failure; an infrastructure refusal is transient.
// A nil allowed predicate permits any block. The caller still owns
// teardown either way.
func (s *Session) Stream(ctx context.Context, list build.CommandList, legal build.BoundingBox, allowed func(string) bool, progress func(done, total int)) error {
	for i, cmd := range list {
		lo, hi := cmd.Bounds()
		if !legal.Empty && !legal.Contains(build.Box(lo, hi)) {
			return pipeline.Permanentf("command %d places blocks at %s outside the legal region %s",
				i, build.Box(lo, hi), legal)
		}
		if allowed != nil && !allowed(cmd.Block) {
			return pipeline.Permanentf("command %d places block %q which is not in the allowed palette", i, cmd.Block)
		}

		code, err := s.engine.Exec(ctx, s.builderID, []string{"vb-builder", "place", cmd.Wire()})
		if err != nil {
			return pipeline.Transientf("send command %d: %v", i, err)
		}
		if code != 0 {
			return pipeline.Transientf("command %d rejected with exit code %d", i, code)
		}

		s.box.Extend(cmd)
		s.commandLog = append(s.commandLog, cmd)

		if progress != nil && (i+1)%25 == 0 {
			progress(i+1, len(list))
		}

		if s.cfg.CommandDelay > 0 && i < len(list)-1 {
			if err := sleepCtx(ctx, s.cfg.CommandDelay); err != nil {
				return pipeline.Transientf("command stream interrupted: %v", err)
			}
		}
	}
	if progress != nil {
		progress(len(list), len(list))
	}
	return nil
}

// Export asks the builder to save the bounding-box region as a structure
// file, polls for on-disk confirmation, and returns the file's bytes. A
// poll timeout is transient.
func (s *Session) Export(ctx context.Context) ([]byte, error) {
	if s.box.Empty {
		return nil, pipeline.Permanentf("nothing was placed, no region to export")
	}

	args := []string{
		"vb-builder", "export",
		"--min", posArg(s.box.Min),
		"--max", posArg(s.box.Max),
		"--out", s.cfg.ExportPath,
	}
	code, err := s.engine.Exec(ctx, s.builderID, args)
	if err != nil {
		return nil, pipeline.Transientf("issue export: %v", err)
	}
	if code != 0 {
		return nil, pipeline.Transientf("export command exited with code %d", code)
	}

	deadline := time.Now().Add(s.cfg.ExportTimeout)
	for {
		exists, err := s.engine.PathExists(ctx, s.builderID, s.cfg.ExportPath)
		if err != nil {
			return nil, pipeline.Transientf("poll export file: %v", err)
		}
		if exists {
			break
		}
		if time.Now().After(deadline) {
			return nil, pipeline.Transientf("export file did not appear within %s", s.cfg.ExportTimeout)
		}
		if err := sleepCtx(ctx, s.cfg.ExportPollInterval); err != nil {
			return nil, pipeline.Transientf("export poll interrupted: %v", err)
		}
	}

	data, err := s.engine.ReadFile(ctx, s.builderID, s.cfg.ExportPath)
	if err != nil {
		return nil, pipeline.Transientf("read export file: %v", err)
	}
	return data, nil
}

// Teardown kills both containers and releases the network. It runs at
// most once, is safe to call from any exit path, and uses its own timeout
// so a cancelled stage context cannot leave resources behind.
func (s *Session) Teardown() error {
	s.teardownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []string
		for _, id := range []string{s.builderID, s.serverID} {
			if id == "" {
				continue
			}
			if err := s.engine.RemoveContainer(ctx, id); err != nil {
				errs = append(errs, fmt.Sprintf("container %s: %v", id, err))
			}
		}
		if s.networkID != "" {
			if err := s.engine.RemoveNetwork(ctx, s.networkID); err != nil {
				errs = append(errs, fmt.Sprintf("network %s: %v", s.networkID, err))
			}
		}
		if len(errs) > 0 {
			s.teardownErr = fmt.Errorf("teardown incomplete: %s", strings.Join(errs, "; "))
			s.log.Warn("sandbox teardown incomplete", "err", s.teardownErr)
			return
		}
		s.log.Info("sandbox torn down")
	})
	return s.teardownErr
}

// Summary reports what this attempt placed.
func (s *Session) Summary() build.Summary {
	blocks := map[string]struct{}{}
	for _, cmd := range s.commandLog {
		blocks[cmd.Block] = struct{}{}
	}
	used := make([]string, 0, len(blocks))
	for b := range blocks {
		used = append(used, b)
	}
	sort.Strings(used)
	return build.Summary{
		BoundingBox:  s.box,
		CommandCount: len(s.commandLog),
		BlocksUsed:   used,
	}
}

// CommandLog returns the ordered placements issued so far.
func (s *Session) CommandLog() build.CommandList {
	return s.commandLog
}

func posArg(p build.Pos) string {
	return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Z)
}

func shortRunID(id uuid.UUID) string {
	return id.String()[:8]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
