// Package sandbox provisions, drives, and reclaims the disposable
// container environments that execute untrusted build scripts. A Session
// owns one server/builder container pair on a private network for exactly
// one building attempt; the Reaper sweeps orphans left by crashed workers.
package sandbox

import (
	"context"
	"time"
)

// Labels stamped on every sandbox container so the reaper can find them
// regardless of which process created them.
const (
	LabelSession = "voxelbench.session"
	LabelRunID   = "voxelbench.run_id"
	LabelRole    = "voxelbench.role"
	LabelNetwork = "voxelbench.network"

	RoleServer  = "server"
	RoleBuilder = "builder"
)

// ContainerSpec describes one container to start.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     []string
	Network string
	Labels  map[string]string
}

// ContainerInfo is what the reaper needs to know about a running sandbox
// container.
type ContainerInfo struct {
	ID      string
	RunID   string
	Role    string
	Network string
	Created time.Time
}

// Engine abstracts the container runtime operations a Session needs. The
// production implementation talks to the Docker daemon; tests use
// FakeEngine.
type Engine interface {
	// CreateNetwork allocates an isolated bridge network and returns its id.
	CreateNetwork(ctx context.Context, name string) (string, error)

	// RemoveNetwork releases a network.
	RemoveNetwork(ctx context.Context, networkID string) error

	// StartContainer creates and starts a container, returning its id.
	StartContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// WaitForLog follows a container's output until the pattern appears,
	// bounded by the timeout.
	WaitForLog(ctx context.Context, containerID, pattern string, timeout time.Duration) error

	// Exec runs a command inside a container and returns its exit code.
	Exec(ctx context.Context, containerID string, cmd []string) (int, error)

	// PathExists reports whether a path exists inside a container.
	PathExists(ctx context.Context, containerID, path string) (bool, error)

	// ReadFile copies a single file out of a container.
	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)

	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// ListSandboxContainers returns every container carrying the sandbox
	// session label, running or not.
	ListSandboxContainers(ctx context.Context) ([]ContainerInfo, error)
}
