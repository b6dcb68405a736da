package sandbox

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerEngine implements Engine against the local Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the daemon using the standard environment
// configuration (DOCKER_HOST etc.) with API version negotiation.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// CreateNetwork allocates an isolated bridge network.
func (e *DockerEngine) CreateNetwork(ctx context.Context, name string) (string, error) {
	resp, err := e.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelSession: "1"},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork releases a network.
func (e *DockerEngine) RemoveNetwork(ctx context.Context, networkID string) error {
	return e.cli.NetworkRemove(ctx, networkID)
}

// StartContainer creates and starts a container attached to the spec's
// network.
func (e *DockerEngine) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best effort: do not leave the created-but-unstarted container behind.
		_ = e.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

// WaitForLog follows the container's output until the pattern appears.
func (e *DockerEngine) WaitForLog(ctx context.Context, containerID, pattern string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logs, err := e.cli.ContainerLogs(waitCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("follow logs for %s: %w", containerID, err)
	}
	defer logs.Close()

	// The log stream is multiplexed; demux into a pipe we can scan.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), pattern) {
			return nil
		}
	}
	if waitCtx.Err() != nil {
		return fmt.Errorf("waiting for %q in %s logs: %w", pattern, containerID, waitCtx.Err())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning %s logs: %w", containerID, err)
	}
	return fmt.Errorf("container %s log stream ended before %q appeared", containerID, pattern)
}

// Exec runs a command inside the container and waits for its exit code.
func (e *DockerEngine) Exec(ctx context.Context, containerID string, cmd []string) (int, error) {
	created, err := e.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create in %s: %w", containerID, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach in %s: %w", containerID, err)
	}
	defer attach.Close()

	// Drain output so the exec can finish.
	_, _ = io.Copy(io.Discard, attach.Reader)

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect in %s: %w", containerID, err)
	}
	return inspect.ExitCode, nil
}

// PathExists stats a path inside the container.
func (e *DockerEngine) PathExists(ctx context.Context, containerID, path string) (bool, error) {
	_, err := e.cli.ContainerStatPath(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadFile copies one file out of the container. The daemon hands back a
// tar stream even for a single file.
func (e *DockerEngine) ReadFile(ctx context.Context, containerID, filePath string) ([]byte, error) {
	reader, _, err := e.cli.CopyFromContainer(ctx, containerID, filePath)
	if err != nil {
		return nil, fmt.Errorf("copy %s from %s: %w", filePath, containerID, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	want := path.Base(filePath)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar from %s: %w", containerID, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != want {
			continue
		}
		return io.ReadAll(tr)
	}
	return nil, fmt.Errorf("file %s not found in copy stream from %s", filePath, containerID)
}

// RemoveContainer force-removes a container.
func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	return e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// ListSandboxContainers finds every container stamped with the session
// label, including stopped ones.
func (e *DockerEngine) ListSandboxContainers(ctx context.Context) ([]ContainerInfo, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelSession)),
	})
	if err != nil {
		return nil, fmt.Errorf("list sandbox containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			RunID:   c.Labels[LabelRunID],
			Role:    c.Labels[LabelRole],
			Network: c.Labels[LabelNetwork],
			Created: time.Unix(c.Created, 0),
		})
	}
	return infos, nil
}

var _ Engine = (*DockerEngine)(nil)
