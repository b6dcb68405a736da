package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is an in-memory Engine for tests. Failure injection is per
// method: set the corresponding error and every call returns it.
type FakeEngine struct {
	mu sync.Mutex

	networks   map[string]bool
	containers map[string]fakeContainer
	seq        int

	// Files maps containerID -> path -> contents, simulated for
	// PathExists and ReadFile. Tests prime it, typically after Exec ran
	// the export command.
	Files map[string]map[string][]byte

	// ExportAppearsAfter delays file visibility: the first N PathExists
	// calls for a primed path report false.
	ExportAppearsAfter int
	pathPolls          map[string]int

	// ExecExitCode is returned by every Exec; ExecHook, if set, runs
	// first and may fail the call.
	ExecExitCode int
	ExecHook     func(containerID string, cmd []string) error

	CreateNetworkErr  error
	StartContainerErr error
	WaitForLogErr     error
	ExecErr           error

	// Execs records every Exec invocation in order.
	Execs [][]string

	removedContainers []string
	removedNetworks   []string
}

type fakeContainer struct {
	info ContainerInfo
}

// NewFakeEngine builds an empty fake.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		networks:   make(map[string]bool),
		containers: make(map[string]fakeContainer),
		Files:      make(map[string]map[string][]byte),
		pathPolls:  make(map[string]int),
	}
}

func (e *FakeEngine) CreateNetwork(ctx context.Context, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateNetworkErr != nil {
		return "", e.CreateNetworkErr
	}
	e.seq++
	id := fmt.Sprintf("net-%d", e.seq)
	e.networks[id] = true
	return id, nil
}

func (e *FakeEngine) RemoveNetwork(ctx context.Context, networkID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.networks[networkID] {
		return errors.New("no such network")
	}
	delete(e.networks, networkID)
	e.removedNetworks = append(e.removedNetworks, networkID)
	return nil
}

func (e *FakeEngine) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartContainerErr != nil {
		return "", e.StartContainerErr
	}
	e.seq++
	id := fmt.Sprintf("ctr-%d", e.seq)
	e.containers[id] = fakeContainer{info: ContainerInfo{
		ID:      id,
		RunID:   spec.Labels[LabelRunID],
		Role:    spec.Labels[LabelRole],
		Network: spec.Labels[LabelNetwork],
		Created: time.Now(),
	}}
	return id, nil
}

func (e *FakeEngine) WaitForLog(ctx context.Context, containerID, pattern string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.WaitForLogErr != nil {
		return e.WaitForLogErr
	}
	if _, ok := e.containers[containerID]; !ok {
		return errors.New("no such container")
	}
	return nil
}

func (e *FakeEngine) Exec(ctx context.Context, containerID string, cmd []string) (int, error) {
	e.mu.Lock()
	hook := e.ExecHook
	e.Execs = append(e.Execs, append([]string{containerID}, cmd...))
	execErr := e.ExecErr
	code := e.ExecExitCode
	e.mu.Unlock()

	if execErr != nil {
		return -1, execErr
	}
	if hook != nil {
		if err := hook(containerID, cmd); err != nil {
			return -1, err
		}
	}
	return code, nil
}

func (e *FakeEngine) PathExists(ctx context.Context, containerID, path string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	files, ok := e.Files[containerID]
	if !ok {
		return false, nil
	}
	if _, ok := files[path]; !ok {
		return false, nil
	}
	key := containerID + ":" + path
	e.pathPolls[key]++
	if e.pathPolls[key] <= e.ExportAppearsAfter {
		return false, nil
	}
	return true, nil
}

func (e *FakeEngine) ReadFile(ctx context.Context, containerID, path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	files, ok := e.Files[containerID]
	if !ok {
		return nil, errors.New("no such container")
	}
	data, ok := files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (e *FakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[containerID]; !ok {
		return errors.New("no such container")
	}
	delete(e.containers, containerID)
	e.removedContainers = append(e.removedContainers, containerID)
	return nil
}

func (e *FakeEngine) ListSandboxContainers(ctx context.Context) ([]ContainerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]ContainerInfo, 0, len(e.containers))
	for _, c := range e.containers {
		infos = append(infos, c.info)
	}
	return infos, nil
}

// PrimeFile makes a file visible inside a container.
func (e *FakeEngine) PrimeFile(containerID, path string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Files[containerID] == nil {
		e.Files[containerID] = make(map[string][]byte)
	}
	e.Files[containerID][path] = data
}

// Live reports how many containers are still running.
func (e *FakeEngine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

// RemovedContainers returns container ids reclaimed so far.
func (e *FakeEngine) RemovedContainers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.removedContainers))
	copy(out, e.removedContainers)
	return out
}

// RemovedNetworks returns network ids reclaimed so far.
func (e *FakeEngine) RemovedNetworks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.removedNetworks))
	copy(out, e.removedNetworks)
	return out
}

var _ Engine = (*FakeEngine)(nil)
