// Package runnertest provides an in-memory domain.ContainerRuntime for
// tests.
package runnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/markmysler/dvc/domain"
)

// FakeContainer is the runtime-side record of a fake container.
type FakeContainer struct {
	ID       string
	Name     string
	Running  bool
	ExitCode int
	Health   domain.HealthStatus
	Labels   map[string]string
	Env      map[string]string
	Ports    map[string]string
}

// FakeRuntime implements domain.ContainerRuntime against an in-memory
// container map. The zero value is not usable; call New.
type FakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	nextPort   int
	Containers map[string]*FakeContainer
	Images     map[string]bool

	CreateErr  error
	BuildErr   error
	RestartErr error

	Built    []string
	Killed   []string
	Removed  []string
	Restarts map[string]int

	// RestartRecovers controls whether Restart brings a container back to
	// a running state.
	RestartRecovers bool
}

func New() *FakeRuntime {
	return &FakeRuntime{
		nextPort:        32768,
		Containers:      map[string]*FakeContainer{},
		Images:          map[string]bool{},
		Restarts:        map[string]int{},
		RestartRecovers: true,
	}
}

func (f *FakeRuntime) CreateAndStart(ctx context.Context, spec domain.ContainerCreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)

	ports := map[string]string{}
	for _, p := range spec.Ports {
		f.nextPort++
		ports[p] = fmt.Sprintf("localhost:%d", f.nextPort)
	}

	f.Containers[id] = &FakeContainer{
		ID:      id,
		Name:    spec.Name,
		Running: true,
		Health:  domain.HealthNone,
		Labels:  spec.Labels,
		Env:     spec.Env,
		Ports:   ports,
	}
	return id, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.Containers[containerID]
	if !ok {
		return domain.ErrContainerNotFound
	}
	c.Running = false
	return nil
}

func (f *FakeRuntime) Kill(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.Containers[containerID]
	if !ok {
		return domain.ErrContainerNotFound
	}
	if !c.Running {
		// Docker rejects kill on a stopped container with a conflict.
		return fmt.Errorf("container %s is not running", containerID)
	}
	c.Running = false
	f.Killed = append(f.Killed, containerID)
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Containers[containerID]; !ok {
		return domain.ErrContainerNotFound
	}
	delete(f.Containers, containerID)
	f.Removed = append(f.Removed, containerID)
	return nil
}

func (f *FakeRuntime) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.Containers[containerID]
	if !ok {
		return domain.ErrContainerNotFound
	}
	f.Restarts[containerID]++
	if f.RestartErr != nil {
		return f.RestartErr
	}
	if f.RestartRecovers {
		c.Running = true
		c.ExitCode = 0
		if c.Health == domain.HealthUnhealthy {
			c.Health = domain.HealthHealthy
		}
	}
	return nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, containerID string) (*domain.ContainerDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.Containers[containerID]
	if !ok {
		return nil, domain.ErrContainerNotFound
	}
	return f.detail(c), nil
}

func (f *FakeRuntime) ListByLabel(ctx context.Context, labels []string, all bool) ([]*domain.ContainerDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var details []*domain.ContainerDetail
	for _, c := range f.Containers {
		if !all && !c.Running {
			continue
		}
		if matchesLabels(c.Labels, labels) {
			details = append(details, f.detail(c))
		}
	}
	return details, nil
}

func (f *FakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Images[image], nil
}

func (f *FakeRuntime) BuildImage(ctx context.Context, image string, contextDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.Built = append(f.Built, image)
	f.Images[image] = true
	return nil
}

// RestartCount reads the restart counter under the runtime lock, for tests
// that poll it while recovery goroutines are still running.
func (f *FakeRuntime) RestartCount(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Restarts[containerID]
}

// SetState adjusts a container's liveness fields under the runtime lock.
func (f *FakeRuntime) SetState(containerID string, running bool, exitCode int, health domain.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.Containers[containerID]; ok {
		c.Running = running
		c.ExitCode = exitCode
		c.Health = health
	}
}

func (f *FakeRuntime) detail(c *FakeContainer) *domain.ContainerDetail {
	status := "exited"
	if c.Running {
		status = "running"
	}

	labels := make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	ports := make(map[string]string, len(c.Ports))
	for k, v := range c.Ports {
		ports[k] = v
	}

	return &domain.ContainerDetail{
		ID:       c.ID,
		Name:     c.Name,
		Running:  c.Running,
		Status:   status,
		ExitCode: c.ExitCode,
		Health:   c.Health,
		Labels:   labels,
		Ports:    ports,
	}
}

func matchesLabels(containerLabels map[string]string, filters []string) bool {
	for _, filter := range filters {
		key, value, hasValue := strings.Cut(filter, "=")
		got, present := containerLabels[key]
		if !present {
			return false
		}
		if hasValue && got != value {
			return false
		}
	}
	return true
}
