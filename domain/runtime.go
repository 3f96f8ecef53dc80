package domain

import (
	"context"
	"time"
)

// ContainerCreateSpec is the runtime-neutral invocation the orchestrator
// builds from a challenge definition plus its security profile.
type ContainerCreateSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Ports         []string // container ports, e.g. "80/tcp"
	Profile       SecurityProfile
	Resources     ResourceLimits
	ReadWriteRoot bool
}

// ContainerDetail is the runtime-neutral view of a container's state.
type ContainerDetail struct {
	ID       string
	Name     string
	Running  bool
	Status   string
	ExitCode int
	// Health is the runtime's own health-check verdict, HealthNone when the
	// image has no health check configured.
	Health HealthStatus
	Labels map[string]string
	Ports  map[string]string // container port -> "localhost:<host port>"
}

// ContainerRuntime is the container engine the control plane drives. The
// runtime itself is the source of truth for container existence; callers
// must treat ErrContainerNotFound as absence, not failure.
type ContainerRuntime interface {
	CreateAndStart(ctx context.Context, spec ContainerCreateSpec) (string, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
	Restart(ctx context.Context, containerID string, timeout time.Duration) error
	Inspect(ctx context.Context, containerID string) (*ContainerDetail, error)
	// ListByLabel returns containers matching every given label filter
	// ("key" or "key=value"), running only unless all is set.
	ListByLabel(ctx context.Context, labels []string, all bool) ([]*ContainerDetail, error)
	ImageExists(ctx context.Context, image string) (bool, error)
	BuildImage(ctx context.Context, image string, contextDir string) error
}
