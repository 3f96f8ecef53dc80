// Package runner implements the container runtime on the local Docker
// engine via the moby client.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/markmysler/dvc/domain"
)

const (
	defaultMemoryLimit = 256 * 1024 * 1024 // 256m
	defaultNanoCPUs    = 500_000_000       // 0.5 CPU
	defaultPidsLimit   = int64(128)
)

// DockerRunner drives a single local Docker engine. It implements
// domain.ContainerRuntime.
type DockerRunner struct {
	cli    *client.Client
	logger *slog.Logger
}

func New(logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRunner{cli: cli, logger: logger}, nil
}

func (d *DockerRunner) CreateAndStart(ctx context.Context, spec domain.ContainerCreateSpec) (string, error) {
	exposedPorts := network.PortSet{}
	for _, p := range spec.Ports {
		port, err := network.ParsePort(p)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", p, err)
		}
		exposedPorts[port] = struct{}{}
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		User:         spec.Profile.User,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
	}

	hostConfig := &container.HostConfig{
		CapDrop:        spec.Profile.CapDrop,
		CapAdd:         spec.Profile.CapAdd,
		ReadonlyRootfs: spec.Profile.ReadOnlyRootfs && !spec.ReadWriteRoot,
		SecurityOpt:    spec.Profile.SecurityOpts,
		Tmpfs:          spec.Profile.Tmpfs,
		NetworkMode:    "bridge",
		IpcMode:        "none",
		// Host ports are left unbound; the engine assigns ephemeral ones.
		PublishAllPorts: true,
		AutoRemove:      false,
		Resources:       d.resources(spec.Resources),
	}

	for name, limit := range spec.Profile.Ulimits {
		hostConfig.Resources.Ulimits = append(hostConfig.Resources.Ulimits, &units.Ulimit{
			Name: name,
			Soft: limit.Soft,
			Hard: limit.Hard,
		})
	}

	createOptions := client.ContainerCreateOptions{
		Config:           containerConfig,
		HostConfig:       hostConfig,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             spec.Name,
	}

	resp, err := d.cli.ContainerCreate(ctx, createOptions)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if _, err := d.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		// Don't leave the half-created container behind.
		_, _ = d.cli.ContainerRemove(ctx, resp.ID, client.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// resources translates the challenge resource limits, falling back to
// defaults on unparseable values rather than failing the spawn.
func (d *DockerRunner) resources(limits domain.ResourceLimits) container.Resources {
	memory := int64(defaultMemoryLimit)
	if limits.Memory != "" {
		parsed, err := units.RAMInBytes(limits.Memory)
		if err != nil {
			d.logger.Warn("invalid memory limit, using default", "memory", limits.Memory)
		} else {
			memory = parsed
		}
	}

	nanoCPUs := int64(defaultNanoCPUs)
	if limits.CPUs != "" {
		parsed, err := strconv.ParseFloat(limits.CPUs, 64)
		if err != nil {
			d.logger.Warn("invalid cpu limit, using default 0.5", "cpus", limits.CPUs)
		} else {
			nanoCPUs = int64(parsed * 1e9)
		}
	}

	pids := defaultPidsLimit
	if limits.PidsLimit > 0 {
		pids = limits.PidsLimit
	}

	return container.Resources{
		Memory:    memory,
		NanoCPUs:  nanoCPUs,
		PidsLimit: &pids,
	}
}

func (d *DockerRunner) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	stopOptions := client.ContainerStopOptions{Timeout: &secs}
	if _, err := d.cli.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return translateErr(err, "failed to stop container")
	}
	return nil
}

func (d *DockerRunner) Kill(ctx context.Context, containerID string) error {
	if _, err := d.cli.ContainerKill(ctx, containerID, client.ContainerKillOptions{}); err != nil {
		return translateErr(err, "failed to kill container")
	}
	return nil
}

func (d *DockerRunner) Remove(ctx context.Context, containerID string, force bool) error {
	removeOptions := client.ContainerRemoveOptions{Force: force}
	if _, err := d.cli.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		return translateErr(err, "failed to remove container")
	}
	return nil
}

func (d *DockerRunner) Restart(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	restartOptions := client.ContainerRestartOptions{Timeout: &secs}
	if _, err := d.cli.ContainerRestart(ctx, containerID, restartOptions); err != nil {
		return translateErr(err, "failed to restart container")
	}
	return nil
}

func (d *DockerRunner) Inspect(ctx context.Context, containerID string) (*domain.ContainerDetail, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		return nil, translateErr(err, "failed to inspect container")
	}

	c := resp.Container
	detail := &domain.ContainerDetail{
		ID:     c.ID,
		Name:   c.Name,
		Health: domain.HealthNone,
		Ports:  map[string]string{},
	}

	if c.Config != nil {
		detail.Labels = c.Config.Labels
	}

	if c.State != nil {
		detail.Running = c.State.Running
		detail.Status = string(c.State.Status)
		detail.ExitCode = c.State.ExitCode
		if c.State.Health != nil {
			switch c.State.Health.Status {
			case container.Healthy:
				detail.Health = domain.HealthHealthy
			case container.Unhealthy:
				detail.Health = domain.HealthUnhealthy
			case container.Starting:
				detail.Health = domain.HealthStarting
			}
		}
	}

	if c.NetworkSettings != nil {
		for port, bindings := range c.NetworkSettings.Ports {
			if len(bindings) > 0 {
				detail.Ports[port.String()] = "localhost:" + bindings[0].HostPort
			}
		}
	}

	return detail, nil
}

func (d *DockerRunner) ListByLabel(ctx context.Context, labels []string, all bool) ([]*domain.ContainerDetail, error) {
	filters := make(client.Filters)
	for _, label := range labels {
		filters.Add("label", label)
	}

	resp, err := d.cli.ContainerList(ctx, client.ContainerListOptions{
		All:     all,
		Filters: filters,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	details := make([]*domain.ContainerDetail, 0, len(resp.Items))
	for _, c := range resp.Items {
		detail := &domain.ContainerDetail{
			ID:      c.ID,
			Running: c.State == container.StateRunning,
			Status:  string(c.State),
			Health:  domain.HealthNone,
			Labels:  c.Labels,
			Ports:   map[string]string{},
		}
		if len(c.Names) > 0 {
			detail.Name = c.Names[0]
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			key := fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
			detail.Ports[key] = fmt.Sprintf("localhost:%d", p.PublicPort)
		}
		details = append(details, detail)
	}

	return details, nil
}

func (d *DockerRunner) ImageExists(ctx context.Context, image string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, image); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

// envList renders an environment map in the NAME=value form the engine
// expects, in stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func translateErr(err error, msg string) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", domain.ErrContainerNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
