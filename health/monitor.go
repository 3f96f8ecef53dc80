// Package health watches challenge containers in the background and
// recovers or evicts the ones that fail.
//
// Status policy, kept from the reference behavior: a running container
// without a health check counts as healthy, and any non-zero exit code
// counts as unhealthy even for workloads that exit on purpose. There is no
// distinction between "crashed" and "finished cleanly" here; revisit if a
// challenge ever needs a short-lived container.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markmysler/dvc/domain"
)

const (
	DefaultCheckInterval = 30 * time.Second
	FailureThreshold     = 3
	RecoveryThreshold    = 3

	loopTick       = 5 * time.Second
	restartTimeout = 30 * time.Second
	settlePeriod   = 10 * time.Second
)

// record is the per-container bookkeeping. All access goes through the
// monitor lock.
type record struct {
	labels    domain.InstanceLabels
	interval  time.Duration
	status    domain.HealthStatus
	failures  int
	restarts  int
	lastCheck time.Time
}

// WatchInfo describes one monitored container.
type WatchInfo struct {
	ContainerID string              `json:"container_id"`
	ChallengeID string              `json:"challenge_id"`
	UserID      string              `json:"user_id"`
	SessionID   string              `json:"session_id"`
	Status      domain.HealthStatus `json:"status"`
	Failures    int                 `json:"failures"`
	Restarts    int                 `json:"restarts"`
}

// Summary is a point-in-time view of the monitor.
type Summary struct {
	Monitored  int  `json:"monitored_count"`
	Healthy    int  `json:"healthy_count"`
	Unhealthy  int  `json:"unhealthy_count"`
	Starting   int  `json:"starting_count"`
	Unknown    int  `json:"unknown_count"`
	Restarts   int  `json:"total_recovery_attempts"`
	Monitoring bool `json:"is_monitoring"`
}

// Monitor polls watched containers on a single background loop and
// serializes all bookkeeping behind one lock. Runtime calls that can take
// long (restart, kill, remove) are dispatched to their own goroutines so a
// slow container never stalls the tick.
type Monitor struct {
	runtime domain.ContainerRuntime
	logger  *slog.Logger

	// test seams; fixed defaults in production use
	tick   time.Duration
	settle time.Duration

	mu      sync.Mutex
	watched map[string]*record
	running bool
	stop    chan struct{}
	loopWG  sync.WaitGroup
}

func NewMonitor(runtime domain.ContainerRuntime, logger *slog.Logger) *Monitor {
	return &Monitor{
		runtime: runtime,
		logger:  logger,
		tick:    loopTick,
		settle:  settlePeriod,
		watched: map[string]*record{},
	}
}

// Watch registers a container for monitoring and starts the background
// loop if it is not already running. Containers without the ownership
// labels are refused.
func (m *Monitor) Watch(ctx context.Context, containerID string, interval time.Duration) error {
	detail, err := m.runtime.Inspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", containerID, err)
	}

	labels, err := domain.ParseInstanceLabels(detail.Labels)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", containerID, err)
	}

	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The first poll happens one interval from now; the container was
	// inspected just above, so it is known to exist.
	m.watched[containerID] = &record{
		labels:    labels,
		interval:  interval,
		status:    domain.HealthUnknown,
		lastCheck: time.Now(),
	}

	m.logger.Info("monitoring container",
		"container_id", containerID,
		"challenge_id", labels.ChallengeID,
		"interval", interval)

	if !m.running {
		m.startLoopLocked()
	}
	return nil
}

// Unwatch drops all tracking state for a container and stops the loop once
// nothing remains watched.
func (m *Monitor) Unwatch(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwatchLocked(containerID)
}

func (m *Monitor) unwatchLocked(containerID string) {
	if _, ok := m.watched[containerID]; !ok {
		return
	}
	delete(m.watched, containerID)
	m.logger.Info("stopped monitoring container", "container_id", containerID)

	if len(m.watched) == 0 && m.running {
		m.stopLoopLocked()
	}
}

// Status reports the last observed health of a container.
func (m *Monitor) Status(containerID string) domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.watched[containerID]; ok {
		return rec.status
	}
	return domain.HealthUnknown
}

// Watched lists the currently monitored containers.
func (m *Monitor) Watched() []WatchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]WatchInfo, 0, len(m.watched))
	for id, rec := range m.watched {
		infos = append(infos, WatchInfo{
			ContainerID: id,
			ChallengeID: rec.labels.ChallengeID,
			UserID:      rec.labels.UserID,
			SessionID:   rec.labels.SessionID,
			Status:      rec.status,
			Failures:    rec.failures,
			Restarts:    rec.restarts,
		})
	}
	return infos
}

// Summarize reports aggregate monitor state.
func (m *Monitor) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{Monitored: len(m.watched), Monitoring: m.running}
	for _, rec := range m.watched {
		s.Restarts += rec.restarts
		switch rec.status {
		case domain.HealthHealthy:
			s.Healthy++
		case domain.HealthUnhealthy:
			s.Unhealthy++
		case domain.HealthStarting:
			s.Starting++
		default:
			s.Unknown++
		}
	}
	return s
}

// Shutdown stops the loop and clears all tracking state.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if m.running {
		m.stopLoopLocked()
	}
	m.watched = map[string]*record{}
	m.mu.Unlock()

	m.loopWG.Wait()
	m.logger.Info("health monitor shut down")
}

func (m *Monitor) startLoopLocked() {
	m.stop = make(chan struct{})
	m.running = true
	m.loopWG.Add(1)
	go m.loop(m.stop)
	m.logger.Info("health monitoring loop started")
}

func (m *Monitor) stopLoopLocked() {
	close(m.stop)
	m.running = false
	m.logger.Info("health monitoring loop stopped")
}

func (m *Monitor) loop(stop chan struct{}) {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range m.due() {
				m.check(context.Background(), id)
			}
		}
	}
}

// due returns the containers whose own check interval has elapsed.
func (m *Monitor) due() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var ids []string
	for id, rec := range m.watched {
		if now.Sub(rec.lastCheck) >= rec.interval {
			ids = append(ids, id)
		}
	}
	return ids
}

// check performs one health check. Errors are contained: one misbehaving
// container never halts monitoring of the others.
func (m *Monitor) check(ctx context.Context, containerID string) {
	detail, err := m.runtime.Inspect(ctx, containerID)
	if errors.Is(err, domain.ErrContainerNotFound) {
		m.logger.Warn("watched container no longer exists", "container_id", containerID)
		m.Unwatch(containerID)
		return
	}

	m.mu.Lock()
	rec, ok := m.watched[containerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.lastCheck = time.Now()

	if err != nil {
		m.logger.Error("health check failed", "container_id", containerID, "error", err)
		rec.status = domain.HealthUnknown
		m.mu.Unlock()
		return
	}

	status := statusFor(detail)
	if rec.status != status {
		m.logger.Info("container health changed",
			"container_id", containerID,
			"challenge_id", rec.labels.ChallengeID,
			"from", rec.status,
			"to", status)
	}
	rec.status = status

	if status == domain.HealthHealthy {
		rec.failures = 0
		m.mu.Unlock()
		return
	}
	if status != domain.HealthUnhealthy {
		m.mu.Unlock()
		return
	}

	rec.failures++
	m.logger.Warn("unhealthy container",
		"container_id", containerID,
		"challenge_id", rec.labels.ChallengeID,
		"failures", rec.failures)

	if rec.failures <= FailureThreshold && rec.restarts < RecoveryThreshold {
		rec.restarts++
		m.mu.Unlock()
		go m.restart(containerID)
		return
	}

	// Permanently failed: evict instead of retrying forever.
	m.logger.Error("container exceeded recovery limits, evicting",
		"container_id", containerID,
		"challenge_id", rec.labels.ChallengeID,
		"failures", rec.failures,
		"restarts", rec.restarts)
	m.unwatchLocked(containerID)
	m.mu.Unlock()
	go m.destroy(containerID)
}

// statusFor maps runtime state to a health status, in the reference
// precedence order.
func statusFor(d *domain.ContainerDetail) domain.HealthStatus {
	if !d.Running {
		return domain.HealthUnhealthy
	}
	switch d.Health {
	case domain.HealthHealthy, domain.HealthUnhealthy, domain.HealthStarting:
		return d.Health
	}
	if d.ExitCode != 0 {
		return domain.HealthUnhealthy
	}
	return domain.HealthHealthy
}

// restart attempts recovery off the monitor lock, waits for the container
// to settle, then verifies it came back.
func (m *Monitor) restart(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout+m.settle)
	defer cancel()

	m.logger.Info("restarting unhealthy container", "container_id", containerID)

	if err := m.runtime.Restart(ctx, containerID, restartTimeout); err != nil {
		m.logger.Error("container restart failed", "container_id", containerID, "error", err)
		return
	}

	time.Sleep(m.settle)

	detail, err := m.runtime.Inspect(ctx, containerID)
	if err != nil {
		m.logger.Error("post-restart inspect failed", "container_id", containerID, "error", err)
		return
	}

	if detail.Running {
		m.logger.Info("container restarted successfully", "container_id", containerID)
		m.mu.Lock()
		if rec, ok := m.watched[containerID]; ok {
			rec.failures = 0
		}
		m.mu.Unlock()
	} else {
		m.logger.Warn("container did not come back after restart",
			"container_id", containerID,
			"status", detail.Status)
	}
}

// destroy force-kills and removes a permanently failed container.
func (m *Monitor) destroy(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	if err := m.runtime.Kill(ctx, containerID); err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
		m.logger.Error("failed to kill container", "container_id", containerID, "error", err)
	}

	if err := m.runtime.Remove(ctx, containerID, true); err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			m.logger.Info("container already removed", "container_id", containerID)
			return
		}
		m.logger.Error("failed to remove container", "container_id", containerID, "error", err)
		return
	}

	m.logger.Info("evicted failed container", "container_id", containerID)
}
