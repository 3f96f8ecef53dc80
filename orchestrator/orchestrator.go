// Package orchestrator maps challenge definitions and security profiles
// into running, labeled containers, and owns their whole lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/markmysler/dvc/config"
	"github.com/markmysler/dvc/domain"
	"github.com/markmysler/dvc/flags"
)

const stopGracePeriod = 10 * time.Second

// SpawnResult describes a freshly started challenge container. The flag
// itself is never returned; InstanceData is enough to re-derive it for
// verification.
type SpawnResult struct {
	ContainerID   string
	ContainerName string
	SessionToken  string
	InstanceData  string
	StartedAt     int64
}

type Orchestrator struct {
	store   *config.Store
	runtime domain.ContainerRuntime
	secret  string
	logger  *slog.Logger
}

func New(store *config.Store, runtime domain.ContainerRuntime, secret string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		runtime: runtime,
		secret:  secret,
		logger:  logger,
	}
}

// Challenge returns the definition for id, ErrChallengeNotFound if absent.
func (o *Orchestrator) Challenge(id string) (domain.Challenge, error) {
	return o.store.Challenge(id)
}

// Challenges returns every loaded challenge definition.
func (o *Orchestrator) Challenges() []domain.Challenge {
	return o.store.Challenges()
}

// Spawn starts a container for the challenge, hardened by its security
// profile, with a flag unique to this exact instance injected via the
// environment. Nothing is registered anywhere on failure; the container
// either runs fully set up or does not exist.
func (o *Orchestrator) Spawn(ctx context.Context, challengeID, userID string, timeout time.Duration) (*SpawnResult, error) {
	challenge, err := o.store.Challenge(challengeID)
	if err != nil {
		return nil, err
	}
	spec := challenge.ContainerSpec

	if err := o.ensureImage(ctx, spec); err != nil {
		return nil, err
	}

	sessionToken := newSessionToken()
	startedAt := time.Now().Unix()
	instanceData := fmt.Sprintf("timestamp:%d,nonce:%s", startedAt, sessionToken)
	flag := flags.Generate(challengeID, userID, instanceData, o.secret)

	labels := domain.InstanceLabels{
		ChallengeID: challengeID,
		UserID:      userID,
		SessionID:   sessionToken,
		StartedAt:   startedAt,
		Timeout:     int64(timeout.Seconds()),
		Name:        challenge.Name,
		Category:    challenge.Category,
	}

	env := make(map[string]string, len(spec.Environment)+6)
	for k, v := range spec.Environment {
		env[k] = v
	}
	env["CHALLENGE_ID"] = challengeID
	env["USER_ID"] = userID
	env["SESSION_ID"] = sessionToken
	env["SESSION_START"] = fmt.Sprintf("%d", startedAt)
	env["SESSION_TIMEOUT"] = fmt.Sprintf("%d", int64(timeout.Seconds()))
	// The sandboxed program reads its own flag from the environment; it is
	// never written to any shared location.
	env["FLAG"] = flag

	containerName := fmt.Sprintf("challenge-%s-%s", challengeID, sessionToken)

	o.logger.Info("spawning challenge",
		"challenge_id", challengeID,
		"user_id", userID,
		"session", sessionToken,
		"timeout", timeout)

	containerID, err := o.runtime.CreateAndStart(ctx, domain.ContainerCreateSpec{
		Name:          containerName,
		Image:         spec.Image,
		Env:           env,
		Labels:        labels.Map(),
		Ports:         spec.Ports,
		Profile:       o.store.Profile(spec.SecurityProfile),
		Resources:     spec.ResourceLimits,
		ReadWriteRoot: spec.ReadWriteRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("challenge spawn failed: %w", err)
	}

	o.logger.Info("challenge spawned",
		"challenge_id", challengeID,
		"user_id", userID,
		"container_id", containerID)

	return &SpawnResult{
		ContainerID:   containerID,
		ContainerName: containerName,
		SessionToken:  sessionToken,
		InstanceData:  instanceData,
		StartedAt:     startedAt,
	}, nil
}

func (o *Orchestrator) ensureImage(ctx context.Context, spec domain.ContainerSpec) error {
	exists, err := o.runtime.ImageExists(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("challenge spawn failed: %w", err)
	}
	if exists {
		return nil
	}

	if spec.BuildContext == "" {
		return fmt.Errorf("%w: %s", domain.ErrImageUnavailable, spec.Image)
	}

	o.logger.Info("image missing, building", "image", spec.Image, "context", spec.BuildContext)
	if err := o.runtime.BuildImage(ctx, spec.Image, spec.BuildContext); err != nil {
		return fmt.Errorf("challenge image build failed: %w", err)
	}
	return nil
}

// Stop stops and removes a challenge container. It refuses to touch
// containers that do not carry the ownership labels. A container that no
// longer exists is not an error: Stop reports false and the caller moves
// on.
func (o *Orchestrator) Stop(ctx context.Context, containerID string, force bool) (bool, error) {
	detail, err := o.runtime.Inspect(ctx, containerID)
	if errors.Is(err, domain.ErrContainerNotFound) {
		o.logger.Warn("container already gone", "container_id", containerID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("container stop failed: %w", err)
	}

	labels, err := domain.ParseInstanceLabels(detail.Labels)
	if err != nil {
		return false, fmt.Errorf("refusing to stop %s: %w", containerID, err)
	}

	o.logger.Info("stopping challenge",
		"challenge_id", labels.ChallengeID,
		"container_id", containerID,
		"force", force)

	switch {
	case !detail.Running:
		// Already exited; killing it would fail with a not-running
		// conflict, and Remove(force) below covers it anyway.
	case force:
		err = o.runtime.Kill(ctx, containerID)
	default:
		err = o.runtime.Stop(ctx, containerID, stopGracePeriod)
	}
	if err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
		return false, fmt.Errorf("container stop failed: %w", err)
	}

	if err := o.runtime.Remove(ctx, containerID, true); err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
		return false, fmt.Errorf("container remove failed: %w", err)
	}

	return true, nil
}

// List returns running challenge containers, optionally filtered to one
// owning user. Containers without parsable ownership labels are skipped.
func (o *Orchestrator) List(ctx context.Context, userID string) ([]domain.InstanceInfo, error) {
	filter := []string{domain.LabelChallengeID}
	if userID != "" {
		filter = []string{domain.LabelUserID + "=" + userID}
	}

	details, err := o.runtime.ListByLabel(ctx, filter, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}

	infos := make([]domain.InstanceInfo, 0, len(details))
	for _, d := range details {
		labels, err := domain.ParseInstanceLabels(d.Labels)
		if err != nil {
			o.logger.Warn("skipping container with malformed labels", "container_id", d.ID)
			continue
		}
		infos = append(infos, domain.InstanceInfo{
			ContainerID:   d.ID,
			ContainerName: d.Name,
			ChallengeID:   labels.ChallengeID,
			ChallengeName: labels.Name,
			Category:      labels.Category,
			UserID:        labels.UserID,
			SessionID:     labels.SessionID,
			StartedAt:     labels.StartedAt,
			Status:        d.Status,
			Ports:         d.Ports,
		})
	}
	return infos, nil
}

// CleanupExpired force-stops every challenge container whose label-declared
// lifetime has passed. Malformed labels are logged and skipped; the sweep
// never aborts midway.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (int, error) {
	details, err := o.runtime.ListByLabel(ctx, []string{domain.LabelChallengeID}, true)
	if err != nil {
		return 0, fmt.Errorf("cleanup sweep failed: %w", err)
	}

	cleaned := 0
	now := time.Now()
	for _, d := range details {
		labels, err := domain.ParseInstanceLabels(d.Labels)
		if err != nil {
			o.logger.Warn("invalid lifetime labels on container", "container_id", d.ID, "error", err)
			continue
		}
		if now.Before(labels.ExpiresAt()) {
			continue
		}

		o.logger.Info("cleaning up expired container",
			"container_id", d.ID,
			"challenge_id", labels.ChallengeID,
			"user_id", labels.UserID)

		if _, err := o.Stop(ctx, d.ID, true); err != nil {
			o.logger.Error("failed to clean up expired container", "container_id", d.ID, "error", err)
			continue
		}
		cleaned++
	}

	return cleaned, nil
}

// Verify checks a submitted flag against the running instance owned by
// (challengeID, userID). The instance nonce is reconstructed from the
// container's own labels; nothing client-supplied is trusted. No matching
// instance means the flag is simply invalid.
func (o *Orchestrator) Verify(ctx context.Context, challengeID, userID, submitted string) (bool, error) {
	details, err := o.runtime.ListByLabel(ctx, []string{domain.LabelUserID + "=" + userID}, false)
	if err != nil {
		return false, fmt.Errorf("flag verification failed: %w", err)
	}

	for _, d := range details {
		labels, err := domain.ParseInstanceLabels(d.Labels)
		if err != nil || labels.ChallengeID != challengeID {
			continue
		}
		return flags.Validate(submitted, challengeID, userID, labels.InstanceData(), o.secret), nil
	}

	return false, nil
}

func newSessionToken() string {
	return uuid.New().String()[:8]
}
