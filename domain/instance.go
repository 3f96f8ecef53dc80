package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Label keys attached to every challenge container. Containers carry their
// own ownership metadata so that any later consumer (health monitor,
// listing, cleanup) can recover it without a side database.
const (
	LabelChallengeID = "dvc.challenge.id"
	LabelUserID      = "dvc.challenge.user"
	LabelSessionID   = "dvc.challenge.session"
	LabelStartedAt   = "dvc.challenge.started"
	LabelTimeout     = "dvc.challenge.timeout"
	LabelName        = "dvc.challenge.name"
	LabelCategory    = "dvc.challenge.category"
)

// InstanceLabels is the typed form of the ownership label set.
type InstanceLabels struct {
	ChallengeID string
	UserID      string
	SessionID   string
	StartedAt   int64 // unix seconds
	Timeout     int64 // seconds
	Name        string
	Category    string
}

func (l InstanceLabels) Map() map[string]string {
	return map[string]string{
		LabelChallengeID: l.ChallengeID,
		LabelUserID:      l.UserID,
		LabelSessionID:   l.SessionID,
		LabelStartedAt:   strconv.FormatInt(l.StartedAt, 10),
		LabelTimeout:     strconv.FormatInt(l.Timeout, 10),
		LabelName:        l.Name,
		LabelCategory:    l.Category,
	}
}

// ParseInstanceLabels decodes the ownership label set from a container's
// label map. Returns ErrNotOwned if the challenge id label is absent.
func ParseInstanceLabels(m map[string]string) (InstanceLabels, error) {
	id := m[LabelChallengeID]
	if id == "" {
		return InstanceLabels{}, ErrNotOwned
	}

	started, err := strconv.ParseInt(m[LabelStartedAt], 10, 64)
	if err != nil {
		return InstanceLabels{}, fmt.Errorf("invalid %s label %q: %w", LabelStartedAt, m[LabelStartedAt], err)
	}

	timeout, err := strconv.ParseInt(m[LabelTimeout], 10, 64)
	if err != nil {
		return InstanceLabels{}, fmt.Errorf("invalid %s label %q: %w", LabelTimeout, m[LabelTimeout], err)
	}

	return InstanceLabels{
		ChallengeID: id,
		UserID:      m[LabelUserID],
		SessionID:   m[LabelSessionID],
		StartedAt:   started,
		Timeout:     timeout,
		Name:        m[LabelName],
		Category:    m[LabelCategory],
	}, nil
}

// InstanceData is the nonce string the flag for this instance is derived
// from. It is reconstructable from the labels alone, so a flag can be
// re-derived for verification without ever storing it.
func (l InstanceLabels) InstanceData() string {
	return fmt.Sprintf("timestamp:%d,nonce:%s", l.StartedAt, l.SessionID)
}

func (l InstanceLabels) ExpiresAt() time.Time {
	return time.Unix(l.StartedAt+l.Timeout, 0)
}

// InstanceInfo is a read-model of a running challenge container.
type InstanceInfo struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	ChallengeID   string            `json:"challenge_id"`
	ChallengeName string            `json:"challenge_name"`
	Category      string            `json:"category"`
	UserID        string            `json:"user_id"`
	SessionID     string            `json:"session_id"`
	StartedAt     int64             `json:"started_at"`
	Status        string            `json:"status"`
	Ports         map[string]string `json:"ports"`
}
