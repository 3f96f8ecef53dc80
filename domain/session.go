package domain

import "time"

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionStopped SessionStatus = "stopped"
)

// Session binds a (user, challenge) pair to a running container for a
// bounded time.
type Session struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	ChallengeID  string            `json:"challenge_id"`
	ContainerID  string            `json:"container_id"`
	Ports        map[string]string `json:"ports,omitempty"`
	InstanceData string            `json:"instance_data"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Status       SessionStatus     `json:"status"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
