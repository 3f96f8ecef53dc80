// Package session tracks the binding of (user, challenge) pairs to running
// containers, in memory only. Sessions expire three independent ways: a
// periodic sweep, a one-shot timer per session, and lazily on every read.
// Losing track of an expired session would leak its container, so the
// mechanisms are deliberately redundant.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markmysler/dvc/domain"
)

const (
	DefaultTimeout     = time.Hour
	DefaultMaxPerUser  = 5
	sweepInterval      = 5 * time.Minute
	timerCleanupMargin = time.Minute
)

// ContainerInfo is what the caller learned from the orchestrator about the
// container a new session should bind to.
type ContainerInfo struct {
	ContainerID  string
	Ports        map[string]string
	InstanceData string
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total       int `json:"total_sessions"`
	Active      int `json:"active_sessions"`
	Expired     int `json:"expired_sessions"`
	Stopped     int `json:"stopped_sessions"`
	UniqueUsers int `json:"unique_users"`
}

// Registry is a thread-safe in-memory session store with per-user quotas.
type Registry struct {
	maxPerUser int
	logger     *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*domain.Session
	userSessions map[string][]string
	timers       map[string]*time.Timer

	sweeper *time.Ticker
	done    chan struct{}
	closed  bool
}

func NewRegistry(maxPerUser int, logger *slog.Logger) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}

	r := &Registry{
		maxPerUser:   maxPerUser,
		logger:       logger,
		sessions:     map[string]*domain.Session{},
		userSessions: map[string][]string{},
		timers:       map[string]*time.Timer{},
		sweeper:      time.NewTicker(sweepInterval),
		done:         make(chan struct{}),
	}

	go r.sweepLoop()

	logger.Info("session registry started", "max_sessions_per_user", maxPerUser)
	return r
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.sweeper.C:
			if n := r.SweepExpired(); n > 0 {
				r.logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// Create records a session binding userID and challengeID to an already
// running container. The caller is expected to have checked Get first;
// Create itself only enforces the per-user quota.
func (r *Registry) Create(userID, challengeID string, info ContainerInfo, timeout time.Duration) (string, error) {
	if userID == "" || challengeID == "" {
		return "", fmt.Errorf("%w: user id and challenge id are required", domain.ErrInvalidArgument)
	}
	if info.ContainerID == "" {
		return "", fmt.Errorf("%w: container id is required", domain.ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.userSessions[userID]) >= r.maxPerUser {
		return "", fmt.Errorf("%w: user %s already has %d sessions", domain.ErrSessionLimit, userID, r.maxPerUser)
	}

	sessionID := r.newSessionID()
	now := time.Now()

	r.sessions[sessionID] = &domain.Session{
		SessionID:    sessionID,
		UserID:       userID,
		ChallengeID:  challengeID,
		ContainerID:  info.ContainerID,
		Ports:        info.Ports,
		InstanceData: info.InstanceData,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
		Status:       domain.SessionActive,
	}
	r.userSessions[userID] = append(r.userSessions[userID], sessionID)

	// One-shot safety net slightly past the timeout, independent of the
	// periodic sweep.
	r.timers[sessionID] = time.AfterFunc(timeout+timerCleanupMargin, func() {
		if r.Remove(sessionID) {
			r.logger.Info("session removed by expiry timer", "session_id", sessionID)
		}
	})

	r.logger.Info("session created",
		"session_id", sessionID,
		"user_id", userID,
		"challenge_id", challengeID,
		"expires_at", now.Add(timeout))

	return sessionID, nil
}

// newSessionID must be called with the lock held.
func (r *Registry) newSessionID() string {
	for {
		id := uuid.New().String()[:8]
		if _, taken := r.sessions[id]; !taken {
			return id
		}
	}
}

// Get returns the active session for (userID, challengeID), or nil. A
// session found past its expiry is flipped to expired on the spot.
func (r *Registry) Get(userID, challengeID string) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, s := range r.sessions {
		if s.UserID != userID || s.ChallengeID != challengeID || s.Status != domain.SessionActive {
			continue
		}
		if s.Expired(now) {
			s.Status = domain.SessionExpired
			r.logger.Info("session expired on read", "session_id", s.SessionID)
			return nil
		}
		copied := *s
		return &copied
	}
	return nil
}

// GetByID returns the session by primary key, nil if missing or expired.
func (r *Registry) GetByID(sessionID string) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.Expired(time.Now()) {
		s.Status = domain.SessionExpired
		return nil
	}

	copied := *s
	return &copied
}

// Remove deletes a session and its user-index entry. Idempotent: removing
// an unknown session reports false.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID)
}

func (r *Registry) removeLocked(sessionID string) bool {
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	delete(r.sessions, sessionID)

	if timer, ok := r.timers[sessionID]; ok {
		timer.Stop()
		delete(r.timers, sessionID)
	}

	ids := r.userSessions[s.UserID]
	for i, id := range ids {
		if id == sessionID {
			r.userSessions[s.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.userSessions[s.UserID]) == 0 {
		delete(r.userSessions, s.UserID)
	}

	return true
}

// ListForUser returns the user's currently active sessions, expiring stale
// ones and pruning dangling index entries along the way.
func (r *Registry) ListForUser(userID string) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var active []domain.Session
	kept := r.userSessions[userID][:0]

	for _, id := range r.userSessions[userID] {
		s, ok := r.sessions[id]
		if !ok {
			continue // dangling reference, drop it
		}
		kept = append(kept, id)

		if s.Expired(now) {
			s.Status = domain.SessionExpired
			continue
		}
		if s.Status == domain.SessionActive {
			active = append(active, *s)
		}
	}

	if len(kept) == 0 {
		delete(r.userSessions, userID)
	} else {
		r.userSessions[userID] = kept
	}

	return active
}

// SweepExpired removes every session whose expiry has passed.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, s := range r.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		r.removeLocked(id)
	}
	return len(expired)
}

// Stats reports point-in-time session counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Total:       len(r.sessions),
		UniqueUsers: len(r.userSessions),
	}

	now := time.Now()
	for _, s := range r.sessions {
		switch {
		case s.Expired(now):
			stats.Expired++
		case s.Status == domain.SessionActive:
			stats.Active++
		default:
			stats.Stopped++
		}
	}
	return stats
}

// Close stops the sweep loop and cancels all pending expiry timers. The
// sessions themselves are in-memory only and simply vanish with the
// process.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	r.sweeper.Stop()
	close(r.done)

	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}

	r.logger.Info("session registry closed", "sessions", len(r.sessions))
}
