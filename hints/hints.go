// Package hints implements progressive hint disclosure for running
// challenge sessions. Hints unlock on a timer (one per interval of session
// age) and can also be requested early; the two mechanisms combine, taking
// whichever has unlocked more.
package hints

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markmysler/dvc/config"
	"github.com/markmysler/dvc/domain"
)

const (
	// UnlockInterval is how much session age unlocks one more hint.
	UnlockInterval = 5 * time.Minute

	// MaxHints caps early requests so a session cannot burn through an
	// absurd hint list in one go.
	MaxHints = 10
)

// Hint is one unlocked hint.
type Hint struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	UnlockedBy string `json:"unlocked_by"` // "time" or "request"
	UnlockedAt int64  `json:"unlocked_at"` // unix seconds
}

// Set is the unlocked portion of a challenge's hint list.
type Set struct {
	Available  []Hint `json:"available_hints"`
	Total      int    `json:"total_hints"`
	NextUnlock int64  `json:"next_unlock,omitempty"` // unix seconds, 0 when all unlocked
	Requested  int    `json:"hints_requested"`
}

// Status reports hint timing for a session without revealing hint text.
type Status struct {
	ChallengeID     string `json:"challenge_id"`
	SessionID       string `json:"session_id"`
	Total           int    `json:"total_hints"`
	Available       int    `json:"available_count"`
	TimeUnlocked    int    `json:"time_unlocked_count"`
	RequestUnlocked int    `json:"request_unlocked_count"`
	NextUnlockIn    int64  `json:"next_unlock_in_seconds,omitempty"`
	SessionAge      int64  `json:"session_duration_seconds"`
	Requested       int    `json:"hints_requested"`
}

// Service tracks per-session hint request counters on top of the challenge
// definitions in the config store. Counters are in-memory only; they live
// and die with the session.
type Service struct {
	store  *config.Store
	logger *slog.Logger

	mu        sync.Mutex
	requested map[string]int // session id -> early-unlock count
}

func NewService(store *config.Store, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		logger:    logger,
		requested: map[string]int{},
	}
}

// Available returns the hints a session has unlocked so far.
func (s *Service) Available(sess *domain.Session, now time.Time) (*Set, error) {
	hints, err := s.challengeHints(sess.ChallengeID)
	if err != nil {
		return nil, err
	}

	requested := s.requestedFor(sess.SessionID)
	timeUnlocked, available := unlockedCounts(len(hints), sess.CreatedAt, now, requested)

	set := &Set{
		Available: make([]Hint, 0, available),
		Total:     len(hints),
		Requested: requested,
	}
	for i := 0; i < available; i++ {
		by := "request"
		if i < timeUnlocked {
			by = "time"
		}
		set.Available = append(set.Available, Hint{
			Index:      i,
			Text:       hints[i],
			UnlockedBy: by,
			UnlockedAt: sess.CreatedAt.Add(time.Duration(i) * UnlockInterval).Unix(),
		})
	}
	if available < len(hints) {
		set.NextUnlock = sess.CreatedAt.Add(time.Duration(available) * UnlockInterval).Unix()
	}
	return set, nil
}

// Request unlocks the next hint early and returns the updated set.
func (s *Service) Request(sess *domain.Session, now time.Time) (*Set, error) {
	hints, err := s.challengeHints(sess.ChallengeID)
	if err != nil {
		return nil, err
	}
	if len(hints) == 0 {
		return nil, fmt.Errorf("challenge %s has no hints", sess.ChallengeID)
	}

	s.mu.Lock()
	requested := s.requested[sess.SessionID]
	_, available := unlockedCounts(len(hints), sess.CreatedAt, now, requested)
	if available >= len(hints) || available >= MaxHints {
		s.mu.Unlock()
		return nil, fmt.Errorf("no more hints to unlock for session %s", sess.SessionID)
	}
	// Requesting means "give me one past whatever is already unlocked",
	// not just bumping a counter that time may have overtaken.
	s.requested[sess.SessionID] = available + 1
	s.mu.Unlock()

	s.logger.Info("hint requested",
		"challenge_id", sess.ChallengeID,
		"session_id", sess.SessionID,
		"unlocked", available+1,
		"total", len(hints))

	return s.Available(sess, now)
}

// StatusFor reports timing information without hint text.
func (s *Service) StatusFor(sess *domain.Session, now time.Time) (*Status, error) {
	hints, err := s.challengeHints(sess.ChallengeID)
	if err != nil {
		return nil, err
	}

	requested := s.requestedFor(sess.SessionID)
	timeUnlocked, available := unlockedCounts(len(hints), sess.CreatedAt, now, requested)

	st := &Status{
		ChallengeID:     sess.ChallengeID,
		SessionID:       sess.SessionID,
		Total:           len(hints),
		Available:       available,
		TimeUnlocked:    timeUnlocked,
		RequestUnlocked: available - timeUnlocked,
		SessionAge:      int64(now.Sub(sess.CreatedAt).Seconds()),
		Requested:       requested,
	}
	if available < len(hints) {
		nextAt := sess.CreatedAt.Add(time.Duration(available) * UnlockInterval)
		if in := int64(nextAt.Sub(now).Seconds()); in > 0 {
			st.NextUnlockIn = in
		}
	}
	return st, nil
}

// Forget drops the request counter for a session. Called when the session
// ends.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.requested, sessionID)
	s.mu.Unlock()
}

func (s *Service) challengeHints(challengeID string) ([]string, error) {
	ch, err := s.store.Challenge(challengeID)
	if err != nil {
		return nil, err
	}
	return ch.Metadata.Hints, nil
}

func (s *Service) requestedFor(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested[sessionID]
}

// unlockedCounts computes how many hints have unlocked by time alone and
// in total. The combined count is whichever of the two mechanisms has
// unlocked more, capped at the hint list length and the request ceiling.
func unlockedCounts(total int, createdAt, now time.Time, requested int) (timeUnlocked, available int) {
	elapsed := now.Sub(createdAt)
	if elapsed > 0 {
		timeUnlocked = int(elapsed / UnlockInterval)
	}
	if timeUnlocked > total {
		timeUnlocked = total
	}

	available = timeUnlocked
	if requested > available {
		available = requested
	}
	if available > total {
		available = total
	}
	if available > MaxHints {
		available = MaxHints
	}
	return timeUnlocked, available
}
