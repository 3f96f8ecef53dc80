package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/markmysler/dvc/domain"
	"github.com/markmysler/dvc/health"
	"github.com/markmysler/dvc/hints"
	"github.com/markmysler/dvc/orchestrator"
	"github.com/markmysler/dvc/session"
)

const (
	minSessionTimeout     = 60
	maxSessionTimeout     = 7200
	defaultSessionTimeout = 3600
)

type ChallengeHandler struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Registry
	monitor  *health.Monitor
	hints    *hints.Service
	logger   *slog.Logger
}

func NewChallengeHandler(orch *orchestrator.Orchestrator, sessions *session.Registry, monitor *health.Monitor, hintSvc *hints.Service, logger *slog.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		orch:     orch,
		sessions: sessions,
		monitor:  monitor,
		hints:    hintSvc,
		logger:   logger,
	}
}

type challengeSummary struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Category      string   `json:"category"`
	Difficulty    string   `json:"difficulty"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
	Points        int      `json:"points"`
	EstimatedTime string   `json:"estimated_time,omitempty"`
	Imported      bool     `json:"imported"`
	HintCount     int      `json:"hint_count"`
	Author        string   `json:"author,omitempty"`
}

type challengeListResponse struct {
	Status     string             `json:"status"`
	Challenges []challengeSummary `json:"challenges"`
	Count      int                `json:"count"`
}

// List returns every known challenge definition, sorted by category and
// difficulty. Hint text is never included here; only the count.
func (h *ChallengeHandler) List(c echo.Context) error {
	defs := h.orch.Challenges()

	summaries := make([]challengeSummary, 0, len(defs))
	for _, d := range defs {
		summaries = append(summaries, challengeSummary{
			ID:            d.ID,
			Name:          d.Name,
			Category:      d.Category,
			Difficulty:    d.Difficulty,
			Description:   d.Description,
			Tags:          d.Tags,
			Points:        d.Points,
			EstimatedTime: d.Metadata.EstimatedTime,
			Imported:      d.Imported,
			HintCount:     len(d.Metadata.Hints),
			Author:        d.Metadata.Author,
		})
	}

	return c.JSON(http.StatusOK, challengeListResponse{
		Status:     "success",
		Challenges: summaries,
		Count:      len(summaries),
	})
}

type spawnRequest struct {
	ChallengeID    string `json:"challenge_id"`
	UserID         string `json:"user_id"`
	SessionTimeout int    `json:"session_timeout"`
}

type spawnChallengeInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Ports       map[string]string `json:"ports"`
}

type spawnResponse struct {
	Status      string             `json:"status"`
	SessionID   string             `json:"session_id"`
	ContainerID string             `json:"container_id"`
	AccessURL   string             `json:"access_url,omitempty"`
	Challenge   spawnChallengeInfo `json:"challenge"`
	ExpiresAt   int64              `json:"expires_at"`
	Message     string             `json:"message"`
}

// Spawn starts a challenge container and registers a session for it. If
// the user already has an active session for the challenge, that session
// is returned instead of starting a second container.
func (h *ChallengeHandler) Spawn(c echo.Context) error {
	var req spawnRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "request must be JSON")
	}
	if req.ChallengeID == "" || req.UserID == "" {
		return apiError(c, http.StatusBadRequest, "challenge_id and user_id are required")
	}
	if req.SessionTimeout == 0 {
		req.SessionTimeout = defaultSessionTimeout
	}
	if req.SessionTimeout < minSessionTimeout || req.SessionTimeout > maxSessionTimeout {
		return apiError(c, http.StatusBadRequest, "session_timeout must be between 60 and 7200 seconds")
	}
	timeout := time.Duration(req.SessionTimeout) * time.Second

	ctx := c.Request().Context()

	if existing := h.sessions.Get(req.UserID, req.ChallengeID); existing != nil {
		h.logger.Info("reusing active session",
			"user_id", req.UserID,
			"challenge_id", req.ChallengeID,
			"session_id", existing.SessionID)
		return c.JSON(http.StatusOK, spawnResponse{
			Status:      "success",
			SessionID:   existing.SessionID,
			ContainerID: existing.ContainerID,
			AccessURL:   accessURL(existing.Ports),
			Challenge:   spawnChallengeInfo{ID: req.ChallengeID},
			ExpiresAt:   existing.ExpiresAt.Unix(),
			Message:     "challenge already running",
		})
	}

	def, err := h.orch.Challenge(req.ChallengeID)
	if errors.Is(err, domain.ErrChallengeNotFound) {
		return apiError(c, http.StatusNotFound, "challenge not found: "+req.ChallengeID)
	}
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "failed to load challenge")
	}

	res, err := h.orch.Spawn(ctx, req.ChallengeID, req.UserID, timeout)
	if err != nil {
		h.logger.Error("challenge spawn failed",
			"challenge_id", req.ChallengeID,
			"user_id", req.UserID,
			"error", err)
		return apiError(c, http.StatusInternalServerError, "failed to spawn challenge")
	}

	ports := h.containerPorts(c, req.UserID, res.ContainerID)

	sessionID, err := h.sessions.Create(req.UserID, req.ChallengeID, session.ContainerInfo{
		ContainerID:  res.ContainerID,
		Ports:        ports,
		InstanceData: res.InstanceData,
	}, timeout)
	if err != nil {
		// The container is already running but has no session; tear it
		// down rather than leaking it.
		if _, stopErr := h.orch.Stop(ctx, res.ContainerID, true); stopErr != nil {
			h.logger.Error("failed to stop orphaned container",
				"container_id", res.ContainerID, "error", stopErr)
		}
		if errors.Is(err, domain.ErrSessionLimit) {
			return apiError(c, http.StatusTooManyRequests, "session limit reached for user")
		}
		return apiError(c, http.StatusInternalServerError, "failed to create session")
	}

	if err := h.monitor.Watch(ctx, res.ContainerID, 0); err != nil {
		h.logger.Warn("could not start health monitoring",
			"container_id", res.ContainerID, "error", err)
	}

	h.logger.Info("challenge spawned",
		"challenge_id", req.ChallengeID,
		"user_id", req.UserID,
		"session_id", sessionID,
		"container_id", res.ContainerID)

	return c.JSON(http.StatusCreated, spawnResponse{
		Status:      "success",
		SessionID:   sessionID,
		ContainerID: res.ContainerID,
		AccessURL:   accessURL(ports),
		Challenge: spawnChallengeInfo{
			ID:          def.ID,
			Name:        def.Name,
			Category:    def.Category,
			Description: def.Description,
			Ports:       ports,
		},
		ExpiresAt: time.Now().Add(timeout).Unix(),
		Message:   "challenge " + req.ChallengeID + " spawned successfully",
	})
}

func (h *ChallengeHandler) containerPorts(c echo.Context, userID, containerID string) map[string]string {
	running, err := h.orch.List(c.Request().Context(), userID)
	if err != nil {
		h.logger.Warn("could not list ports for new container",
			"container_id", containerID, "error", err)
		return nil
	}
	for _, inst := range running {
		if inst.ContainerID == containerID {
			return inst.Ports
		}
	}
	return nil
}

type stopResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	SessionID   string `json:"session_id"`
	ChallengeID string `json:"challenge_id"`
}

// Stop tears down the container behind a session and removes the session.
// The session is always cleaned up, even when the container is already
// gone.
func (h *ChallengeHandler) Stop(c echo.Context) error {
	sessionID := c.Param("session_id")
	if len(sessionID) < 4 {
		return apiError(c, http.StatusBadRequest, "invalid session id")
	}

	sess := h.sessions.GetByID(sessionID)
	if sess == nil {
		return apiError(c, http.StatusNotFound, "session not found or already expired")
	}

	h.monitor.Unwatch(sess.ContainerID)
	_, err := h.orch.Stop(c.Request().Context(), sess.ContainerID, false)
	h.sessions.Remove(sessionID)
	h.hints.Forget(sessionID)

	if err != nil {
		h.logger.Error("challenge stop failed",
			"session_id", sessionID,
			"container_id", sess.ContainerID,
			"error", err)
		return apiError(c, http.StatusInternalServerError, "failed to stop challenge")
	}

	return c.JSON(http.StatusOK, stopResponse{
		Status:      "success",
		Message:     "challenge " + sess.ChallengeID + " stopped successfully",
		SessionID:   sessionID,
		ChallengeID: sess.ChallengeID,
	})
}

type runningChallenge struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	ChallengeID   string            `json:"challenge_id"`
	ChallengeName string            `json:"challenge_name"`
	Category      string            `json:"category"`
	UserID        string            `json:"user_id"`
	StartedAt     int64             `json:"started_at"`
	Status        string            `json:"status"`
	Ports         map[string]string `json:"ports"`
	AccessURL     string            `json:"access_url,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	ExpiresAt     int64             `json:"expires_at,omitempty"`
}

type runningResponse struct {
	Status     string             `json:"status"`
	Challenges []runningChallenge `json:"challenges"`
	Count      int                `json:"count"`
}

// Running lists active challenge containers, optionally filtered by user,
// enriched with session details where a session is known.
func (h *ChallengeHandler) Running(c echo.Context) error {
	userID := c.QueryParam("user_id")

	instances, err := h.orch.List(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("listing running challenges failed", "error", err)
		return apiError(c, http.StatusInternalServerError, "failed to list running challenges")
	}

	challenges := make([]runningChallenge, 0, len(instances))
	for _, inst := range instances {
		rc := runningChallenge{
			ContainerID:   inst.ContainerID,
			ContainerName: inst.ContainerName,
			ChallengeID:   inst.ChallengeID,
			ChallengeName: inst.ChallengeName,
			Category:      inst.Category,
			UserID:        inst.UserID,
			StartedAt:     inst.StartedAt,
			Status:        inst.Status,
			Ports:         inst.Ports,
			AccessURL:     accessURL(inst.Ports),
		}
		if sess := h.sessions.Get(inst.UserID, inst.ChallengeID); sess != nil {
			rc.SessionID = sess.SessionID
			rc.ExpiresAt = sess.ExpiresAt.Unix()
		}
		challenges = append(challenges, rc)
	}

	return c.JSON(http.StatusOK, runningResponse{
		Status:     "success",
		Challenges: challenges,
		Count:      len(challenges),
	})
}
