package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/markmysler/dvc/flags"
	"github.com/markmysler/dvc/session"
)

type FlagHandler struct {
	sessions *session.Registry
	secret   string
	logger   *slog.Logger
}

func NewFlagHandler(sessions *session.Registry, secret string, logger *slog.Logger) *FlagHandler {
	return &FlagHandler{
		sessions: sessions,
		secret:   secret,
		logger:   logger,
	}
}

type submitRequest struct {
	Flag      string `json:"flag"`
	SessionID string `json:"session_id"`
}

type submitResponse struct {
	Valid       bool   `json:"valid"`
	ChallengeID string `json:"challenge_id"`
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
}

// Submit validates a flag against the session it was issued for. The
// expected flag is re-derived from the session's instance data; the
// client's submission is never trusted beyond a surface format check and a
// constant-time compare.
func (h *FlagHandler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "request must be JSON")
	}

	submitted := strings.TrimSpace(req.Flag)
	sessionID := strings.TrimSpace(req.SessionID)
	if submitted == "" || sessionID == "" {
		return apiError(c, http.StatusBadRequest, "flag and session_id are required")
	}

	sess := h.sessions.GetByID(sessionID)
	if sess == nil {
		return apiError(c, http.StatusNotFound, "session not found or expired")
	}

	valid := flags.Validate(submitted, sess.ChallengeID, sess.UserID, sess.InstanceData, h.secret)

	msg := "Incorrect flag. Try again!"
	if valid {
		msg = "Correct flag! Challenge solved."
	}

	h.logger.Info("flag submission",
		"challenge_id", sess.ChallengeID,
		"user_id", sess.UserID,
		"session_id", sessionID,
		"valid", valid)

	return c.JSON(http.StatusOK, submitResponse{
		Valid:       valid,
		ChallengeID: sess.ChallengeID,
		SessionID:   sessionID,
		Message:     msg,
	})
}
