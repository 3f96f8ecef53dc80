package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/markmysler/dvc/domain"
	"github.com/markmysler/dvc/hints"
	"github.com/markmysler/dvc/session"
)

type HintHandler struct {
	sessions *session.Registry
	hints    *hints.Service
	logger   *slog.Logger
}

func NewHintHandler(sessions *session.Registry, hintSvc *hints.Service, logger *slog.Logger) *HintHandler {
	return &HintHandler{
		sessions: sessions,
		hints:    hintSvc,
		logger:   logger,
	}
}

func (h *HintHandler) resolve(c echo.Context) (*domain.Session, error) {
	sess := h.sessions.GetByID(c.Param("session_id"))
	if sess == nil {
		return nil, apiError(c, http.StatusNotFound, "session not found or expired")
	}
	return sess, nil
}

// Available returns the hints the session has unlocked so far.
func (h *HintHandler) Available(c echo.Context) error {
	sess, err := h.resolve(c)
	if sess == nil {
		return err
	}

	set, err := h.hints.Available(sess, time.Now())
	if err != nil {
		if errors.Is(err, domain.ErrChallengeNotFound) {
			return apiError(c, http.StatusNotFound, "challenge not found: "+sess.ChallengeID)
		}
		h.logger.Error("hint lookup failed", "session_id", sess.SessionID, "error", err)
		return apiError(c, http.StatusInternalServerError, "failed to get hints")
	}
	return c.JSON(http.StatusOK, set)
}

// Request unlocks the next hint ahead of its timer.
func (h *HintHandler) Request(c echo.Context) error {
	sess, err := h.resolve(c)
	if sess == nil {
		return err
	}

	set, err := h.hints.Request(sess, time.Now())
	if err != nil {
		if errors.Is(err, domain.ErrChallengeNotFound) {
			return apiError(c, http.StatusNotFound, "challenge not found: "+sess.ChallengeID)
		}
		return apiError(c, http.StatusBadRequest, "no more hints available")
	}
	return c.JSON(http.StatusOK, set)
}

// Status reports hint timing without revealing hint text.
func (h *HintHandler) Status(c echo.Context) error {
	sess, err := h.resolve(c)
	if sess == nil {
		return err
	}

	st, err := h.hints.StatusFor(sess, time.Now())
	if err != nil {
		if errors.Is(err, domain.ErrChallengeNotFound) {
			return apiError(c, http.StatusNotFound, "challenge not found: "+sess.ChallengeID)
		}
		h.logger.Error("hint status failed", "session_id", sess.SessionID, "error", err)
		return apiError(c, http.StatusInternalServerError, "failed to get hint status")
	}
	return c.JSON(http.StatusOK, st)
}
