package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/markmysler/dvc/health"
	"github.com/markmysler/dvc/session"
)

type StatusHandler struct {
	sessions *session.Registry
	monitor  *health.Monitor
	started  time.Time
}

func NewStatusHandler(sessions *session.Registry, monitor *health.Monitor) *StatusHandler {
	return &StatusHandler{
		sessions: sessions,
		monitor:  monitor,
		started:  time.Now(),
	}
}

type healthResponse struct {
	Status        string         `json:"status"`
	Timestamp     int64          `json:"timestamp"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Sessions      session.Stats  `json:"sessions"`
	Containers    health.Summary `json:"containers"`
}

// Health reports process liveness plus session and container health
// statistics.
func (h *StatusHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Sessions:      h.sessions.Stats(),
		Containers:    h.monitor.Summarize(),
	})
}

type infoResponse struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Endpoints   map[string]string `json:"endpoints"`
}

// Info describes the API surface.
func (h *StatusHandler) Info(c echo.Context) error {
	return c.JSON(http.StatusOK, infoResponse{
		Name:        "dvc",
		Version:     "1.0.0",
		Description: "challenge lifecycle management and flag validation",
		Endpoints: map[string]string{
			"challenges": "/api/challenges",
			"flags":      "/api/flags",
			"health":     "/api/health",
		},
	})
}
