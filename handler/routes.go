package handler

import (
	"github.com/labstack/echo/v4"
)

// Register mounts every API route on e.
func Register(e *echo.Echo, ch *ChallengeHandler, fh *FlagHandler, hh *HintHandler, sh *StatusHandler) {
	e.GET("/api", sh.Info)
	e.GET("/api/health", sh.Health)

	e.GET("/api/challenges", ch.List)
	e.POST("/api/challenges", ch.Spawn)
	e.GET("/api/challenges/running", ch.Running)
	e.DELETE("/api/challenges/:session_id", ch.Stop)

	e.POST("/api/flags", fh.Submit)

	e.GET("/api/sessions/:session_id/hints", hh.Available)
	e.POST("/api/sessions/:session_id/hints/request", hh.Request)
	e.GET("/api/sessions/:session_id/hints/status", hh.Status)
}
