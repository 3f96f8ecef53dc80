// Package handler exposes the control plane over HTTP. Handlers translate
// between the JSON API surface and the orchestrator, session registry,
// health monitor and hint service; they never leak runtime error text to
// clients.
package handler

import (
	"github.com/labstack/echo/v4"
)

// errorBody is the JSON envelope every error response uses.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   int    `json:"code"`
}

func apiError(c echo.Context, code int, msg string) error {
	return c.JSON(code, errorBody{Status: "error", Error: msg, Code: code})
}

// preferredPorts is the order in which container ports are tried when
// constructing the browser-facing access URL.
var preferredPorts = []string{"80/tcp", "8080/tcp", "3000/tcp", "5000/tcp"}

// accessURL picks the most likely web port from a container's published
// port map. Returns "" when nothing is published.
func accessURL(ports map[string]string) string {
	if addr := primaryPort(ports); addr != "" {
		return "http://" + addr
	}
	return ""
}

// primaryPort returns the published address of the container's main port.
func primaryPort(ports map[string]string) string {
	for _, key := range preferredPorts {
		if addr, ok := ports[key]; ok {
			return addr
		}
	}
	for _, addr := range ports {
		return addr
	}
	return ""
}
