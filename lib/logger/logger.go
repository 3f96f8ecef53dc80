package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

// New returns a JSON logger tagged with the service name.
func New(service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		slog.String("service", service))
}

// RequestLogger logs every HTTP request with timing and client details.
func RequestLogger(service string) echo.MiddlewareFunc {
	logger := New(service)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			duration := time.Since(start)

			attrs := []any{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("client_ip", c.RealIP()),
				slog.String("user_agent", req.UserAgent()),
				slog.Time("start_time", start),
				slog.Duration("duration", duration),
				slog.Int("status_code", c.Response().Status),
			}
			logger.Info("HTTP Request", attrs...)

			return nil
		}
	}
}
