package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/markmysler/dvc/config"
	"github.com/markmysler/dvc/handler"
	"github.com/markmysler/dvc/health"
	"github.com/markmysler/dvc/hints"
	"github.com/markmysler/dvc/lib/logger"
	"github.com/markmysler/dvc/orchestrator"
	"github.com/markmysler/dvc/runner"
	"github.com/markmysler/dvc/session"
)

const cleanupInterval = time.Minute

func main() {
	log := logger.New("dvc-server")

	challengesPath := getEnv("DVC_CHALLENGES", "challenges/definitions/challenges.json")
	importedPath := getEnv("DVC_IMPORTED", "challenges/definitions/imported.json")
	profilesPath := getEnv("DVC_PROFILES", "security/container-profiles.json")
	port := getEnv("SERVER_PORT", "5000")

	secret := os.Getenv("FLAG_SECRET_KEY")
	if secret == "" {
		log.Error("FLAG_SECRET_KEY must be set")
		os.Exit(1)
	}

	store, err := config.NewStore(challengesPath, importedPath, profilesPath, log)
	if err != nil {
		log.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	rt, err := runner.New(log)
	if err != nil {
		log.Error("connecting to container engine failed", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(store, rt, secret, log)
	sessions := session.NewRegistry(getEnvInt("MAX_SESSIONS_PER_USER", session.DefaultMaxPerUser, log), log)
	monitor := health.NewMonitor(rt, log)
	hintSvc := hints.NewService(store, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(logger.RequestLogger("dvc-server"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:3001",
			"http://localhost:8080",
		},
		AllowCredentials: true,
	}))

	handler.Register(e,
		handler.NewChallengeHandler(orch, sessions, monitor, hintSvc, log),
		handler.NewFlagHandler(sessions, secret, log),
		handler.NewHintHandler(sessions, hintSvc, log),
		handler.NewStatusHandler(sessions, monitor))

	// Expired containers are reaped in the background even when their
	// session timers misfire; the labels alone are enough.
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	go reapExpired(cleanupCtx, orch, log)

	go func() {
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()
	log.Info("server started", "port", port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancelCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	monitor.Shutdown()
	sessions.Close()
	log.Info("shutdown complete")
}

func reapExpired(ctx context.Context, orch *orchestrator.Orchestrator, log *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orch.CleanupExpired(ctx)
			if err != nil {
				log.Error("expired container cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("cleaned up expired containers", "count", n)
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, log *slog.Logger) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Warn("ignoring invalid value", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}
