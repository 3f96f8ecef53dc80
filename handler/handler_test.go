package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/markmysler/dvc/config"
	"github.com/markmysler/dvc/flags"
	"github.com/markmysler/dvc/health"
	"github.com/markmysler/dvc/hints"
	"github.com/markmysler/dvc/orchestrator"
	"github.com/markmysler/dvc/runner/runnertest"
	"github.com/markmysler/dvc/session"
)

const testSecret = "test-secret-key"

const testChallenges = `{
  "schema_version": "1.0",
  "challenges": [
    {
      "id": "web-xss-basic",
      "name": "Basic XSS",
      "category": "web",
      "difficulty": "beginner",
      "description": "Reflected XSS in a search form",
      "container_spec": {
        "image": "dvc/web-xss-basic:latest",
        "ports": ["80/tcp"],
        "security_profile": "challenge",
        "resource_limits": {"memory": "256m", "cpus": "0.5", "pids_limit": 128}
      },
      "metadata": {"hints": ["Check the search box", "Script tags are not filtered"]}
    },
    {
      "id": "path-traversal",
      "name": "Path Traversal",
      "category": "web",
      "difficulty": "intermediate",
      "description": "Escape the web root",
      "container_spec": {
        "image": "dvc/path-traversal:latest",
        "ports": ["80/tcp"],
        "security_profile": "challenge",
        "build_context": "challenges/path-traversal",
        "resource_limits": {"memory": "256m", "cpus": "0.5", "pids_limit": 128}
      },
      "metadata": {"hints": ["Try dot dot slash"]}
    }
  ]
}`

type testAPI struct {
	e        *echo.Echo
	rt       *runnertest.FakeRuntime
	sessions *session.Registry
	monitor  *health.Monitor
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "challenges.json")
	if err := os.WriteFile(path, []byte(testChallenges), 0o600); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.DiscardHandler)
	store, err := config.NewStore(path, "", filepath.Join(dir, "profiles.json"), logger)
	if err != nil {
		t.Fatal(err)
	}

	rt := runnertest.New()
	rt.Images["dvc/web-xss-basic:latest"] = true

	orch := orchestrator.New(store, rt, testSecret, logger)
	sessions := session.NewRegistry(0, logger)
	t.Cleanup(sessions.Close)
	monitor := health.NewMonitor(rt, logger)
	t.Cleanup(monitor.Shutdown)
	hintSvc := hints.NewService(store, logger)

	e := echo.New()
	Register(e,
		NewChallengeHandler(orch, sessions, monitor, hintSvc, logger),
		NewFlagHandler(sessions, testSecret, logger),
		NewHintHandler(sessions, hintSvc, logger),
		NewStatusHandler(sessions, monitor))

	return &testAPI{e: e, rt: rt, sessions: sessions, monitor: monitor}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestListChallenges(t *testing.T) {
	api := newTestAPI(t)

	rec, body := api.do(t, http.MethodGet, "/api/challenges", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"].(float64) != 2 {
		t.Fatalf("count = %v", body["count"])
	}

	first := body["challenges"].([]any)[0].(map[string]any)
	if _, leaked := first["hints"]; leaked {
		t.Fatal("hint text leaked in challenge listing")
	}
	if first["hint_count"].(float64) == 0 {
		t.Fatal("hint_count missing from listing")
	}
}

func TestSpawnSubmitStopLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec, body := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "path-traversal", "user_id": "alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("spawn status = %d: %v", rec.Code, body)
	}

	sessionID := body["session_id"].(string)
	containerID := body["container_id"].(string)
	if sessionID == "" || containerID == "" {
		t.Fatalf("spawn response incomplete: %v", body)
	}
	if body["access_url"] == nil || !strings.HasPrefix(body["access_url"].(string), "http://localhost:") {
		t.Fatalf("access_url = %v", body["access_url"])
	}

	// The image had no local copy; spawning must have built it.
	if len(api.rt.Built) != 1 || api.rt.Built[0] != "dvc/path-traversal:latest" {
		t.Fatalf("Built = %v", api.rt.Built)
	}

	// The container is being monitored.
	if got := api.monitor.Summarize().Monitored; got != 1 {
		t.Fatalf("Monitored = %d, want 1", got)
	}

	// The real flag, derived exactly as the container environment has it,
	// validates; a well-formed fake does not.
	sess := api.sessions.GetByID(sessionID)
	if sess == nil {
		t.Fatal("session not registered")
	}
	realFlag := flags.Generate("path-traversal", "alice", sess.InstanceData, testSecret)

	rec, body = api.do(t, http.MethodPost, "/api/flags",
		`{"flag": "`+realFlag+`", "session_id": "`+sessionID+`"}`)
	if rec.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("real flag rejected: %d %v", rec.Code, body)
	}

	rec, body = api.do(t, http.MethodPost, "/api/flags",
		`{"flag": "flag{0000000000000000}", "session_id": "`+sessionID+`"}`)
	if rec.Code != http.StatusOK || body["valid"] != false {
		t.Fatalf("fake flag accepted: %d %v", rec.Code, body)
	}

	// Stop removes container, session and monitoring.
	rec, body = api.do(t, http.MethodDelete, "/api/challenges/"+sessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d: %v", rec.Code, body)
	}
	if api.sessions.GetByID(sessionID) != nil {
		t.Fatal("session survived stop")
	}
	if _, exists := api.rt.Containers[containerID]; exists {
		t.Fatal("container survived stop")
	}
	if got := api.monitor.Summarize().Monitored; got != 0 {
		t.Fatalf("Monitored after stop = %d, want 0", got)
	}
}

func TestSpawnValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing fields", `{}`, http.StatusBadRequest},
		{"timeout too short", `{"challenge_id": "web-xss-basic", "user_id": "alice", "session_timeout": 30}`, http.StatusBadRequest},
		{"timeout too long", `{"challenge_id": "web-xss-basic", "user_id": "alice", "session_timeout": 90000}`, http.StatusBadRequest},
		{"unknown challenge", `{"challenge_id": "no-such", "user_id": "alice"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := api.do(t, http.MethodPost, "/api/challenges", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestSpawnReusesActiveSession(t *testing.T) {
	api := newTestAPI(t)

	rec, first := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "web-xss-basic", "user_id": "alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first spawn status = %d", rec.Code)
	}

	rec, second := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "web-xss-basic", "user_id": "alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second spawn status = %d, want 200", rec.Code)
	}
	if second["session_id"] != first["session_id"] {
		t.Fatalf("second spawn created new session %v", second["session_id"])
	}
	// The reused session reports the container's real published address.
	if second["access_url"] == "" || second["access_url"] != first["access_url"] {
		t.Fatalf("reuse access_url = %v, first spawn had %v", second["access_url"], first["access_url"])
	}
	if len(api.rt.Containers) != 1 {
		t.Fatalf("%d containers after repeat spawn, want 1", len(api.rt.Containers))
	}
}

func TestSpawnQuota(t *testing.T) {
	api := newTestAPI(t)

	// Fill the user's quota with sessions for other challenges, then
	// spawn one more. The container must not be left running after the
	// quota rejection.
	for i := 0; i < session.DefaultMaxPerUser; i++ {
		id := "seed-" + string(rune('a'+i))
		if _, err := api.sessions.Create("alice", id, session.ContainerInfo{ContainerID: "seed"}, time.Hour); err != nil {
			t.Fatalf("seed session %d: %v", i, err)
		}
	}

	rec, _ := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "web-xss-basic", "user_id": "alice"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if len(api.rt.Containers) != 0 {
		t.Fatalf("%d containers left running after quota rejection", len(api.rt.Containers))
	}
}

func TestStopUnknownSession(t *testing.T) {
	api := newTestAPI(t)

	rec, _ := api.do(t, http.MethodDelete, "/api/challenges/deadbeef", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec, _ = api.do(t, http.MethodDelete, "/api/challenges/ab", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short id status = %d, want 400", rec.Code)
	}
}

func TestRunningList(t *testing.T) {
	api := newTestAPI(t)

	if _, body := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "web-xss-basic", "user_id": "alice"}`); body["session_id"] == nil {
		t.Fatalf("spawn failed: %v", body)
	}

	rec, body := api.do(t, http.MethodGet, "/api/challenges/running?user_id=alice", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("running list: %d %v", rec.Code, body)
	}

	entry := body["challenges"].([]any)[0].(map[string]any)
	if entry["challenge_id"] != "web-xss-basic" || entry["session_id"] == nil {
		t.Fatalf("running entry = %v", entry)
	}

	rec, body = api.do(t, http.MethodGet, "/api/challenges/running?user_id=bob", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("bob sees alice's containers: %v", body)
	}
}

func TestFlagSubmissionValidation(t *testing.T) {
	api := newTestAPI(t)

	rec, _ := api.do(t, http.MethodPost, "/api/flags", `{"flag": "", "session_id": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty submission status = %d, want 400", rec.Code)
	}

	rec, _ = api.do(t, http.MethodPost, "/api/flags",
		`{"flag": "flag{0000000000000000}", "session_id": "deadbeef"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestHintFlow(t *testing.T) {
	api := newTestAPI(t)

	_, body := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "web-xss-basic", "user_id": "alice"}`)
	sessionID := body["session_id"].(string)

	rec, body := api.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/hints", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("hints status = %d", rec.Code)
	}
	if body["total_hints"].(float64) != 2 || len(body["available_hints"].([]any)) != 0 {
		t.Fatalf("fresh session hints = %v", body)
	}

	rec, body = api.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/hints/request", "")
	if rec.Code != http.StatusOK || len(body["available_hints"].([]any)) != 1 {
		t.Fatalf("hint request: %d %v", rec.Code, body)
	}

	rec, body = api.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/hints/status", "")
	if rec.Code != http.StatusOK || body["available_count"].(float64) != 1 {
		t.Fatalf("hint status: %d %v", rec.Code, body)
	}

	rec, _ = api.do(t, http.MethodGet, "/api/sessions/deadbeef/hints", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session hints status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t)

	if _, body := api.do(t, http.MethodPost, "/api/challenges",
		`{"challenge_id": "web-xss-basic", "user_id": "alice"}`); body["session_id"] == nil {
		t.Fatalf("spawn failed: %v", body)
	}

	rec, body := api.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health: %d %v", rec.Code, body)
	}

	sessions := body["sessions"].(map[string]any)
	if sessions["active_sessions"].(float64) != 1 {
		t.Fatalf("session stats = %v", sessions)
	}
	containers := body["containers"].(map[string]any)
	if containers["monitored_count"].(float64) != 1 {
		t.Fatalf("container summary = %v", containers)
	}
}
