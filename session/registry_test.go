package session

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/markmysler/dvc/domain"
)

func newTestRegistry(t *testing.T, maxPerUser int) *Registry {
	t.Helper()
	r := NewRegistry(maxPerUser, slog.New(slog.DiscardHandler))
	t.Cleanup(r.Close)
	return r
}

func testInfo(n int) ContainerInfo {
	return ContainerInfo{
		ContainerID:  fmt.Sprintf("ctr-%04d", n),
		Ports:        map[string]string{"80/tcp": "localhost:32768"},
		InstanceData: fmt.Sprintf("timestamp:1000,nonce:%08d", n),
	}
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, 5)

	id, err := r.Create("alice", "web-xss-basic", testInfo(1), time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s := r.Get("alice", "web-xss-basic")
	if s == nil {
		t.Fatal("Get returned nil for active session")
	}
	if s.SessionID != id || s.ContainerID != "ctr-0001" || s.Status != domain.SessionActive {
		t.Errorf("unexpected session: %+v", s)
	}

	if got := r.GetByID(id); got == nil || got.SessionID != id {
		t.Errorf("GetByID(%q) = %+v", id, got)
	}

	if r.Get("alice", "other-challenge") != nil {
		t.Error("Get matched the wrong challenge")
	}
	if r.Get("bob", "web-xss-basic") != nil {
		t.Error("Get matched the wrong user")
	}
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t, 5)

	if _, err := r.Create("", "web-xss-basic", testInfo(1), time.Hour); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty user: %v", err)
	}
	if _, err := r.Create("alice", "", testInfo(1), time.Hour); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty challenge: %v", err)
	}
	if _, err := r.Create("alice", "web-xss-basic", ContainerInfo{}, time.Hour); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty container: %v", err)
	}
}

func TestSessionExclusivity(t *testing.T) {
	r := newTestRegistry(t, 5)

	first, err := r.Create("alice", "web-xss-basic", testInfo(1), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// The caller contract is Get-before-Create; whatever else happens, Get
	// must keep returning the pre-existing session for the pair.
	for i := 0; i < 3; i++ {
		s := r.Get("alice", "web-xss-basic")
		if s == nil || s.SessionID != first {
			t.Fatalf("Get returned %+v, want existing session %s", s, first)
		}
	}
}

func TestQuotaEnforcement(t *testing.T) {
	r := newTestRegistry(t, 3)

	for i := 0; i < 3; i++ {
		if _, err := r.Create("alice", fmt.Sprintf("challenge-%d", i), testInfo(i), time.Hour); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := r.Create("alice", "challenge-3", testInfo(3), time.Hour)
	if !errors.Is(err, domain.ErrSessionLimit) {
		t.Errorf("4th session: got %v, want ErrSessionLimit", err)
	}

	// A different user is unaffected.
	if _, err := r.Create("bob", "challenge-0", testInfo(4), time.Hour); err != nil {
		t.Errorf("other user blocked by alice's quota: %v", err)
	}

	// Removing a session frees the slot.
	s := r.Get("alice", "challenge-0")
	if s == nil {
		t.Fatal("session disappeared")
	}
	r.Remove(s.SessionID)
	if _, err := r.Create("alice", "challenge-3", testInfo(5), time.Hour); err != nil {
		t.Errorf("quota slot not freed after Remove: %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	r := newTestRegistry(t, 5)

	id, err := r.Create("alice", "web-xss-basic", testInfo(1), 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if r.Get("alice", "web-xss-basic") == nil {
		t.Fatal("session not visible before expiry")
	}

	time.Sleep(40 * time.Millisecond)

	// No sweep has run; expiry must still be enforced on read.
	if r.Get("alice", "web-xss-basic") != nil {
		t.Error("Get returned session past its expiry")
	}
	if r.GetByID(id) != nil {
		t.Error("GetByID returned session past its expiry")
	}
}

func TestSweepExpired(t *testing.T) {
	r := newTestRegistry(t, 5)

	if _, err := r.Create("alice", "short", testInfo(1), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("alice", "long", testInfo(2), time.Hour); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	if n := r.SweepExpired(); n != 1 {
		t.Errorf("SweepExpired removed %d, want 1", n)
	}
	if r.Get("alice", "long") == nil {
		t.Error("sweep removed a live session")
	}
	if got := r.Stats().Total; got != 1 {
		t.Errorf("total after sweep = %d, want 1", got)
	}
}

func TestExpiryTimerSafetyNet(t *testing.T) {
	r := newTestRegistry(t, 5)

	// The one-shot timer fires at timeout + margin. With margin at one
	// minute this is impractical to wait for in a unit test, so assert
	// the timer exists and is cancelled by Remove instead.
	id, err := r.Create("alice", "web-xss-basic", testInfo(1), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	_, hasTimer := r.timers[id]
	r.mu.Unlock()
	if !hasTimer {
		t.Error("no expiry timer scheduled for new session")
	}

	r.Remove(id)

	r.mu.Lock()
	_, hasTimer = r.timers[id]
	r.mu.Unlock()
	if hasTimer {
		t.Error("expiry timer not cancelled on Remove")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := newTestRegistry(t, 5)

	id, err := r.Create("alice", "web-xss-basic", testInfo(1), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if !r.Remove(id) {
		t.Error("first Remove returned false")
	}
	if r.Remove(id) {
		t.Error("second Remove returned true")
	}
	if r.Remove("never-existed") {
		t.Error("Remove of unknown id returned true")
	}
}

func TestListForUser(t *testing.T) {
	r := newTestRegistry(t, 5)

	if _, err := r.Create("alice", "one", testInfo(1), time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("alice", "two", testInfo(2), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("bob", "one", testInfo(3), time.Hour); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	active := r.ListForUser("alice")
	if len(active) != 1 || active[0].ChallengeID != "one" {
		t.Errorf("ListForUser(alice) = %+v, want only challenge one", active)
	}

	if got := r.ListForUser("nobody"); len(got) != 0 {
		t.Errorf("ListForUser(nobody) = %+v", got)
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t, 5)

	if _, err := r.Create("alice", "one", testInfo(1), time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("bob", "one", testInfo(2), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	stats := r.Stats()
	if stats.Total != 2 || stats.Active != 1 || stats.Expired != 1 || stats.UniqueUsers != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
