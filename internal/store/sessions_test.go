package store

import (
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
)

func TestRegisterAndTouchSession(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	session, err := s.RegisterSession("agent-1", "worker", []string{"review", "deploy"})
	if err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}
	if session.Status != models.SessionStatusActive {
		t.Errorf("Expected active, got %s", session.Status)
	}

	touched, err := s.TouchSession(session.ID, "task-7")
	if err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if !touched {
		t.Fatal("Heartbeat for a known session should succeed")
	}

	got, err := s.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.CurrentTask != "task-7" {
		t.Errorf("Expected current task task-7, got %q", got.CurrentTask)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("Capabilities not preserved: %v", got.Capabilities)
	}

	touched, err = s.TouchSession("no-such-session", "")
	if err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if touched {
		t.Error("Heartbeat for an unknown session should report false")
	}
}

func TestMarkStaleSessionsDisconnected(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	stale, err := s.RegisterSession("agent-stale", "", nil)
	if err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	fresh, err := s.RegisterSession("agent-fresh", "", nil)
	if err != nil {
		t.Fatalf("RegisterSession failed: %v", err)
	}

	reaped, err := s.MarkStaleSessionsDisconnected(cutoff)
	if err != nil {
		t.Fatalf("MarkStaleSessionsDisconnected failed: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != stale.ID {
		t.Fatalf("Expected only the stale session reaped, got %v", reaped)
	}

	got, _ := s.GetSession(stale.ID)
	if got.Status != models.SessionStatusDisconnected {
		t.Errorf("Stale session should be disconnected, got %s", got.Status)
	}
	got, _ = s.GetSession(fresh.ID)
	if got.Status != models.SessionStatusActive {
		t.Errorf("Fresh session should stay active, got %s", got.Status)
	}

	// Reaping again finds nothing.
	reaped, err = s.MarkStaleSessionsDisconnected(cutoff)
	if err != nil {
		t.Fatalf("MarkStaleSessionsDisconnected failed: %v", err)
	}
	if len(reaped) != 0 {
		t.Errorf("Disconnected sessions must not be reaped twice")
	}
}

func TestListSessionsExcludesDisconnected(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.RegisterSession("agent-1", "", nil)
	dead, _ := s.RegisterSession("agent-2", "", nil)
	s.MarkStaleSessionsDisconnected(time.Now().UTC().Add(time.Second))
	s.TouchSession(dead.ID, "") // revive agent-2
	s.RegisterSession("agent-3", "", nil)

	all, err := s.ListSessions("", true)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 sessions total, got %d", len(all))
	}

	disconnected, err := s.ListSessions(string(models.SessionStatusDisconnected), false)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(disconnected) != 1 {
		t.Errorf("Expected 1 disconnected session, got %d", len(disconnected))
	}
}
