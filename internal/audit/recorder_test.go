package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

func newTestRecorder(t *testing.T, queueSize int) (*Recorder, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := NewRecorder(s, nil, queueSize, time.Hour)
	t.Cleanup(r.Close)
	return r, s
}

func TestRecordBecomesVisible(t *testing.T) {
	r, _ := newTestRecorder(t, 16)

	r.Record("agent-1", "lock.acquire", map[string]string{"key": "repo/main"}, "granted", 3*time.Millisecond, true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entries, err := r.Query(store.AuditFilter{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Operation != "lock.acquire" {
		t.Errorf("Expected lock.acquire, got %s", entry.Operation)
	}
	if entry.Parameters != `{"key":"repo/main"}` {
		t.Errorf("Parameters not preserved: %s", entry.Parameters)
	}
	if !entry.Success {
		t.Error("Success flag not preserved")
	}
}

func TestQueryNewestFirstWithFilters(t *testing.T) {
	r, _ := newTestRecorder(t, 64)

	for i := 0; i < 5; i++ {
		r.Record("agent-1", "task.claim", nil, fmt.Sprintf("claim-%d", i), 0, true)
	}
	r.Record("agent-2", "task.submit", nil, "submitted", 0, true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	claims, err := r.Query(store.AuditFilter{Operation: "task.claim"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(claims) != 5 {
		t.Fatalf("Expected 5 claim entries, got %d", len(claims))
	}

	limited, err := r.Query(store.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Limit ignored, got %d entries", len(limited))
	}
}

func TestDropOnFullQueue(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Tiny queue, hundreds of synchronous submissions: the worker's
	// per-entry insert cannot keep up, so some entries must be shed.
	r := NewRecorder(s, nil, 1, time.Hour)
	defer r.Close()

	for i := 0; i < 500; i++ {
		r.Record("agent-1", "task.claim", nil, "r", 0, true)
	}

	if r.Dropped() == 0 {
		t.Error("Expected drops under backpressure")
	}
}

func TestSweepRemovesOnlyOldEntries(t *testing.T) {
	r, s := newTestRecorder(t, 16)

	old := models.AuditEntry{
		AgentID:   "agent-1",
		Operation: "lock.acquire",
		Success:   true,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if _, err := s.AppendAuditEntry(old); err != nil {
		t.Fatalf("AppendAuditEntry failed: %v", err)
	}
	r.Record("agent-1", "task.claim", nil, "fresh", 0, true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	removed, err := r.Sweep(24 * time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Expected 1 removed entry, got %d", removed)
	}

	entries, _ := r.Query(store.AuditFilter{})
	if len(entries) != 1 || entries[0].Result != "fresh" {
		t.Errorf("Only the fresh entry should survive, got %v", entries)
	}
}

func TestSweepZeroRetentionUsesConfigured(t *testing.T) {
	r, s := newTestRecorder(t, 16)

	old := models.AuditEntry{
		AgentID:   "agent-1",
		Operation: "lock.acquire",
		Success:   true,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if _, err := s.AppendAuditEntry(old); err != nil {
		t.Fatalf("AppendAuditEntry failed: %v", err)
	}
	r.Record("agent-1", "task.claim", nil, "fresh", 0, true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Zero retention means the configured one, not "everything".
	removed, err := r.Sweep(0)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Expected only the 2h-old entry removed, got %d", removed)
	}

	entries, _ := r.Query(store.AuditFilter{})
	if len(entries) != 1 || entries[0].Result != "fresh" {
		t.Errorf("Fresh entry should survive a default sweep, got %v", entries)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	r := NewRecorder(s, nil, 64, time.Hour)
	for i := 0; i < 20; i++ {
		r.Record("agent-1", "task.claim", nil, "r", 0, true)
	}
	r.Close()

	entries, err := s.QueryAudit(store.AuditFilter{Limit: 100})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(entries)+int(r.Dropped()) != 20 {
		t.Errorf("Close should flush queued entries: %d stored, %d dropped", len(entries), r.Dropped())
	}
}
