package sweeper

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/liveness"
	"github.com/arbiterhq/arbiter/internal/locks"
	"github.com/arbiterhq/arbiter/internal/store"
)

func newTestSweeper(t *testing.T, cfg Config) *Sweeper {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	recorder := audit.NewRecorder(s, nil, 64, time.Hour)
	t.Cleanup(recorder.Close)
	lockMgr := locks.NewManager(s, recorder, nil, time.Minute, time.Hour)
	sessions := liveness.NewRegistry(s, lockMgr, recorder, nil, time.Minute)

	return New(cfg, sessions, lockMgr, recorder, slog.Default())
}

func TestStartAndStop(t *testing.T) {
	sw := newTestSweeper(t, Config{
		ReapCron:      "* * * * *",
		LockPurgeCron: "*/5 * * * *",
		RetentionCron: "30 3 * * *",
	})
	if err := sw.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sw.Stop()
}

func TestEmptySpecSkipsJob(t *testing.T) {
	sw := newTestSweeper(t, Config{ReapCron: "* * * * *"})
	if err := sw.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sw.Stop()

	if got := len(sw.runner.Entries()); got != 1 {
		t.Errorf("Expected 1 scheduled job, got %d", got)
	}
}

func TestBadCronSpec(t *testing.T) {
	sw := newTestSweeper(t, Config{ReapCron: "not a cron line"})
	if err := sw.Start(); err == nil {
		sw.Stop()
		t.Fatal("Expected error for invalid cron spec")
	}
}

func TestStopBeforeStart(t *testing.T) {
	sw := newTestSweeper(t, Config{})
	sw.Stop()
}
