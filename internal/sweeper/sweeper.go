// Package sweeper runs the periodic maintenance jobs: reaping stale
// sessions, purging expired locks, and enforcing audit retention.
package sweeper

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/liveness"
	"github.com/arbiterhq/arbiter/internal/locks"
)

// Config holds the sweeper schedules and tunables.
type Config struct {
	ReapCron      string
	LockPurgeCron string
	RetentionCron string

	StaleThreshold time.Duration
	AuditRetention time.Duration
}

// Sweeper owns the cron runner.
type Sweeper struct {
	cfg      Config
	sessions *liveness.Registry
	locks    *locks.Manager
	audit    *audit.Recorder
	logger   *slog.Logger

	runner *cron.Cron
}

func New(cfg Config, sessions *liveness.Registry, lockMgr *locks.Manager, recorder *audit.Recorder, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		sessions: sessions,
		locks:    lockMgr,
		audit:    recorder,
		logger:   logger,
	}
}

// Start registers the jobs and launches the cron runner.
func (s *Sweeper) Start() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.runner = cron.New(cron.WithParser(parser))

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"session-reap", s.cfg.ReapCron, s.reapSessions},
		{"lock-purge", s.cfg.LockPurgeCron, s.purgeLocks},
		{"audit-retention", s.cfg.RetentionCron, s.sweepAudit},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.runner.AddFunc(job.spec, job.fn); err != nil {
			return err
		}
		s.logger.Info("scheduled maintenance job", "job", job.name, "cron", job.spec)
	}

	s.runner.Start()
	return nil
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Sweeper) Stop() {
	if s.runner == nil {
		return
	}
	<-s.runner.Stop().Done()
}

func (s *Sweeper) reapSessions() {
	result, err := s.sessions.Reap(s.cfg.StaleThreshold)
	if err != nil {
		s.logger.Error("session reap failed", "error", err)
		return
	}
	if len(result.Reaped) > 0 {
		s.logger.Info("reaped stale sessions",
			"count", len(result.Reaped),
			"locks_released", len(result.ReleasedLocks))
	}
}

func (s *Sweeper) purgeLocks() {
	purged, err := s.locks.PurgeExpired()
	if err != nil {
		s.logger.Error("lock purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("purged expired locks", "count", purged)
	}
}

func (s *Sweeper) sweepAudit() {
	removed, err := s.audit.Sweep(s.cfg.AuditRetention)
	if err != nil {
		s.logger.Error("audit sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("swept audit entries", "removed", removed, "dropped_total", s.audit.Dropped())
	}
}
