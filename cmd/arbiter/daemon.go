package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/controlplane"
	"github.com/arbiterhq/arbiter/internal/guardrails"
	"github.com/arbiterhq/arbiter/internal/liveness"
	"github.com/arbiterhq/arbiter/internal/locks"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/sweeper"
)

var configPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Arbiter daemon",
	Long:  `Starts the Arbiter daemon which provides the HTTP coordination API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", filepath.Join(config.HomeDir(), "config.yaml"), "Path to config file")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	out := io.Writer(os.Stdout)
	logDir := filepath.Join(config.HomeDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(s, logger, cfg.Audit.QueueSize, cfg.AuditRetention())

	guard := guardrails.NewEngine(s, logger, cfg.GuardrailCacheTTL())
	if _, err := os.Stat(cfg.Guardrails.File); err == nil {
		if err := guard.SeedFromFile(cfg.Guardrails.File); err != nil {
			logger.Warn("guardrail file rejected, keeping stored patterns", "path", cfg.Guardrails.File, "error", err)
		}
	}

	var policyEngine policy.Engine
	var declarative *policy.Declarative
	switch cfg.Policy.Backend {
	case "declarative":
		declarative = policy.NewDeclarative(s, logger, cfg.Policy.RulesFile, cfg.PolicyCacheTTL())
		policyEngine = declarative
	default:
		policyEngine = policy.NewNative(s)
	}
	logger.Info("policy backend selected", "backend", policyEngine.Name())

	// Profiles and network rules seed from the same file as the
	// declarative rules. This is how a fresh deployment gets its first
	// trusted operator.
	if err := policy.SeedFromFile(s, cfg.Policy.RulesFile); err != nil {
		logger.Warn("policy file rejected, keeping stored profiles", "path", cfg.Policy.RulesFile, "error", err)
	}

	lockMgr := locks.NewManager(s, recorder, logger, cfg.LockDefaultTTL(), cfg.LockMaxTTL())
	scheduler := queue.NewScheduler(s, recorder, guard, logger, cfg.Queue.DefaultMaxAttempts)
	sessions := liveness.NewRegistry(s, lockMgr, recorder, logger, cfg.StaleThreshold())
	network := policy.NewNetworkChecker(s)

	service := controlplane.NewService(s, lockMgr, scheduler, guard, policyEngine, network, recorder, sessions, logger)
	server := controlplane.NewServer(service, cfg.Listen, cfg.APIToken, logger)

	sweep := sweeper.New(sweeper.Config{
		ReapCron:       cfg.Sweeper.ReapCron,
		LockPurgeCron:  cfg.Sweeper.LockPurgeCron,
		RetentionCron:  cfg.Sweeper.RetentionCron,
		StaleThreshold: cfg.StaleThreshold(),
		AuditRetention: cfg.AuditRetention(),
	}, sessions, lockMgr, recorder, logger)
	if err := sweep.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	reloads := map[string]func(){
		cfg.Guardrails.File: func() {
			if err := guard.SeedFromFile(cfg.Guardrails.File); err != nil {
				logger.Warn("guardrail reload failed", "error", err)
				return
			}
			guard.Invalidate()
		},
	}
	reloads[cfg.Policy.RulesFile] = func() {
		if err := policy.SeedFromFile(s, cfg.Policy.RulesFile); err != nil {
			logger.Warn("policy reload failed", "error", err)
			return
		}
		if declarative != nil {
			declarative.Invalidate()
		}
	}
	watcher := config.NewWatcher(logger, reloads)
	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("file watcher unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			watcher.Stop()
			sweep.Stop()
			recorder.Close()
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	watcher.Stop()
	sweep.Stop()

	// Drain pending audit writes before the store goes away.
	recorder.Close()

	if err := s.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
