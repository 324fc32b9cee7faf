// Package locks implements leased mutual exclusion over arbitrary
// resource keys.
package locks

import (
	"errors"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Sentinel errors for lock operations.
var (
	ErrMissingKey    = errors.New("resource key is required")
	ErrMissingHolder = errors.New("holder id is required")
)

// Default lease bounds, overridable through configuration.
const (
	DefaultTTL = 5 * time.Minute
	MaxTTL     = 1 * time.Hour
)

// Manager provides the Lock Manager operations. A lock's only states
// are Absent and Held; it leaves Held through release, lease expiry,
// or liveness-driven cleanup, never any other way.
type Manager struct {
	store      *store.Store
	recorder   *audit.Recorder
	logger     *slog.Logger
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewManager creates a lock manager. Zero durations take the package
// defaults.
func NewManager(s *store.Store, recorder *audit.Recorder, logger *slog.Logger, defaultTTL, maxTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if maxTTL <= 0 {
		maxTTL = MaxTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, recorder: recorder, logger: logger, defaultTTL: defaultTTL, maxTTL: maxTTL}
}

// AcquireRequest carries the acquire_lock inputs.
type AcquireRequest struct {
	ResourceKey string `json:"resource_key"`
	HolderID    string `json:"holder_id"`
	HolderType  string `json:"holder_type,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
	TTLSec      int    `json:"ttl_sec,omitempty"`
}

// Acquire grants, refreshes, or denies a lease on the requested key.
// Denials carry the current holder so the caller can decide whether to
// wait or fail; the manager never retries on the caller's behalf.
func (m *Manager) Acquire(req AcquireRequest) (*store.AcquireResult, error) {
	if req.ResourceKey == "" {
		return nil, ErrMissingKey
	}
	if req.HolderID == "" {
		return nil, ErrMissingHolder
	}

	ttl := time.Duration(req.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	start := time.Now()
	result, err := m.store.AcquireLock(req.ResourceKey, req.HolderID, req.HolderType, req.SessionID, req.Reason, req.Metadata, ttl)
	if err != nil {
		m.recorder.Record(req.HolderID, "lock.acquire", req, "error", time.Since(start), false)
		return nil, err
	}

	m.recorder.Record(req.HolderID, "lock.acquire", req, string(result.Outcome), time.Since(start), result.Outcome != store.AcquireDenied)
	return result, nil
}

// Release deletes the lock iff holder currently holds it. A missing or
// foreign lock is reported, not treated as an error.
func (m *Manager) Release(resourceKey, holderID string) (bool, error) {
	if resourceKey == "" {
		return false, ErrMissingKey
	}
	if holderID == "" {
		return false, ErrMissingHolder
	}

	start := time.Now()
	released, err := m.store.ReleaseLock(resourceKey, holderID)
	if err != nil {
		m.recorder.Record(holderID, "lock.release", map[string]string{"resource_key": resourceKey}, "error", time.Since(start), false)
		return false, err
	}

	result := "released"
	if !released {
		result = "not found or not owner"
	}
	m.recorder.Record(holderID, "lock.release", map[string]string{"resource_key": resourceKey}, result, time.Since(start), released)
	return released, nil
}

// List returns live locks matching the filter.
func (m *Manager) List(keyPrefix, holderID string) ([]models.Lock, error) {
	return m.store.ListLocks(keyPrefix, holderID)
}

// Get returns the live lock on a key, or nil.
func (m *Manager) Get(resourceKey string) (*models.Lock, error) {
	return m.store.GetLock(resourceKey)
}

// CleanupForAgent releases every lock held by the agent. This is the
// hook liveness reaping calls when an agent is declared dead.
func (m *Manager) CleanupForAgent(holderID string) ([]string, error) {
	if holderID == "" {
		return nil, ErrMissingHolder
	}

	start := time.Now()
	keys, err := m.store.ReleaseLocksForHolder(holderID)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		m.logger.Info("released locks for dead agent", "holder_id", holderID, "count", len(keys))
		m.recorder.Record(holderID, "lock.cleanup", map[string]interface{}{"resource_keys": keys}, "released", time.Since(start), true)
	}
	return keys, nil
}

// PurgeExpired sweeps lapsed leases. The sweeper runs this
// periodically; acquire also purges opportunistically, so this only
// bounds how long a dead lease lingers when nobody contends for it.
func (m *Manager) PurgeExpired() (int64, error) {
	return m.store.PurgeExpiredLocks()
}
