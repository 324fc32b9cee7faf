package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/google/uuid"
)

// AcquireOutcome reports how an acquire attempt resolved.
type AcquireOutcome string

const (
	AcquireGranted   AcquireOutcome = "granted"
	AcquireRefreshed AcquireOutcome = "refreshed"
	AcquireDenied    AcquireOutcome = "denied"
)

// AcquireResult carries either the granted/refreshed lock or, on denial,
// the current holder so the caller can decide to wait or fail.
type AcquireResult struct {
	Outcome AcquireOutcome
	Lock    *models.Lock
	Holder  *models.Lock
}

// AcquireLock attempts to acquire or refresh a lease on resourceKey
// atomically. It purges expired locks, then tries an insert; on a key
// conflict the existing row is inspected: the same holder gets a TTL
// refresh, anyone else gets a denial carrying the holder's identity.
func (s *Store) AcquireLock(resourceKey, holderID, holderType, sessionID, reason, metadata string, ttl time.Duration) (*AcquireResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Lazy expiry: dead leases are swept on the next acquire, not by a timer.
	if _, err := tx.Exec(`DELETE FROM locks WHERE expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("purge expired locks: %w", err)
	}

	lock := &models.Lock{
		ID:          uuid.New().String(),
		ResourceKey: resourceKey,
		HolderID:    holderID,
		HolderType:  holderType,
		SessionID:   sessionID,
		Reason:      reason,
		Metadata:    metadata,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO locks (id, resource_key, holder_id, holder_type, session_id, reason, metadata, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lock.ID, lock.ResourceKey, lock.HolderID, lock.HolderType, lock.SessionID, lock.Reason, lock.Metadata, lock.AcquiredAt, lock.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}

	if inserted == 1 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return &AcquireResult{Outcome: AcquireGranted, Lock: lock}, nil
	}

	// Key conflict: a live lock exists. Refresh if we hold it.
	existing, err := scanLock(tx.QueryRow(
		`SELECT id, resource_key, holder_id, holder_type, session_id, reason, metadata, acquired_at, expires_at
		 FROM locks WHERE resource_key = ?`, resourceKey,
	))
	if err != nil {
		return nil, fmt.Errorf("query existing lock: %w", err)
	}

	if existing.HolderID == holderID {
		newExpiry := now.Add(ttl)
		if _, err := tx.Exec(
			`UPDATE locks SET expires_at = ?, reason = ? WHERE resource_key = ? AND holder_id = ?`,
			newExpiry, reason, resourceKey, holderID,
		); err != nil {
			return nil, fmt.Errorf("refresh lock: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		existing.ExpiresAt = newExpiry
		existing.Reason = reason
		return &AcquireResult{Outcome: AcquireRefreshed, Lock: existing}, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &AcquireResult{Outcome: AcquireDenied, Holder: existing}, nil
}

// ReleaseLock deletes the lock iff holderID currently holds it.
// Returns false when the lock is absent or held by someone else.
func (s *Store) ReleaseLock(resourceKey, holderID string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM locks WHERE resource_key = ? AND holder_id = ?`,
		resourceKey, holderID,
	)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseLocksForHolder releases every lock held by holderID and returns
// the resource keys freed. Liveness reaping calls this for dead agents.
func (s *Store) ReleaseLocksForHolder(holderID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT resource_key FROM locks WHERE holder_id = ?`, holderID)
	if err != nil {
		return nil, fmt.Errorf("query holder locks: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan resource key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM locks WHERE holder_id = ?`, holderID); err != nil {
		return nil, fmt.Errorf("delete holder locks: %w", err)
	}
	return keys, nil
}

// PurgeExpiredLocks removes all locks whose lease has lapsed.
func (s *Store) PurgeExpiredLocks() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM locks WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return res.RowsAffected()
}

// ListLocks returns live locks, optionally filtered by a resource-key
// prefix or holder.
func (s *Store) ListLocks(keyPrefix, holderID string) ([]models.Lock, error) {
	query := `SELECT id, resource_key, holder_id, holder_type, session_id, reason, metadata, acquired_at, expires_at
	          FROM locks WHERE expires_at > ?`
	args := []interface{}{time.Now().UTC()}

	if keyPrefix != "" {
		query += ` AND resource_key LIKE ?`
		args = append(args, strings.TrimSpace(keyPrefix)+"%")
	}
	if holderID != "" {
		query += ` AND holder_id = ?`
		args = append(args, holderID)
	}
	query += ` ORDER BY acquired_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []models.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *lock)
	}
	return locks, rows.Err()
}

// GetLock returns the live lock on resourceKey, or nil.
func (s *Store) GetLock(resourceKey string) (*models.Lock, error) {
	lock, err := scanLock(s.db.QueryRow(
		`SELECT id, resource_key, holder_id, holder_type, session_id, reason, metadata, acquired_at, expires_at
		 FROM locks WHERE resource_key = ? AND expires_at > ?`,
		resourceKey, time.Now().UTC(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(row rowScanner) (*models.Lock, error) {
	lock := &models.Lock{}
	var holderType, sessionID, reason, metadata sql.NullString
	err := row.Scan(&lock.ID, &lock.ResourceKey, &lock.HolderID, &holderType, &sessionID, &reason, &metadata, &lock.AcquiredAt, &lock.ExpiresAt)
	if err != nil {
		return nil, err
	}
	lock.HolderType = holderType.String
	lock.SessionID = sessionID.String
	lock.Reason = reason.String
	lock.Metadata = metadata.String
	return lock, nil
}
