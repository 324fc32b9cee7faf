// Package audit provides the append-only operation trail for Arbiter.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// DefaultQueueSize bounds the in-flight audit queue.
const DefaultQueueSize = 1024

// DefaultRetention is how long entries are kept when no retention is
// configured.
const DefaultRetention = 30 * 24 * time.Hour

// Recorder writes audit entries through a bounded background queue so
// the recording path never adds storage latency to the operation being
// recorded. When the queue is full the entry is dropped and counted;
// an audit stall must not stall coordination.
type Recorder struct {
	store     *store.Store
	logger    *slog.Logger
	retention time.Duration
	ch        chan models.AuditEntry
	dropped   atomic.Int64
	wg        sync.WaitGroup
	once      sync.Once
}

// NewRecorder creates a Recorder and starts its worker.
func NewRecorder(s *store.Store, logger *slog.Logger, queueSize int, retention time.Duration) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:     s,
		logger:    logger,
		retention: retention,
		ch:        make(chan models.AuditEntry, queueSize),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues one entry without blocking. Parameters are
// JSON-serialized; a marshal failure is recorded as such rather than
// losing the entry.
func (r *Recorder) Record(agentID, operation string, params interface{}, result string, duration time.Duration, success bool) {
	paramsJSON := "{}"
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			paramsJSON = `{"marshal_error":true}`
		} else {
			paramsJSON = string(b)
		}
	}

	entry := models.AuditEntry{
		AgentID:    agentID,
		Operation:  operation,
		Parameters: paramsJSON,
		Result:     result,
		DurationMS: duration.Milliseconds(),
		Success:    success,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case r.ch <- entry:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("audit queue full, entry dropped", "operation", operation, "dropped_total", n)
	}
}

// Dropped returns how many entries have been discarded under backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Pending returns the current queue depth.
func (r *Recorder) Pending() int {
	return len(r.ch)
}

// Query reads the trail through the store, time-ordered.
func (r *Recorder) Query(f store.AuditFilter) ([]models.AuditEntry, error) {
	return r.store.QueryAudit(f)
}

// Sweep is the privileged retention path: it deletes entries older
// than the horizon. There is no other removal or mutation path. A
// non-positive retention falls back to the configured one; it never
// means "delete everything".
func (r *Recorder) Sweep(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = r.retention
	}
	return r.store.DeleteAuditBefore(time.Now().UTC().Add(-retention))
}

// Close drains the queue and stops the worker. Entries still queued
// are flushed before Close returns.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.ch)
		r.wg.Wait()
	})
}

// Flush blocks until the queue is empty or the context is done. Tests
// use it to observe the bounded-visibility guarantee.
func (r *Recorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	empty := 0
	for {
		if len(r.ch) == 0 {
			// Two consecutive empty observations so an entry dequeued
			// but still mid-insert has landed.
			empty++
			if empty >= 2 {
				return nil
			}
		} else {
			empty = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for entry := range r.ch {
		if _, err := r.store.AppendAuditEntry(entry); err != nil {
			r.logger.Error("audit append failed", "operation", entry.Operation, "error", err)
		}
	}
}
