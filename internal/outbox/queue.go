// Package outbox implements the durable delivery queue: a priority-ordered,
// persistent outbox of pending telemetry that survives process death and
// network outages. Delivery is at-least-once until an entry exhausts its
// retry budget, at which point it is dropped - a bounded, accepted loss,
// never a crash.
package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"uiscout/internal/logging"
	"uiscout/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// Defaults for the reference retry policy.
const (
	DefaultCapacity    = 5000
	DefaultMaxRetries  = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// PublishFunc attempts delivery of one payload to a destination and reports
// success. Supplied by the caller; the queue knows nothing about the wire.
type PublishFunc func(destination string, payload []byte) bool

// Payload is the typed telemetry body. It is serialized explicitly at
// enqueue time so the wire format stays stable independent of internal
// representation changes.
type Payload struct {
	Kind      string          `json:"kind"`
	Target    string          `json:"target"`
	Timestamp time.Time       `json:"timestamp"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Entry is one queued delivery.
type Entry struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Payload     []byte         `json:"payload"`
	Destination string         `json:"destination"`
	Priority    types.Priority `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	RetryCount  int            `json:"retry_count"`
	LastAttempt time.Time      `json:"last_attempt"`
}

// Queue is the SQLite-backed delivery queue.
type Queue struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string

	capacity    int
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	// now is swappable for backoff tests.
	now func() time.Time
}

// Option tunes queue construction.
type Option func(*Queue)

// WithCapacity sets the maximum number of queued entries.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithMaxRetries sets the drop ceiling, clamped to [3,10].
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n < 3 {
			n = 3
		}
		if n > 10 {
			n = 10
		}
		q.maxRetries = n
	}
}

// WithBackoff overrides the base delay and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.backoffBase = base
		}
		if cap > 0 {
			q.backoffCap = cap
		}
	}
}

// NewQueue opens (or creates) the queue database at path.
func NewQueue(path string, opts ...Option) (*Queue, error) {
	timer := logging.StartTimer(logging.CategoryOutbox, "NewQueue")
	defer timer.Stop()

	logging.Outbox("Initializing delivery queue at: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.OutboxDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.OutboxDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.OutboxDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	q := &Queue{
		db:          db,
		dbPath:      path,
		capacity:    DefaultCapacity,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Outbox("Delivery queue ready (capacity %d, max retries %d)", q.capacity, q.maxRetries)
	return q, nil
}

func (q *Queue) initialize() error {
	table := `
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		payload BLOB NOT NULL,
		destination TEXT NOT NULL,
		priority INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		retry_count INTEGER DEFAULT 0,
		last_attempt DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox(priority DESC, created_at ASC);
	CREATE INDEX IF NOT EXISTS idx_outbox_dest ON outbox(destination);
	`
	if _, err := q.db.Exec(table); err != nil {
		return fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return nil
}

// Enqueue serializes the payload and appends it to the queue. When capacity
// is exceeded, the lowest-priority/oldest 10% is pruned first.
func (q *Queue) Enqueue(entryType string, payload Payload, destination string, priority types.Priority) error {
	timer := logging.StartTimer(logging.CategoryOutbox, "Enqueue")
	defer timer.Stop()

	if payload.Timestamp.IsZero() {
		payload.Timestamp = q.now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err = q.db.Exec(
		`INSERT INTO outbox (type, payload, destination, priority, created_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		entryType, data, destination, int(priority), q.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return err
	}
	if count > q.capacity {
		if err := q.pruneLocked(count); err != nil {
			return err
		}
	}

	logging.OutboxDebug("Enqueued %s for %s (priority %s)", entryType, destination, priority)
	return nil
}

// pruneLocked drops the lowest-priority, oldest 10% of the queue.
// Caller must hold q.mu.
func (q *Queue) pruneLocked(count int) error {
	drop := count / 10
	if drop < 1 {
		drop = 1
	}
	logging.Get(logging.CategoryOutbox).Warn(
		"Queue over capacity (%d > %d), pruning %d lowest-priority oldest entries",
		count, q.capacity, drop)

	_, err := q.db.Exec(
		`DELETE FROM outbox WHERE id IN (
			SELECT id FROM outbox ORDER BY priority ASC, created_at ASC LIMIT ?
		)`, drop)
	if err != nil {
		return fmt.Errorf("failed to prune queue: %w", err)
	}
	return nil
}

// backoffDelay computes min(base * 2^retryCount, cap).
func (q *Queue) backoffDelay(retryCount int) time.Duration {
	delay := time.Duration(float64(q.backoffBase) * math.Pow(2, float64(retryCount)))
	if delay > q.backoffCap || delay <= 0 {
		delay = q.backoffCap
	}
	return delay
}

// eligible reports whether an entry is outside its backoff window. The
// retry count is the number of failures already recorded, so the window
// after the first failure is exactly the base delay.
func (q *Queue) eligible(e Entry) bool {
	if e.RetryCount == 0 || e.LastAttempt.IsZero() {
		return true
	}
	return q.now().Sub(e.LastAttempt) >= q.backoffDelay(e.RetryCount-1)
}

// FlushStats summarizes one flush pass.
type FlushStats struct {
	Delivered int
	Failed    int
	Skipped   int // inside backoff window
	Dropped   int // exceeded retry ceiling
}

// Flush drains eligible entries, highest priority first then oldest first,
// invoking publish per entry. Failed entries stay queued with an
// incremented retry count; entries past the ceiling are dropped.
func (q *Queue) Flush(publish PublishFunc) (FlushStats, error) {
	return q.flushWhere(publish, "", nil)
}

// FlushDestination flushes only the entries bound for one destination.
func (q *Queue) FlushDestination(publish PublishFunc, destination string) (FlushStats, error) {
	return q.flushWhere(publish, " WHERE destination = ?", []interface{}{destination})
}

func (q *Queue) flushWhere(publish PublishFunc, where string, args []interface{}) (FlushStats, error) {
	timer := logging.StartTimer(logging.CategoryOutbox, "Flush")
	defer timer.Stop()

	var stats FlushStats

	q.mu.Lock()
	entries, err := q.listLocked(where, args)
	q.mu.Unlock()
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		if !q.eligible(e) {
			stats.Skipped++
			continue
		}

		if publish(e.Destination, e.Payload) {
			q.mu.Lock()
			_, err := q.db.Exec(`DELETE FROM outbox WHERE id = ?`, e.ID)
			q.mu.Unlock()
			if err != nil {
				logging.Get(logging.CategoryOutbox).Warn("Failed to delete delivered entry %d: %v", e.ID, err)
			}
			stats.Delivered++
			continue
		}

		e.RetryCount++
		if e.RetryCount > q.maxRetries {
			q.mu.Lock()
			_, err := q.db.Exec(`DELETE FROM outbox WHERE id = ?`, e.ID)
			q.mu.Unlock()
			if err == nil {
				logging.Get(logging.CategoryOutbox).Warn(
					"Dropping entry %d (%s) after %d retries", e.ID, e.Type, q.maxRetries)
				stats.Dropped++
			}
			continue
		}

		q.mu.Lock()
		_, err := q.db.Exec(
			`UPDATE outbox SET retry_count = ?, last_attempt = ? WHERE id = ?`,
			e.RetryCount, q.now().UTC(), e.ID)
		q.mu.Unlock()
		if err != nil {
			logging.Get(logging.CategoryOutbox).Warn("Failed to record retry for entry %d: %v", e.ID, err)
		}
		stats.Failed++
	}

	logging.Outbox("Flush: delivered=%d failed=%d skipped=%d dropped=%d",
		stats.Delivered, stats.Failed, stats.Skipped, stats.Dropped)
	return stats, nil
}

// listLocked returns entries in drain order. Caller must hold q.mu.
func (q *Queue) listLocked(where string, args []interface{}) ([]Entry, error) {
	query := `SELECT id, type, payload, destination, priority, created_at, retry_count, last_attempt
		 FROM outbox` + where + ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var prio int
		var lastAttempt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.Destination, &prio,
			&e.CreatedAt, &e.RetryCount, &lastAttempt); err != nil {
			logging.Get(logging.CategoryOutbox).Warn("Outbox row scan failed: %v", err)
			continue
		}
		e.Priority = types.Priority(prio)
		if lastAttempt.Valid {
			e.LastAttempt = lastAttempt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Pending returns the queued entries in drain order.
func (q *Queue) Pending() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked("", nil)
}

// Size returns the number of queued entries.
func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

// Destinations lists the distinct destinations with pending entries.
func (q *Queue) Destinations() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT DISTINCT destination FROM outbox`)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	var dests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			continue
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}
