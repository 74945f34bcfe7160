// Package valuestore implements the state-action value table that drives
// exploration decisions, plus the human-feedback overrides and the
// dangerous-pattern registry layered on top of it.
//
// Reads are served from an in-memory cache, which is the single source of
// truth during a session. Writes land in the cache first and are mirrored
// to SQLite by a background task; a durable-write failure is logged and
// retried, never surfaced to the decision loop.
package valuestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uiscout/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Defaults for capacity management.
const (
	DefaultCapacity  = 10000
	DefaultMinVisits = 2
)

// Key identifies one state-action value.
type Key struct {
	StateHash  string
	ActionHash string
}

// Entry is one learned state-action value.
type Entry struct {
	Key         Key       `json:"key"`
	Target      string    `json:"target"`
	Value       float64   `json:"value"`
	VisitCount  int       `json:"visit_count"`
	LastUpdated time.Time `json:"last_updated"`
}

type writeOp struct {
	entry Entry
}

// Store is the value table with its feedback and danger overlays.
type Store struct {
	db     *sql.DB
	dbPath string

	mu       sync.RWMutex
	cache    map[Key]*Entry
	feedback map[Key]int
	dangers  map[string]int

	capacity  int
	minVisits int

	writeCh chan writeOp
	pruneCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option tunes store construction.
type Option func(*Store)

// WithCapacity sets the hard ceiling on table size.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithMinVisits sets the prune-first visit threshold.
func WithMinVisits(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.minVisits = n
		}
	}
}

// NewStore opens (or creates) the value database at path and hydrates the
// in-memory cache from it.
func NewStore(path string, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryValues, "NewStore")
	defer timer.Stop()

	logging.Values("Initializing value store at: %s", path)

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
		logging.ValuesDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.ValuesDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.ValuesDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:        db,
		dbPath:    path,
		cache:     make(map[Key]*Entry),
		feedback:  make(map[Key]int),
		dangers:   make(map[string]int),
		capacity:  DefaultCapacity,
		minVisits: DefaultMinVisits,
		writeCh:   make(chan writeOp, 1024),
		pruneCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.hydrate(); err != nil {
		db.Close()
		return nil, err
	}

	go s.background()

	logging.Values("Value store ready (%d entries, capacity %d)", len(s.cache), s.capacity)
	return s, nil
}

func (s *Store) initialize() error {
	valuesTable := `
	CREATE TABLE IF NOT EXISTS state_action_values (
		state_hash TEXT NOT NULL,
		action_hash TEXT NOT NULL,
		target TEXT,
		value REAL DEFAULT 0,
		visit_count INTEGER DEFAULT 0,
		last_updated DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (state_hash, action_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_values_target ON state_action_values(target);
	CREATE INDEX IF NOT EXISTS idx_values_visits ON state_action_values(visit_count, last_updated);
	`

	feedbackTable := `
	CREATE TABLE IF NOT EXISTS human_feedback (
		state_hash TEXT NOT NULL,
		action_hash TEXT NOT NULL,
		signal INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (state_hash, action_hash)
	);
	`

	dangersTable := `
	CREATE TABLE IF NOT EXISTS dangerous_patterns (
		pattern TEXT PRIMARY KEY,
		occurrences INTEGER DEFAULT 1,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, stmt := range []string{valuesTable, feedbackTable, dangersTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create valuestore schema: %w", err)
		}
	}
	return nil
}

// hydrate loads durable state into the in-memory cache at startup.
func (s *Store) hydrate() error {
	rows, err := s.db.Query(
		`SELECT state_hash, action_hash, target, value, visit_count, last_updated FROM state_action_values`)
	if err != nil {
		return fmt.Errorf("failed to hydrate values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key.StateHash, &e.Key.ActionHash, &e.Target,
			&e.Value, &e.VisitCount, &e.LastUpdated); err != nil {
			logging.Get(logging.CategoryValues).Warn("Value row scan failed: %v", err)
			continue
		}
		entry := e
		s.cache[e.Key] = &entry
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fbRows, err := s.db.Query(`SELECT state_hash, action_hash, signal FROM human_feedback`)
	if err != nil {
		return fmt.Errorf("failed to hydrate feedback: %w", err)
	}
	defer fbRows.Close()
	for fbRows.Next() {
		var k Key
		var signal int
		if err := fbRows.Scan(&k.StateHash, &k.ActionHash, &signal); err != nil {
			continue
		}
		s.feedback[k] = signal
	}

	dRows, err := s.db.Query(`SELECT pattern, occurrences FROM dangerous_patterns`)
	if err != nil {
		return fmt.Errorf("failed to hydrate dangers: %w", err)
	}
	defer dRows.Close()
	for dRows.Next() {
		var pattern string
		var n int
		if err := dRows.Scan(&pattern, &n); err != nil {
			continue
		}
		s.dangers[pattern] = n
	}

	return nil
}

// =============================================================================
// VALUE ACCESS
// =============================================================================

// Get returns the learned value and visit count for a state-action key.
// O(1) from the in-memory cache.
func (s *Store) Get(state, action string) (value float64, visits int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.cache[Key{state, action}]
	if !found {
		return 0, 0, false
	}
	return e.Value, e.VisitCount, true
}

// Set upserts a state-action value. The visit count increments on every
// write. The durable mirror happens asynchronously; when the write queue is
// saturated the mirror for this write is skipped (the cache stays
// authoritative and a later write restores durability).
func (s *Store) Set(target, state, action string, value float64) {
	s.mu.Lock()

	key := Key{state, action}
	e, found := s.cache[key]
	if !found {
		e = &Entry{Key: key, Target: target}
		s.cache[key] = e
	}
	e.Value = value
	e.VisitCount++
	e.LastUpdated = time.Now().UTC()
	if target != "" {
		e.Target = target
	}
	snapshot := *e
	over := len(s.cache) > s.capacity

	s.mu.Unlock()

	select {
	case s.writeCh <- writeOp{entry: snapshot}:
	default:
		logging.Get(logging.CategoryValues).Warn("Durable write queue full, deferring mirror for %s/%s", state, action)
	}

	if over {
		s.schedulePrune()
	}
}

// Size returns the current number of cached entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// =============================================================================
// HUMAN FEEDBACK
// =============================================================================

// SetFeedback records an explicit override: +1 approve, -1 veto.
func (s *Store) SetFeedback(state, action string, signal int) error {
	if signal != 1 && signal != -1 {
		return fmt.Errorf("feedback signal must be +1 or -1, got %d", signal)
	}

	s.mu.Lock()
	s.feedback[Key{state, action}] = signal
	s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO human_feedback (state_hash, action_hash, signal, recorded_at)
		 VALUES (?, ?, ?, ?)`,
		state, action, signal, time.Now().UTC(),
	)
	if err != nil {
		// Cache remains authoritative; durable mirror is best effort.
		logging.Get(logging.CategoryValues).Warn("Feedback durable write failed: %v", err)
	}
	logging.Values("Feedback recorded: %s/%s = %+d", state, action, signal)
	return nil
}

// Feedback returns the override for a key, if any.
func (s *Store) Feedback(state, action string) (signal int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signal, ok = s.feedback[Key{state, action}]
	return signal, ok
}

// =============================================================================
// DANGER REGISTRY
// =============================================================================

// RegisterDanger records an element pattern whose action is vetoed
// regardless of learned value. Repeat registrations bump the occurrence
// count.
func (s *Store) RegisterDanger(pattern string) {
	s.mu.Lock()
	s.dangers[pattern]++
	n := s.dangers[pattern]
	s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO dangerous_patterns (pattern, occurrences, last_seen) VALUES (?, 1, ?)
		 ON CONFLICT(pattern) DO UPDATE SET occurrences = occurrences + 1, last_seen = excluded.last_seen`,
		pattern, time.Now().UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryValues).Warn("Danger durable write failed: %v", err)
	}
	logging.Values("Dangerous pattern registered: %s (x%d)", pattern, n)
}

// IsDangerous reports registry membership.
func (s *Store) IsDangerous(pattern string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dangers[pattern]
	return ok
}

// =============================================================================
// EXPORT
// =============================================================================

// Export serializes the table for a target (all targets when empty) for
// backup or remote merge.
func (s *Store) Export(target string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type snapshot struct {
		Entries  []Entry        `json:"entries"`
		Feedback map[string]int `json:"feedback"`
		Dangers  map[string]int `json:"dangers"`
	}

	snap := snapshot{
		Feedback: make(map[string]int, len(s.feedback)),
		Dangers:  make(map[string]int, len(s.dangers)),
	}
	for _, e := range s.cache {
		if target != "" && e.Target != target {
			continue
		}
		snap.Entries = append(snap.Entries, *e)
	}
	for k, v := range s.feedback {
		snap.Feedback[k.StateHash+":"+k.ActionHash] = v
	}
	for p, n := range s.dangers {
		snap.Dangers[p] = n
	}

	return json.MarshalIndent(snap, "", "  ")
}

// Import merges a previously exported snapshot. Entries win on higher visit
// count, then newer update time; feedback and dangers are unioned with the
// incoming side winning on conflict.
func (s *Store) Import(data []byte) error {
	var snap struct {
		Entries  []Entry        `json:"entries"`
		Feedback map[string]int `json:"feedback"`
		Dangers  map[string]int `json:"dangers"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse value snapshot: %w", err)
	}

	s.mu.Lock()
	merged := 0
	for _, in := range snap.Entries {
		entry := in
		existing, found := s.cache[in.Key]
		if found {
			if existing.VisitCount > in.VisitCount ||
				(existing.VisitCount == in.VisitCount && existing.LastUpdated.After(in.LastUpdated)) {
				continue
			}
		}
		s.cache[in.Key] = &entry
		merged++
	}
	for composite, signal := range snap.Feedback {
		if signal != 1 && signal != -1 {
			continue
		}
		if idx := strings.Index(composite, ":"); idx > 0 {
			s.feedback[Key{composite[:idx], composite[idx+1:]}] = signal
		}
	}
	for pattern, n := range snap.Dangers {
		if s.dangers[pattern] < n {
			s.dangers[pattern] = n
		}
	}
	over := len(s.cache) > s.capacity
	s.mu.Unlock()

	// Mirror merged entries through the normal write path.
	s.mu.RLock()
	for _, in := range snap.Entries {
		if e, ok := s.cache[in.Key]; ok {
			select {
			case s.writeCh <- writeOp{entry: *e}:
			default:
			}
		}
	}
	s.mu.RUnlock()

	if over {
		s.schedulePrune()
	}
	logging.Values("Imported value snapshot: %d entries merged", merged)
	return nil
}

// =============================================================================
// BACKGROUND MIRRORING
// =============================================================================

// background drains durable writes and scheduled prune requests. Pruning
// never runs on the write path that triggered it.
func (s *Store) background() {
	defer close(s.doneCh)

	for {
		select {
		case op := <-s.writeCh:
			s.mirror(op.entry)
		case <-s.pruneCh:
			s.prune()
		case <-s.stopCh:
			// Drain remaining writes before shutdown.
			for {
				select {
				case op := <-s.writeCh:
					s.mirror(op.entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) mirror(e Entry) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO state_action_values
		 (state_hash, action_hash, target, value, visit_count, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Key.StateHash, e.Key.ActionHash, e.Target, e.Value, e.VisitCount, e.LastUpdated,
	)
	if err != nil {
		logging.Get(logging.CategoryValues).Warn("Durable write failed for %s/%s: %v",
			e.Key.StateHash, e.Key.ActionHash, err)
	}
}

func (s *Store) schedulePrune() {
	select {
	case s.pruneCh <- struct{}{}:
		logging.ValuesDebug("Prune scheduled (size %d > capacity %d)", s.Size(), s.capacity)
	default:
		// Prune already pending.
	}
}

// Close stops the background task after draining pending writes.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}
