// Package navgraph persists the learned navigation model: screens, the
// transitions between them, entry points, menu patterns, and blocker
// screens, one learned map per exploration target. It exposes reliability-
// weighted path search over the learned edges.
package navgraph

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"uiscout/internal/logging"
	"uiscout/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxTargets caps how many learned maps are retained before the
// oldest-updated one is evicted.
const DefaultMaxTargets = 25

// Store is the SQLite-backed navigation graph store.
type Store struct {
	db             *sql.DB
	mu             sync.RWMutex
	dbPath         string
	maxTargets     int
	maxKeyElements int
}

// NewStore opens (or creates) the navigation graph database at path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryNavGraph, "NewStore")
	defer timer.Stop()

	logging.NavGraph("Initializing navigation graph store at: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryNavGraph).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryNavGraph).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.NavGraphDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.NavGraphDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.NavGraphDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &Store{db: db, dbPath: path, maxTargets: DefaultMaxTargets, maxKeyElements: MaxKeyElements}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryNavGraph).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.NavGraph("Navigation graph store initialized")
	return store, nil
}

// SetMaxTargets overrides the learned-map retention cap.
func (s *Store) SetMaxTargets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxTargets = n
	}
}

// SetMaxKeyElements overrides the per-screen key-element summary cap.
func (s *Store) SetMaxKeyElements(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxKeyElements = n
	}
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	mapsTable := `
	CREATE TABLE IF NOT EXISTS learned_maps (
		target TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_maps_updated ON learned_maps(updated_at);
	`

	screensTable := `
	CREATE TABLE IF NOT EXISTS screens (
		target TEXT NOT NULL,
		id TEXT NOT NULL,
		activity TEXT,
		title TEXT,
		scrollable INTEGER DEFAULT 0,
		key_elements TEXT,
		children TEXT,
		visit_count INTEGER DEFAULT 0,
		fully_explored INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (target, id)
	);
	CREATE INDEX IF NOT EXISTS idx_screens_target ON screens(target);
	`

	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		target TEXT NOT NULL,
		from_screen TEXT NOT NULL,
		to_screen TEXT NOT NULL,
		step TEXT,
		reliability REAL DEFAULT 0.7,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		last_used DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (target, from_screen, to_screen)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(target, from_screen);
	`

	entryPointsTable := `
	CREATE TABLE IF NOT EXISTS entry_points (
		target TEXT NOT NULL,
		screen_id TEXT NOT NULL,
		rank INTEGER DEFAULT 0,
		PRIMARY KEY (target, screen_id)
	);
	`

	menuPatternsTable := `
	CREATE TABLE IF NOT EXISTS menu_patterns (
		target TEXT NOT NULL,
		pattern TEXT NOT NULL,
		screen_id TEXT,
		PRIMARY KEY (target, pattern)
	);
	`

	blockersTable := `
	CREATE TABLE IF NOT EXISTS blockers (
		target TEXT NOT NULL,
		screen_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		observed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (target, screen_id)
	);
	`

	for _, stmt := range []string{mapsTable, screensTable, edgesTable, entryPointsTable, menuPatternsTable, blockersTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create navgraph schema: %w", err)
		}
	}
	return nil
}

// touchMapLocked registers target activity and evicts the oldest map when
// over the retention cap. Caller must hold s.mu.
func (s *Store) touchMapLocked(target string) error {
	_, err := s.db.Exec(
		`INSERT INTO learned_maps (target, updated_at) VALUES (?, ?)
		 ON CONFLICT(target) DO UPDATE SET updated_at = excluded.updated_at`,
		target, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch learned map: %w", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM learned_maps`).Scan(&count); err != nil {
		return err
	}
	for count > s.maxTargets {
		var oldest string
		if err := s.db.QueryRow(
			`SELECT target FROM learned_maps ORDER BY updated_at ASC LIMIT 1`,
		).Scan(&oldest); err != nil {
			return err
		}
		logging.NavGraph("Evicting learned map for target %s (retention cap %d)", oldest, s.maxTargets)
		if err := s.deleteTargetLocked(oldest); err != nil {
			return err
		}
		count--
	}
	return nil
}

// deleteTargetLocked removes every row belonging to a target. Caller must
// hold s.mu.
func (s *Store) deleteTargetLocked(target string) error {
	for _, table := range []string{"screens", "edges", "entry_points", "menu_patterns", "blockers", "learned_maps"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE target = ?", table), target); err != nil {
			return fmt.Errorf("failed to evict target from %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// ENTRY POINTS, MENU PATTERNS, BLOCKERS
// =============================================================================

// AddEntryPoint records a screen reachable from a cold start.
func (s *Store) AddEntryPoint(target, screenID string, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO entry_points (target, screen_id, rank) VALUES (?, ?, ?)
		 ON CONFLICT(target, screen_id) DO UPDATE SET rank = excluded.rank`,
		target, screenID, rank,
	)
	if err != nil {
		return fmt.Errorf("failed to add entry point: %w", err)
	}
	return s.touchMapLocked(target)
}

// EntryPoints lists entry-point screens for a target, best rank first.
func (s *Store) EntryPoints(target string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT screen_id FROM entry_points WHERE target = ? ORDER BY rank ASC`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry points: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMenuPattern records a recurring menu structure observed on a screen.
func (s *Store) AddMenuPattern(target, pattern, screenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO menu_patterns (target, pattern, screen_id) VALUES (?, ?, ?)`,
		target, pattern, screenID,
	)
	if err != nil {
		return fmt.Errorf("failed to add menu pattern: %w", err)
	}
	return s.touchMapLocked(target)
}

// MenuPatterns returns the recurring menu structures of a target as a
// pattern -> screen map (the screen is where the pattern was last observed).
func (s *Store) MenuPatterns(target string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT pattern, screen_id FROM menu_patterns WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query menu patterns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var pattern string
		var screenID sql.NullString
		if err := rows.Scan(&pattern, &screenID); err != nil {
			continue
		}
		out[pattern] = screenID.String
	}
	return out, rows.Err()
}

// RecordBlocker marks a screen as blocked (login wall, paywall, ...).
func (s *Store) RecordBlocker(target, screenID string, kind types.BlockerKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.NavGraph("Recording blocker on screen %s: %s", screenID, kind)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO blockers (target, screen_id, kind, observed_at) VALUES (?, ?, ?, ?)`,
		target, screenID, string(kind), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record blocker: %w", err)
	}
	return s.touchMapLocked(target)
}

// Blockers returns the blocker map (screenID -> kind) for a target.
func (s *Store) Blockers(target string) (map[string]types.BlockerKind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT screen_id, kind FROM blockers WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query blockers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.BlockerKind)
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			continue
		}
		out[id] = types.BlockerKind(kind)
	}
	return out, rows.Err()
}

// Targets lists the targets with a learned map, most recently updated first.
func (s *Store) Targets() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT target FROM learned_maps ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			continue
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
