package navgraph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"uiscout/internal/logging"
	"uiscout/internal/types"
)

// MaxKeyElements is the default bound on deduplicated key-element summaries
// per screen; SetMaxKeyElements tightens it.
const MaxKeyElements = 20

// ElementSummary is the compact per-screen element record kept in the map.
type ElementSummary struct {
	Identifier string `json:"identifier,omitempty"`
	Text       string `json:"text,omitempty"`
	Class      string `json:"class,omitempty"`
}

// Screen is a distinct UI state identified by a structural signature hash.
type Screen struct {
	ID            string           `json:"id"`
	Target        string           `json:"target"`
	Activity      string           `json:"activity,omitempty"`
	Title         string           `json:"title,omitempty"`
	Scrollable    bool             `json:"scrollable"`
	KeyElements   []ElementSummary `json:"key_elements,omitempty"`
	Children      []string         `json:"children,omitempty"`
	VisitCount    int              `json:"visit_count"`
	FullyExplored bool             `json:"fully_explored"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ScreenID computes the stable identity hash of a screen: FNV-64a over the
// activity label and the sorted structural signatures of its elements.
// Titles are excluded because they churn on dynamic screens.
func ScreenID(activity string, elements []types.Element) string {
	sigs := make([]string, 0, len(elements))
	for _, el := range elements {
		sigs = append(sigs, el.Signature())
	}
	sort.Strings(sigs)

	h := fnv.New64a()
	h.Write([]byte(activity))
	for _, sig := range sigs {
		h.Write([]byte{0})
		h.Write([]byte(sig))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// ObserveScreen creates the screen on first observation and merges on
// revisit: visit count increments, key elements are unioned (bounded and
// deduplicated), child sets are unioned. Existing data is never replaced
// wholesale.
func (s *Store) ObserveScreen(target, activity, title string, elements []types.Element) (*Screen, error) {
	timer := logging.StartTimer(logging.CategoryNavGraph, "ObserveScreen")
	defer timer.Stop()

	id := ScreenID(activity, elements)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getScreenLocked(target, id)
	if err != nil {
		return nil, err
	}

	screen := existing
	if screen == nil {
		screen = &Screen{ID: id, Target: target, Activity: activity, Title: title}
		logging.NavGraph("New screen observed: %s (activity=%s)", id, activity)
	}

	screen.VisitCount++
	screen.UpdatedAt = time.Now().UTC()
	if title != "" {
		screen.Title = title
	}
	for _, el := range elements {
		if el.Scrollable {
			screen.Scrollable = true
		}
	}
	screen.KeyElements = mergeKeyElements(screen.KeyElements, elements, s.maxKeyElements)

	if err := s.putScreenLocked(screen); err != nil {
		return nil, err
	}
	if err := s.touchMapLocked(target); err != nil {
		return nil, err
	}

	logging.NavGraphDebug("Screen %s merged (visits=%d, keyElements=%d)",
		id, screen.VisitCount, len(screen.KeyElements))
	return screen, nil
}

// LinkChild records toID in the child-screen set of fromID.
func (s *Store) LinkChild(target, fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	screen, err := s.getScreenLocked(target, fromID)
	if err != nil {
		return err
	}
	if screen == nil {
		return fmt.Errorf("unknown screen %s", fromID)
	}
	for _, c := range screen.Children {
		if c == toID {
			return nil
		}
	}
	screen.Children = append(screen.Children, toID)
	screen.UpdatedAt = time.Now().UTC()
	return s.putScreenLocked(screen)
}

// MarkFullyExplored flags a screen as exhausted.
func (s *Store) MarkFullyExplored(target, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE screens SET fully_explored = 1, updated_at = ? WHERE target = ? AND id = ?`,
		time.Now().UTC(), target, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark screen explored: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown screen %s", id)
	}
	return nil
}

// GetScreen fetches one screen, or nil when it has never been observed.
func (s *Store) GetScreen(target, id string) (*Screen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getScreenLocked(target, id)
}

// Screens lists all screens of a target.
func (s *Store) Screens(target string) ([]Screen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, activity, title, scrollable, key_elements, children, visit_count, fully_explored, updated_at
		 FROM screens WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query screens: %w", err)
	}
	defer rows.Close()

	var screens []Screen
	for rows.Next() {
		screen, err := scanScreen(rows, target)
		if err != nil {
			logging.Get(logging.CategoryNavGraph).Warn("Screen row scan failed: %v", err)
			continue
		}
		screens = append(screens, *screen)
	}
	return screens, rows.Err()
}

// getScreenLocked assumes the caller holds at least s.mu.RLock().
func (s *Store) getScreenLocked(target, id string) (*Screen, error) {
	row := s.db.QueryRow(
		`SELECT id, activity, title, scrollable, key_elements, children, visit_count, fully_explored, updated_at
		 FROM screens WHERE target = ? AND id = ?`, target, id)

	screen, err := scanScreen(row, target)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load screen %s: %w", id, err)
	}
	return screen, nil
}

func (s *Store) putScreenLocked(screen *Screen) error {
	keyJSON, err := json.Marshal(screen.KeyElements)
	if err != nil {
		return fmt.Errorf("failed to marshal key elements: %w", err)
	}
	childJSON, err := json.Marshal(screen.Children)
	if err != nil {
		return fmt.Errorf("failed to marshal children: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO screens
		 (target, id, activity, title, scrollable, key_elements, children, visit_count, fully_explored, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		screen.Target, screen.ID, screen.Activity, screen.Title, boolInt(screen.Scrollable),
		string(keyJSON), string(childJSON), screen.VisitCount, boolInt(screen.FullyExplored), screen.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store screen: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScreen(row rowScanner, target string) (*Screen, error) {
	var screen Screen
	var scrollable, explored int
	var keyJSON, childJSON sql.NullString

	err := row.Scan(&screen.ID, &screen.Activity, &screen.Title, &scrollable,
		&keyJSON, &childJSON, &screen.VisitCount, &explored, &screen.UpdatedAt)
	if err != nil {
		return nil, err
	}
	screen.Target = target
	screen.Scrollable = scrollable != 0
	screen.FullyExplored = explored != 0
	if keyJSON.Valid && keyJSON.String != "" {
		if err := json.Unmarshal([]byte(keyJSON.String), &screen.KeyElements); err != nil {
			logging.Get(logging.CategoryNavGraph).Warn("Key elements unmarshal failed for %s: %v", screen.ID, err)
		}
	}
	if childJSON.Valid && childJSON.String != "" {
		if err := json.Unmarshal([]byte(childJSON.String), &screen.Children); err != nil {
			logging.Get(logging.CategoryNavGraph).Warn("Children unmarshal failed for %s: %v", screen.ID, err)
		}
	}
	return &screen, nil
}

// mergeKeyElements unions summaries, preferring existing entries, capped at
// limit. Dedup key is identifier when present, else text+class.
func mergeKeyElements(existing []ElementSummary, elements []types.Element, limit int) []ElementSummary {
	seen := make(map[string]bool, len(existing))
	out := make([]ElementSummary, 0, len(existing))
	for _, es := range existing {
		key := summaryKey(es)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, es)
	}

	for _, el := range elements {
		if len(out) >= limit {
			break
		}
		if !el.Interactive && el.Identifier == "" && el.Text == "" {
			continue
		}
		es := ElementSummary{Identifier: el.Identifier, Text: el.Text, Class: el.Class}
		key := summaryKey(es)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, es)
	}
	return out
}

func summaryKey(es ElementSummary) string {
	if es.Identifier != "" {
		return "id:" + es.Identifier
	}
	return "tc:" + es.Text + "|" + es.Class
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
