package valuestore

import (
	"sort"

	"uiscout/internal/logging"
)

// prune brings the table back under its capacity ceiling. Entries below the
// minimum visit-count threshold go first; if the table is still over, the
// remainder is removed oldest-by-(visit count asc, last updated asc).
// Runs only on the background task.
func (s *Store) prune() {
	timer := logging.StartTimer(logging.CategoryValues, "prune")
	defer timer.Stop()

	s.mu.Lock()

	if len(s.cache) <= s.capacity {
		s.mu.Unlock()
		return
	}

	before := len(s.cache)
	var removed []Key

	// Phase 1: low-visit entries.
	for k, e := range s.cache {
		if len(s.cache) <= s.capacity {
			break
		}
		if e.VisitCount < s.minVisits {
			delete(s.cache, k)
			removed = append(removed, k)
		}
	}

	// Phase 2: still over - evict by (visit count asc, last updated asc).
	if len(s.cache) > s.capacity {
		entries := make([]*Entry, 0, len(s.cache))
		for _, e := range s.cache {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].VisitCount != entries[j].VisitCount {
				return entries[i].VisitCount < entries[j].VisitCount
			}
			return entries[i].LastUpdated.Before(entries[j].LastUpdated)
		})
		for _, e := range entries {
			if len(s.cache) <= s.capacity {
				break
			}
			delete(s.cache, e.Key)
			removed = append(removed, e.Key)
		}
	}

	s.mu.Unlock()

	// Mirror the evictions; failures leave stale durable rows that the next
	// hydrate-and-prune cycle will catch.
	for _, k := range removed {
		if _, err := s.db.Exec(
			`DELETE FROM state_action_values WHERE state_hash = ? AND action_hash = ?`,
			k.StateHash, k.ActionHash,
		); err != nil {
			logging.Get(logging.CategoryValues).Warn("Prune durable delete failed for %s/%s: %v",
				k.StateHash, k.ActionHash, err)
		}
	}

	logging.Values("Pruned value table: %d -> %d entries (%d removed)", before, before-len(removed), len(removed))
}

// PruneNow schedules a prune and is intended for shutdown/maintenance
// paths; the exploration loop relies on the automatic scheduling in Set.
func (s *Store) PruneNow() {
	s.schedulePrune()
}
