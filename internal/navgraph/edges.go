package navgraph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"uiscout/internal/logging"
	"uiscout/internal/types"
)

// Reliability constants.
const (
	// ReliabilityAlpha is the EMA smoothing factor for edge reliability.
	ReliabilityAlpha = 0.2
	// ReliabilitySeed is the reliability assigned to a newly observed edge.
	ReliabilitySeed = 0.7
	// ReliabilityFloor excludes edges from path search without deleting
	// them; a later success can heal the edge back above the floor.
	ReliabilityFloor = 0.1
	// DirectEdgeThreshold is the minimum reliability for the single-edge
	// shortcut that bypasses graph search entirely.
	DirectEdgeThreshold = 0.3
)

// Edge is a learned, directed, weighted transition between two screens.
type Edge struct {
	Target       string         `json:"target"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Step         types.UIAction `json:"step"`
	Reliability  float64        `json:"reliability"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	LastUsed     time.Time      `json:"last_used"`
}

// RecordTransition upserts the edge from->to and folds the outcome into its
// reliability. New edges seed at ReliabilitySeed; existing edges move by
// exponentially weighted moving average.
func (s *Store) RecordTransition(target, from, to string, step types.UIAction, success bool) (*Edge, error) {
	timer := logging.StartTimer(logging.CategoryNavGraph, "RecordTransition")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	edge, err := s.getEdgeLocked(target, from, to)
	if err != nil {
		return nil, err
	}

	if edge == nil {
		edge = &Edge{
			Target:      target,
			From:        from,
			To:          to,
			Step:        step,
			Reliability: ReliabilitySeed,
		}
		logging.NavGraphDebug("New edge %s -> %s (seed reliability %.2f)", from, to, ReliabilitySeed)
	} else {
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		edge.Reliability = (1-ReliabilityAlpha)*edge.Reliability + ReliabilityAlpha*outcome
		// The representative step tracks the most recent successful way in.
		if success {
			edge.Step = step
		}
	}

	if success {
		edge.SuccessCount++
	} else {
		edge.FailureCount++
	}
	edge.LastUsed = time.Now().UTC()

	if err := s.putEdgeLocked(edge); err != nil {
		return nil, err
	}
	if err := s.touchMapLocked(target); err != nil {
		return nil, err
	}

	logging.NavGraphDebug("Edge %s -> %s reliability=%.3f (ok=%d fail=%d)",
		from, to, edge.Reliability, edge.SuccessCount, edge.FailureCount)
	return edge, nil
}

// GetEdge fetches one edge, or nil when it does not exist.
func (s *Store) GetEdge(target, from, to string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEdgeLocked(target, from, to)
}

// Edges lists all edges of a target, including those below the reliability
// floor (they are retained for self-healing, only search excludes them).
func (s *Store) Edges(target string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgesLocked(target)
}

// edgesLocked assumes the caller holds at least s.mu.RLock().
func (s *Store) edgesLocked(target string) ([]Edge, error) {
	rows, err := s.db.Query(
		`SELECT from_screen, to_screen, step, reliability, success_count, failure_count, last_used
		 FROM edges WHERE target = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		edge, err := scanEdge(rows, target)
		if err != nil {
			logging.Get(logging.CategoryNavGraph).Warn("Edge row scan failed: %v", err)
			continue
		}
		edges = append(edges, *edge)
	}
	return edges, rows.Err()
}

func (s *Store) getEdgeLocked(target, from, to string) (*Edge, error) {
	row := s.db.QueryRow(
		`SELECT from_screen, to_screen, step, reliability, success_count, failure_count, last_used
		 FROM edges WHERE target = ? AND from_screen = ? AND to_screen = ?`,
		target, from, to)

	edge, err := scanEdge(row, target)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load edge %s->%s: %w", from, to, err)
	}
	return edge, nil
}

func (s *Store) putEdgeLocked(edge *Edge) error {
	stepJSON, err := json.Marshal(edge.Step)
	if err != nil {
		return fmt.Errorf("failed to marshal edge step: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO edges
		 (target, from_screen, to_screen, step, reliability, success_count, failure_count, last_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		edge.Target, edge.From, edge.To, string(stepJSON),
		edge.Reliability, edge.SuccessCount, edge.FailureCount, edge.LastUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to store edge: %w", err)
	}
	return nil
}

func scanEdge(row rowScanner, target string) (*Edge, error) {
	var edge Edge
	var stepJSON sql.NullString

	err := row.Scan(&edge.From, &edge.To, &stepJSON, &edge.Reliability,
		&edge.SuccessCount, &edge.FailureCount, &edge.LastUsed)
	if err != nil {
		return nil, err
	}
	edge.Target = target
	if stepJSON.Valid && stepJSON.String != "" {
		if err := json.Unmarshal([]byte(stepJSON.String), &edge.Step); err != nil {
			logging.Get(logging.CategoryNavGraph).Warn("Edge step unmarshal failed for %s->%s: %v",
				edge.From, edge.To, err)
		}
	}
	return &edge, nil
}
