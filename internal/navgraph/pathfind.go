package navgraph

import (
	"container/heap"
	"fmt"

	"uiscout/internal/logging"
)

// Path is a reliability-weighted route between two screens.
type Path struct {
	Edges []Edge
	// Reliability is the product of the individual edge reliabilities: each
	// hop is an independent failure opportunity, so a 3-hop path of 0.9 each
	// compounds to 0.729.
	Reliability float64
}

// NoPathError reports that no route exists; callers fall back to entry
// points rather than receiving a partial path.
type NoPathError struct {
	From string
	To   string
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no path from %s to %s", e.From, e.To)
}

// FindPath searches the learned graph for a route from start to goal.
//
//  1. Direct-edge shortcut: a single edge above DirectEdgeThreshold wins
//     immediately, no search.
//  2. Otherwise best-first search over edges at or above ReliabilityFloor
//     with cost 1 - reliability. Equal costs fall back to discovery order
//     (a monotonic sequence number keeps runs deterministic; it is not a
//     promise of a particular path shape between equal-cost routes).
func (s *Store) FindPath(target, start, goal string) (*Path, error) {
	timer := logging.StartTimer(logging.CategoryNavGraph, "FindPath")
	defer timer.Stop()

	if start == goal {
		return &Path{Reliability: 1}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	edges, err := s.edgesLocked(target)
	if err != nil {
		return nil, err
	}

	// Direct-edge shortcut.
	for _, e := range edges {
		if e.From == start && e.To == goal && e.Reliability > DirectEdgeThreshold {
			logging.NavGraphDebug("Direct edge %s -> %s (reliability %.3f)", start, goal, e.Reliability)
			return &Path{Edges: []Edge{e}, Reliability: e.Reliability}, nil
		}
	}

	// Adjacency over searchable edges only; weak edges stay in the store
	// but are invisible to search until they heal.
	adj := make(map[string][]Edge)
	for _, e := range edges {
		if e.Reliability < ReliabilityFloor {
			continue
		}
		adj[e.From] = append(adj[e.From], e)
	}

	dist := map[string]float64{start: 0}
	cameFrom := make(map[string]*Edge)
	visited := make(map[string]bool)

	pq := &costQueue{}
	heap.Init(pq)
	heap.Push(pq, &costItem{screen: start, cost: 0})

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*costItem)
		if visited[cur.screen] {
			continue
		}
		visited[cur.screen] = true

		if cur.screen == goal {
			break
		}

		for _, e := range adj[cur.screen] {
			if visited[e.To] {
				continue
			}
			next := cur.cost + (1 - e.Reliability)
			if d, ok := dist[e.To]; !ok || next < d {
				dist[e.To] = next
				edge := e
				cameFrom[e.To] = &edge
				heap.Push(pq, &costItem{screen: e.To, cost: next})
			}
		}
	}

	if !visited[goal] {
		logging.NavGraphDebug("No path %s -> %s (%d screens reached)", start, goal, len(visited))
		return nil, &NoPathError{From: start, To: goal}
	}

	// Backtrack and compound reliability.
	var reversed []Edge
	for cur := goal; cur != start; {
		edge := cameFrom[cur]
		if edge == nil {
			return nil, &NoPathError{From: start, To: goal}
		}
		reversed = append(reversed, *edge)
		cur = edge.From
	}

	path := &Path{Reliability: 1}
	for i := len(reversed) - 1; i >= 0; i-- {
		path.Edges = append(path.Edges, reversed[i])
		path.Reliability *= reversed[i].Reliability
	}

	logging.NavGraphDebug("Path %s -> %s: %d hops, reliability %.3f",
		start, goal, len(path.Edges), path.Reliability)
	return path, nil
}

// =============================================================================
// PRIORITY QUEUE
// =============================================================================

type costItem struct {
	screen string
	cost   float64
	seq    int // insertion order, breaks cost ties deterministically
	index  int
}

type costQueue struct {
	items []*costItem
	next  int
}

func (q *costQueue) Len() int { return len(q.items) }

func (q *costQueue) Less(i, j int) bool {
	if q.items[i].cost != q.items[j].cost {
		return q.items[i].cost < q.items[j].cost
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *costQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *costQueue) Push(x interface{}) {
	item := x.(*costItem)
	item.seq = q.next
	q.next++
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *costQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
