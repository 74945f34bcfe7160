// Package coverage recomputes exploration coverage metrics from scratch on
// every update. Metrics are always derived from the current screen set and
// the current visited-element set, never from stale per-screen counters, so
// a screen re-captured with a different element set cannot inflate coverage.
package coverage

import (
	"sort"

	"uiscout/internal/logging"
	"uiscout/internal/types"
)

// Weights for the overall coverage blend.
const (
	weightElements = 0.5
	weightScreens  = 0.3
	weightScroll   = 0.2
)

// FrontierLimit caps the frontier reported to callers.
const FrontierLimit = 5

// GoalMode selects the termination policy.
type GoalMode string

const (
	// GoalFullCoverage terminates once overall coverage reaches the target.
	GoalFullCoverage GoalMode = "/full_coverage"
	// GoalAdvisory treats coverage as informational only.
	GoalAdvisory GoalMode = "/advisory"
)

// ScreenState is the per-screen slice of an exploration snapshot.
type ScreenState struct {
	ID            string
	Elements      []types.Element // elements present in the latest capture
	FullyExplored bool
	// ScrolledContainers marks scrollable containers (by element key) that
	// have been scrolled to their end.
	ScrolledContainers map[string]bool
}

// Snapshot is the input to a coverage recomputation.
type Snapshot struct {
	Screens []ScreenState
	// Visited holds composite "screenID:elementKey" keys. Keys referring to
	// elements no longer present simply stop counting; they are not removed.
	Visited map[string]bool
}

// FrontierScreen is one entry of the ranked frontier.
type FrontierScreen struct {
	ScreenID             string
	UnvisitedElements    int
	UnscrolledContainers int
}

// Metrics is the derived coverage state. It is recomputed wholesale and is
// never itself a source of truth.
type Metrics struct {
	ElementCoverage float64
	ScreenCoverage  float64
	ScrollCoverage  float64
	Overall         float64

	TotalElements      int
	VisitedElements    int
	TotalScreens       int
	ExploredScreens    int
	TotalContainers    int
	ScrolledContainers int

	Frontier []FrontierScreen
}

// ElementKey builds the composite visited key for an element on a screen.
// Identifier-less elements fall back to the structural signature; this is a
// known approximation when identifiers are regenerated across captures.
func ElementKey(screenID string, el types.Element) string {
	if el.Identifier != "" {
		return screenID + ":" + el.Identifier
	}
	return screenID + ":" + el.Signature()
}

// Compute recomputes all metrics from the snapshot.
func Compute(snap Snapshot) Metrics {
	timer := logging.StartTimer(logging.CategoryCoverage, "Compute")
	defer timer.Stop()

	var m Metrics
	m.TotalScreens = len(snap.Screens)

	frontier := make([]FrontierScreen, 0, len(snap.Screens))

	for _, screen := range snap.Screens {
		if screen.FullyExplored {
			m.ExploredScreens++
		}

		unvisited := 0
		unscrolled := 0

		for _, el := range coverableElements(screen.Elements) {
			m.TotalElements++
			if snap.Visited[ElementKey(screen.ID, el)] {
				m.VisitedElements++
			} else {
				unvisited++
			}
		}

		for _, el := range screen.Elements {
			if !el.Scrollable {
				continue
			}
			m.TotalContainers++
			if screen.ScrolledContainers[ElementKey(screen.ID, el)] {
				m.ScrolledContainers++
			} else {
				unscrolled++
			}
		}

		if unvisited > 0 || unscrolled > 0 {
			frontier = append(frontier, FrontierScreen{
				ScreenID:             screen.ID,
				UnvisitedElements:    unvisited,
				UnscrolledContainers: unscrolled,
			})
		}
	}

	if m.TotalElements > 0 {
		m.ElementCoverage = float64(m.VisitedElements) / float64(m.TotalElements)
	}
	if m.TotalScreens > 0 {
		m.ScreenCoverage = float64(m.ExploredScreens) / float64(m.TotalScreens)
	}
	// No containers means 0, not 1: an app without scroll views must not get
	// a free 20% of overall coverage.
	if m.TotalContainers > 0 {
		m.ScrollCoverage = float64(m.ScrolledContainers) / float64(m.TotalContainers)
	}

	m.Overall = weightElements*m.ElementCoverage +
		weightScreens*m.ScreenCoverage +
		weightScroll*m.ScrollCoverage

	// Rank frontier by unvisited count descending. Unscrolled containers are
	// part of that count: they qualify a screen for the frontier, so they
	// contribute to its remaining yield too.
	sort.SliceStable(frontier, func(i, j int) bool {
		yi := frontier[i].UnvisitedElements + frontier[i].UnscrolledContainers
		yj := frontier[j].UnvisitedElements + frontier[j].UnscrolledContainers
		return yi > yj
	})
	if len(frontier) > FrontierLimit {
		frontier = frontier[:FrontierLimit]
	}
	m.Frontier = frontier

	logging.CoverageDebug("Coverage: overall=%.3f elements=%d/%d screens=%d/%d containers=%d/%d frontier=%d",
		m.Overall, m.VisitedElements, m.TotalElements, m.ExploredScreens, m.TotalScreens,
		m.ScrolledContainers, m.TotalContainers, len(m.Frontier))

	return m
}

// ShouldStop reports whether exploration may terminate on coverage grounds.
// Coverage is advisory unless the goal mode requests full coverage.
func ShouldStop(m Metrics, mode GoalMode, target float64) bool {
	if mode != GoalFullCoverage {
		return false
	}
	return m.Overall >= target
}

// coverableElements returns the elements that count toward element coverage:
// the interactive subset when any element carries the flag, otherwise every
// element (providers that do not report interactivity).
func coverableElements(elements []types.Element) []types.Element {
	hasFlag := false
	for _, el := range elements {
		if el.Interactive {
			hasFlag = true
			break
		}
	}
	if !hasFlag {
		return elements
	}
	out := elements[:0:0]
	for _, el := range elements {
		if el.Interactive {
			out = append(out, el)
		}
	}
	return out
}
