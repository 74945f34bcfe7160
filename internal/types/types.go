// Package types provides shared type definitions used across uiscout packages.
// This package exists to break import cycles between explore, navgraph, and snapshot.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// UI ELEMENT TYPES
// =============================================================================

// Bounds is a screen-space rectangle in pixels.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CenterX returns the horizontal center of the rectangle.
func (b Bounds) CenterX() int { return b.X + b.Width/2 }

// CenterY returns the vertical center of the rectangle.
func (b Bounds) CenterY() int { return b.Y + b.Height/2 }

// IsEmpty reports whether the rectangle has no area.
func (b Bounds) IsEmpty() bool { return b.Width <= 0 || b.Height <= 0 }

// ManhattanDistance sums the absolute component deltas over (x, y, width, height).
// Used by the resolver's bounds-only strategy to pick the nearest candidate.
func (b Bounds) ManhattanDistance(o Bounds) int {
	return abs(b.X-o.X) + abs(b.Y-o.Y) + abs(b.Width-o.Width) + abs(b.Height-o.Height)
}

// OverlapsWithin reports whether both origins lie within tol pixels of each other.
func (b Bounds) OverlapsWithin(o Bounds, tol int) bool {
	return abs(b.X-o.X) <= tol && abs(b.Y-o.Y) <= tol
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Element is one node of a captured UI tree. The snapshot provider hands the
// core a flat list; Children is only populated when a provider returns the
// tree form and the resolver flattens it.
type Element struct {
	Identifier  string    `json:"identifier,omitempty"` // resource id, e.g. "com.app:id/submit"
	Text        string    `json:"text,omitempty"`
	Class       string    `json:"class,omitempty"`
	Bounds      Bounds    `json:"bounds"`
	Interactive bool      `json:"interactive"`
	Scrollable  bool      `json:"scrollable"`
	Children    []Element `json:"children,omitempty"`
}

// ShortIdentifier returns the identifier without its package prefix
// ("com.app:id/submit" -> "submit").
func (e Element) ShortIdentifier() string {
	if idx := strings.LastIndex(e.Identifier, "/"); idx >= 0 {
		return e.Identifier[idx+1:]
	}
	return e.Identifier
}

// Signature is the structural fingerprint of an element, used for screen
// identity hashing. Text is deliberately excluded (it churns on dynamic
// screens); identifier and class are structural.
func (e Element) Signature() string {
	return fmt.Sprintf("%s|%s|%t", e.Class, e.ShortIdentifier(), e.Interactive)
}

// ElementDesc is a symbolic description of an element recorded earlier,
// matched against a live element list by the resolver.
type ElementDesc struct {
	Identifier string `json:"identifier,omitempty"`
	Text       string `json:"text,omitempty"`
	Class      string `json:"class,omitempty"`
	Bounds     Bounds `json:"bounds"`
}

// =============================================================================
// ACTIONS
// =============================================================================

// ActionKind enumerates the actions the executor can perform.
type ActionKind string

const (
	ActionTap    ActionKind = "/tap"
	ActionSwipe  ActionKind = "/swipe"
	ActionScroll ActionKind = "/scroll"
	ActionBack   ActionKind = "/back"
	ActionHome   ActionKind = "/home"
)

// UIAction is a concrete action handed to the executor.
type UIAction struct {
	Kind    ActionKind  `json:"kind"`
	X       int         `json:"x,omitempty"`
	Y       int         `json:"y,omitempty"`
	ToX     int         `json:"to_x,omitempty"`
	ToY     int         `json:"to_y,omitempty"`
	Element ElementDesc `json:"element,omitempty"`
}

// TapAt builds a tap action at the center of the given bounds.
func TapAt(b Bounds) UIAction {
	return UIAction{Kind: ActionTap, X: b.CenterX(), Y: b.CenterY()}
}

// =============================================================================
// EXPLORATION OUTPUT
// =============================================================================

// IssueKind classifies problems observed during exploration.
type IssueKind string

const (
	IssueResolutionMiss IssueKind = "/resolution_miss"
	IssueStuck          IssueKind = "/stuck"
	IssuePathBroken     IssueKind = "/path_broken"
	IssueBlocker        IssueKind = "/blocker"
)

// Issue is a non-fatal problem surfaced in the session result.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	ScreenID   string    `json:"screen_id,omitempty"`
	Detail     string    `json:"detail"`
	ObservedAt time.Time `json:"observed_at"`
}

// BlockerKind classifies screens that halt exploration.
type BlockerKind string

const (
	BlockerLogin   BlockerKind = "/login_wall"
	BlockerPaywall BlockerKind = "/paywall"
	BlockerConsent BlockerKind = "/consent_dialog"
	BlockerCrash   BlockerKind = "/crash"
)

// ScreenSummary is one screen of the final screen set carried in the
// session result.
type ScreenSummary struct {
	ID            string `json:"id"`
	ElementCount  int    `json:"element_count"`
	FullyExplored bool   `json:"fully_explored"`
}

// SessionResult is returned once the state machine reaches COMPLETED.
// Screens is the final screen set of the pass; Actions is every action the
// executor performed, in order.
type SessionResult struct {
	SessionID    string          `json:"session_id"`
	Target       string          `json:"target"`
	Pass         int             `json:"pass"`
	ScreensSeen  int             `json:"screens_seen"`
	ElementsSeen int             `json:"elements_seen"`
	Taps         int             `json:"taps"`
	Coverage     float64         `json:"coverage"`
	Screens      []ScreenSummary `json:"screens"`
	Actions      []UIAction      `json:"actions,omitempty"`
	Issues       []Issue         `json:"issues"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
	Aborted      bool            `json:"aborted"`
}

// =============================================================================
// DELIVERY PRIORITIES
// =============================================================================

// Priority orders outbox entries; higher drains first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String implements fmt.Stringer for log lines.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}
