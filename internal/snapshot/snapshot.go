// Package snapshot defines the boundary between the exploration core and the
// outside world: capturing on-screen elements, performing actions, publishing
// telemetry, and the consent gate. The core depends only on these interfaces;
// the rod-backed device is one implementation.
package snapshot

import (
	"context"
	"sync"

	"uiscout/internal/types"
)

// Observation is one capture of the current UI state.
type Observation struct {
	Activity string          `json:"activity"`
	Title    string          `json:"title,omitempty"`
	Elements []types.Element `json:"elements"`
}

// Provider captures the current on-screen elements.
type Provider interface {
	Snapshot(ctx context.Context) (Observation, error)
}

// Executor performs a UI action and reports whether it was carried out.
type Executor interface {
	Perform(ctx context.Context, action types.UIAction) bool
}

// Publisher attempts delivery of a payload to a remote sink.
type Publisher interface {
	Publish(destination string, payload []byte) bool
}

// ConsentGate is the externally enforced whitelist checked before any
// learning write.
type ConsentGate interface {
	IsLearningAllowed(target string) bool
}

// AllowlistGate is a ConsentGate over an explicit target set. An empty
// allowlist permits nothing.
type AllowlistGate struct {
	mu      sync.RWMutex
	targets map[string]bool
}

// NewAllowlistGate builds a gate permitting exactly the given targets.
func NewAllowlistGate(targets ...string) *AllowlistGate {
	g := &AllowlistGate{targets: make(map[string]bool, len(targets))}
	for _, t := range targets {
		g.targets[t] = true
	}
	return g
}

// Allow adds a target to the allowlist.
func (g *AllowlistGate) Allow(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets[target] = true
}

// IsLearningAllowed implements ConsentGate.
func (g *AllowlistGate) IsLearningAllowed(target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.targets[target]
}
