// Package resolver matches symbolic element descriptions against a live
// element list using a fixed confidence ladder. Resolution stops at the
// first matching strategy; a miss is a diagnostic, not an error.
package resolver

import (
	"fmt"
	"strings"

	"uiscout/internal/logging"
	"uiscout/internal/types"
)

// Strategy names the matching rule that produced a result.
type Strategy string

const (
	StrategyIdentifier  Strategy = "/identifier"   // identifier equality, confidence 1.0
	StrategyTextClass   Strategy = "/text_class"   // text + class containment, confidence 0.9
	StrategyText        Strategy = "/text"         // text match, confidence 0.7
	StrategyClassBounds Strategy = "/class_bounds" // class + bounds overlap, confidence 0.5
	StrategyBounds      Strategy = "/bounds"       // nearest bounds, confidence 0.3
)

// BoundsTolerance is the pixel tolerance for the class+bounds strategy.
// The bounds-only strategy accepts up to twice this distance.
const BoundsTolerance = 50

// Match is a successful resolution.
type Match struct {
	Element    types.Element
	Strategy   Strategy
	Confidence float64
}

// Attempt records why one strategy did not match, for the miss diagnostic.
type Attempt struct {
	Strategy Strategy
	Reason   string
}

// NotFoundError enumerates the strategies attempted for a failed resolution.
// Callers decide whether to retry, skip, or mark the path broken.
type NotFoundError struct {
	Desc     types.ElementDesc
	Attempts []Attempt
}

func (e *NotFoundError) Error() string {
	var sb strings.Builder
	sb.WriteString("element not resolved")
	if e.Desc.Identifier != "" {
		fmt.Fprintf(&sb, " (id=%s)", e.Desc.Identifier)
	} else if e.Desc.Text != "" {
		fmt.Fprintf(&sb, " (text=%q)", e.Desc.Text)
	}
	sb.WriteString("; attempted:")
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, " %s(%s)", a.Strategy, a.Reason)
	}
	return sb.String()
}

// Resolve matches desc against elements, trying strategies in descending
// confidence order and returning the first hit.
func Resolve(desc types.ElementDesc, elements []types.Element) (*Match, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "Resolve")
	defer timer.Stop()

	var attempts []Attempt

	if desc.Identifier != "" {
		if m := byIdentifier(desc, elements); m != nil {
			logging.ResolverDebug("Resolved by identifier: %s", desc.Identifier)
			return m, nil
		}
		attempts = append(attempts, Attempt{StrategyIdentifier, "no identifier equality"})
	} else {
		attempts = append(attempts, Attempt{StrategyIdentifier, "no identifier in description"})
	}

	if desc.Text != "" && desc.Class != "" {
		if m := byTextAndClass(desc, elements); m != nil {
			logging.ResolverDebug("Resolved by text+class: %q / %s", desc.Text, desc.Class)
			return m, nil
		}
		attempts = append(attempts, Attempt{StrategyTextClass, "no text+class containment"})
	} else {
		attempts = append(attempts, Attempt{StrategyTextClass, "text or class missing"})
	}

	if desc.Text != "" {
		if m := byText(desc, elements); m != nil {
			logging.ResolverDebug("Resolved by text: %q", desc.Text)
			return m, nil
		}
		attempts = append(attempts, Attempt{StrategyText, "no text match"})
	} else {
		attempts = append(attempts, Attempt{StrategyText, "no text in description"})
	}

	if desc.Class != "" && !desc.Bounds.IsEmpty() {
		if m := byClassAndBounds(desc, elements); m != nil {
			logging.ResolverDebug("Resolved by class+bounds: %s", desc.Class)
			return m, nil
		}
		attempts = append(attempts, Attempt{StrategyClassBounds, "no class match within tolerance"})
	} else {
		attempts = append(attempts, Attempt{StrategyClassBounds, "class or bounds missing"})
	}

	if !desc.Bounds.IsEmpty() {
		if m := byBounds(desc, elements); m != nil {
			logging.ResolverDebug("Resolved by bounds near (%d,%d)", desc.Bounds.X, desc.Bounds.Y)
			return m, nil
		}
		attempts = append(attempts, Attempt{StrategyBounds, "no bounds within 2x tolerance"})
	} else {
		attempts = append(attempts, Attempt{StrategyBounds, "no bounds in description"})
	}

	logging.Resolver("Resolution miss after %d strategies", len(attempts))
	return nil, &NotFoundError{Desc: desc, Attempts: attempts}
}

// byIdentifier matches on full or short identifier equality.
func byIdentifier(desc types.ElementDesc, elements []types.Element) *Match {
	descShort := shortID(desc.Identifier)
	for _, el := range elements {
		if el.Identifier == "" {
			continue
		}
		if el.Identifier == desc.Identifier || el.ShortIdentifier() == descShort {
			return &Match{Element: el, Strategy: StrategyIdentifier, Confidence: 1.0}
		}
	}
	return nil
}

// byTextAndClass requires text containment AND class containment.
func byTextAndClass(desc types.ElementDesc, elements []types.Element) *Match {
	text := strings.ToLower(desc.Text)
	class := strings.ToLower(desc.Class)
	for _, el := range elements {
		if el.Text == "" || el.Class == "" {
			continue
		}
		if strings.Contains(strings.ToLower(el.Text), text) &&
			strings.Contains(strings.ToLower(el.Class), class) {
			return &Match{Element: el, Strategy: StrategyTextClass, Confidence: 0.9}
		}
	}
	return nil
}

// byText prefers exact case-insensitive equality, then containment.
func byText(desc types.ElementDesc, elements []types.Element) *Match {
	text := strings.ToLower(desc.Text)

	for _, el := range elements {
		if strings.ToLower(el.Text) == text && el.Text != "" {
			return &Match{Element: el, Strategy: StrategyText, Confidence: 0.7}
		}
	}
	for _, el := range elements {
		if el.Text != "" && strings.Contains(strings.ToLower(el.Text), text) {
			return &Match{Element: el, Strategy: StrategyText, Confidence: 0.7}
		}
	}
	return nil
}

// byClassAndBounds requires class containment and origin overlap within tolerance.
func byClassAndBounds(desc types.ElementDesc, elements []types.Element) *Match {
	class := strings.ToLower(desc.Class)
	for _, el := range elements {
		if el.Class == "" {
			continue
		}
		if strings.Contains(strings.ToLower(el.Class), class) &&
			el.Bounds.OverlapsWithin(desc.Bounds, BoundsTolerance) {
			return &Match{Element: el, Strategy: StrategyClassBounds, Confidence: 0.5}
		}
	}
	return nil
}

// byBounds picks the nearest element by Manhattan distance over
// (x, y, width, height), within twice the tolerance.
func byBounds(desc types.ElementDesc, elements []types.Element) *Match {
	best := -1
	bestDist := 0
	for i, el := range elements {
		d := el.Bounds.ManhattanDistance(desc.Bounds)
		if d > 2*BoundsTolerance {
			continue
		}
		if best < 0 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return nil
	}
	return &Match{Element: elements[best], Strategy: StrategyBounds, Confidence: 0.3}
}

func shortID(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}
