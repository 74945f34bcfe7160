package resolver

import "uiscout/internal/types"

// Flatten converts an element tree into a flat list, depth-first,
// parent before children. Providers that already return a flat list
// pass through unchanged (no element has children).
func Flatten(roots []types.Element) []types.Element {
	out := make([]types.Element, 0, len(roots))
	for _, root := range roots {
		out = flattenInto(out, root)
	}
	return out
}

func flattenInto(out []types.Element, el types.Element) []types.Element {
	flat := el
	flat.Children = nil
	out = append(out, flat)
	for _, child := range el.Children {
		out = flattenInto(out, child)
	}
	return out
}
