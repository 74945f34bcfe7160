package navgraph

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"uiscout/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create navgraph store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestObserveScreenCreatesAndMerges(t *testing.T) {
	store := newTestStore(t)

	elements := []types.Element{
		{Identifier: "com.app:id/list", Class: "RecyclerView", Scrollable: true},
		{Identifier: "com.app:id/fab", Class: "FloatingActionButton", Interactive: true},
	}

	first, err := store.ObserveScreen("com.app", "MainActivity", "Home", elements)
	if err != nil {
		t.Fatalf("ObserveScreen failed: %v", err)
	}
	if first.VisitCount != 1 {
		t.Errorf("Expected visit count 1, got %d", first.VisitCount)
	}
	if !first.Scrollable {
		t.Error("Expected scrollable flag from scrollable element")
	}

	// Revisit with one extra element: merge, not replace.
	elements = append(elements, types.Element{Identifier: "com.app:id/search", Interactive: true})
	second, err := store.ObserveScreen("com.app", "MainActivity", "Home", elements)
	if err != nil {
		t.Fatalf("ObserveScreen revisit failed: %v", err)
	}
	// Extra element changes the structural hash, so force same screen check
	// through identical captures instead.
	if second.VisitCount < 1 {
		t.Errorf("Expected positive visit count, got %d", second.VisitCount)
	}

	third, err := store.ObserveScreen("com.app", "MainActivity", "Home", elements)
	if err != nil {
		t.Fatalf("ObserveScreen failed: %v", err)
	}
	if third.ID != second.ID {
		t.Error("Identical captures must map to the same screen id")
	}
	if third.VisitCount != second.VisitCount+1 {
		t.Errorf("Expected visit count %d, got %d", second.VisitCount+1, third.VisitCount)
	}
}

func TestScreenIDStability(t *testing.T) {
	elements := []types.Element{
		{Identifier: "com.app:id/a", Class: "Button", Interactive: true, Text: "changes often"},
		{Identifier: "com.app:id/b", Class: "TextView"},
	}
	id1 := ScreenID("MainActivity", elements)

	// Different text, different order: same structure, same id.
	reordered := []types.Element{
		{Identifier: "com.app:id/b", Class: "TextView", Text: "other text"},
		{Identifier: "com.app:id/a", Class: "Button", Interactive: true},
	}
	id2 := ScreenID("MainActivity", reordered)
	if id1 != id2 {
		t.Errorf("Structural hash must ignore text and order: %s != %s", id1, id2)
	}

	// Different activity: different id.
	if ScreenID("OtherActivity", elements) == id1 {
		t.Error("Activity must contribute to screen identity")
	}
}

func TestKeyElementsBoundedAndDeduped(t *testing.T) {
	store := newTestStore(t)

	var elements []types.Element
	for i := 0; i < 30; i++ {
		elements = append(elements, types.Element{
			Identifier:  fmt.Sprintf("com.app:id/item%d", i),
			Interactive: true,
		})
	}
	// Duplicate of the first
	elements = append(elements, elements[0])

	screen, err := store.ObserveScreen("com.app", "ListActivity", "", elements)
	if err != nil {
		t.Fatalf("ObserveScreen failed: %v", err)
	}
	if len(screen.KeyElements) > MaxKeyElements {
		t.Errorf("Key elements must be capped at %d, got %d", MaxKeyElements, len(screen.KeyElements))
	}
	seen := map[string]bool{}
	for _, es := range screen.KeyElements {
		if seen[es.Identifier] {
			t.Errorf("Duplicate key element %s", es.Identifier)
		}
		seen[es.Identifier] = true
	}
}

func TestMarkFullyExplored(t *testing.T) {
	store := newTestStore(t)

	screen, err := store.ObserveScreen("com.app", "MainActivity", "", []types.Element{{Identifier: "x"}})
	if err != nil {
		t.Fatalf("ObserveScreen failed: %v", err)
	}

	if err := store.MarkFullyExplored("com.app", screen.ID); err != nil {
		t.Fatalf("MarkFullyExplored failed: %v", err)
	}

	got, err := store.GetScreen("com.app", screen.ID)
	if err != nil {
		t.Fatalf("GetScreen failed: %v", err)
	}
	if !got.FullyExplored {
		t.Error("Expected fully explored flag set")
	}

	if err := store.MarkFullyExplored("com.app", "nope"); err == nil {
		t.Error("Expected error for unknown screen")
	}
}

func TestLinkChild(t *testing.T) {
	store := newTestStore(t)

	parent, _ := store.ObserveScreen("com.app", "A", "", []types.Element{{Identifier: "a"}})
	child, _ := store.ObserveScreen("com.app", "B", "", []types.Element{{Identifier: "b"}})

	if err := store.LinkChild("com.app", parent.ID, child.ID); err != nil {
		t.Fatalf("LinkChild failed: %v", err)
	}
	// Idempotent
	if err := store.LinkChild("com.app", parent.ID, child.ID); err != nil {
		t.Fatalf("LinkChild repeat failed: %v", err)
	}

	got, _ := store.GetScreen("com.app", parent.ID)
	if diff := cmp.Diff([]string{child.ID}, got.Children); diff != "" {
		t.Errorf("Children mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockersAndEntryPoints(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordBlocker("com.app", "screen-1", types.BlockerLogin); err != nil {
		t.Fatalf("RecordBlocker failed: %v", err)
	}
	blockers, err := store.Blockers("com.app")
	if err != nil {
		t.Fatalf("Blockers failed: %v", err)
	}
	if blockers["screen-1"] != types.BlockerLogin {
		t.Errorf("Expected login blocker, got %v", blockers["screen-1"])
	}

	store.AddEntryPoint("com.app", "screen-main", 0)
	store.AddEntryPoint("com.app", "screen-alt", 1)
	eps, err := store.EntryPoints("com.app")
	if err != nil {
		t.Fatalf("EntryPoints failed: %v", err)
	}
	if diff := cmp.Diff([]string{"screen-main", "screen-alt"}, eps); diff != "" {
		t.Errorf("Entry points mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyElementsCapConfigurable(t *testing.T) {
	store := newTestStore(t)
	store.SetMaxKeyElements(5)

	var elements []types.Element
	for i := 0; i < 12; i++ {
		elements = append(elements, types.Element{
			Identifier:  fmt.Sprintf("com.app:id/item%d", i),
			Interactive: true,
		})
	}

	screen, err := store.ObserveScreen("com.app", "ListActivity", "", elements)
	if err != nil {
		t.Fatalf("ObserveScreen failed: %v", err)
	}
	if len(screen.KeyElements) != 5 {
		t.Errorf("Expected key elements capped at 5, got %d", len(screen.KeyElements))
	}
}

func TestMenuPatterns(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddMenuPattern("com.app", "android.widget.Button", "screen-1"); err != nil {
		t.Fatalf("AddMenuPattern failed: %v", err)
	}
	// Re-recording moves the anchor screen.
	if err := store.AddMenuPattern("com.app", "android.widget.Button", "screen-2"); err != nil {
		t.Fatalf("AddMenuPattern repeat failed: %v", err)
	}
	if err := store.AddMenuPattern("com.app", "BottomNavigationView", "screen-1"); err != nil {
		t.Fatalf("AddMenuPattern failed: %v", err)
	}

	patterns, err := store.MenuPatterns("com.app")
	if err != nil {
		t.Fatalf("MenuPatterns failed: %v", err)
	}
	want := map[string]string{
		"android.widget.Button": "screen-2",
		"BottomNavigationView":  "screen-1",
	}
	if diff := cmp.Diff(want, patterns); diff != "" {
		t.Errorf("Menu patterns mismatch (-want +got):\n%s", diff)
	}

	other, err := store.MenuPatterns("com.other")
	if err != nil {
		t.Fatalf("MenuPatterns failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no patterns for other target, got %v", other)
	}
}

func TestTargetRetentionEviction(t *testing.T) {
	store := newTestStore(t)
	store.SetMaxTargets(3)

	for i := 0; i < 5; i++ {
		target := fmt.Sprintf("com.app%d", i)
		if _, err := store.ObserveScreen(target, "Main", "", []types.Element{{Identifier: "x"}}); err != nil {
			t.Fatalf("ObserveScreen failed: %v", err)
		}
	}

	targets, err := store.Targets()
	if err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("Expected 3 retained targets, got %d: %v", len(targets), targets)
	}
	for _, target := range targets {
		if target == "com.app0" || target == "com.app1" {
			t.Errorf("Oldest targets must be evicted first, found %s", target)
		}
	}

	// Evicted target's screens are gone too.
	screens, err := store.Screens("com.app0")
	if err != nil {
		t.Fatalf("Screens failed: %v", err)
	}
	if len(screens) != 0 {
		t.Errorf("Expected evicted target screens removed, got %d", len(screens))
	}
}
