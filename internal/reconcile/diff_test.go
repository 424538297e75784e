package reconcile

import (
	"testing"

	"github.com/example/pipeline-board/internal/types"
)

func TestDiffIdempotent(t *testing.T) {
	snap := snapOf("a", "b", "c")

	plan := Diff(snap, snap, Policy{})

	if !plan.Empty() {
		t.Fatalf("diff of identical snapshots should be empty, got %+v", plan)
	}
	if plan.PrimaryMovedID != "" {
		t.Fatalf("expected no primary moved id, got %q", plan.PrimaryMovedID)
	}
}

func TestDiffEnteringAndExitingDisjoint(t *testing.T) {
	cases := []struct {
		name string
		prev types.Snapshot
		curr types.Snapshot
	}{
		{"swap one", snapOf("a", "b", "c"), snapOf("a", "b", "d")},
		{"replace all small", snapOf("a", "b"), snapOf("c", "d")},
		{"grow", snapOf("a"), snapOf("a", "b", "c")},
		{"shrink", snapOf("a", "b", "c"), snapOf("b")},
	}

	for _, tc := range cases {
		plan := Diff(tc.prev, tc.curr, Policy{})
		for id := range plan.Entering {
			if _, ok := plan.Exiting[id]; ok {
				t.Fatalf("%s: id %q in both entering and exiting", tc.name, id)
			}
		}
	}
}

func TestDiffBulkRemovalSuppression(t *testing.T) {
	prev := snapOf("a", "b", "c", "d", "e", "f")

	// Four removals exceed the default threshold of three.
	plan := Diff(prev, snapOf("a", "b"), Policy{})
	if len(plan.Exiting) != 0 {
		t.Fatalf("expected suppressed exiting set, got %d entries", len(plan.Exiting))
	}

	// Exactly three removals still animate.
	plan = Diff(prev, snapOf("a", "b", "c"), Policy{})
	if len(plan.Exiting) != 3 {
		t.Fatalf("expected 3 exiting entries, got %d", len(plan.Exiting))
	}

	// The threshold is policy, not a constant.
	plan = Diff(prev, snapOf("a", "b"), Policy{BulkRemovalThreshold: 5})
	if len(plan.Exiting) != 4 {
		t.Fatalf("expected 4 exiting entries under a raised threshold, got %d", len(plan.Exiting))
	}
}

func TestDiffSingleRemovalFreezesFields(t *testing.T) {
	prev := types.Snapshot{
		{ID: "1", Fields: map[string]string{"title": "Platform Engineer"}},
		{ID: "2", Fields: map[string]string{"title": "SRE"}},
		{ID: "3", Fields: map[string]string{"title": "Backend"}},
	}
	curr := types.Snapshot{prev[1], prev[2]}

	plan := Diff(prev, curr, Policy{})

	if len(plan.Exiting) != 1 {
		t.Fatalf("expected exactly one exiting id, got %d", len(plan.Exiting))
	}
	frozen, ok := plan.Exiting["1"]
	if !ok {
		t.Fatalf("expected id 1 to be exiting")
	}
	if frozen.Field("title") != "Platform Engineer" {
		t.Fatalf("frozen copy lost its fields: %+v", frozen)
	}

	// The frozen copy must not alias the previous snapshot's maps.
	prev[0].Fields["title"] = "mutated"
	if frozen.Field("title") != "Platform Engineer" {
		t.Fatalf("frozen copy aliases the live snapshot")
	}
}

func TestDiffEntranceSkippedOnInitialLoad(t *testing.T) {
	plan := Diff(nil, snapOf("a", "b", "c"), Policy{})

	if len(plan.Entering) != 0 {
		t.Fatalf("initial load should not animate entrances, got %d", len(plan.Entering))
	}
	if len(plan.Moved) != 0 || len(plan.Exiting) != 0 {
		t.Fatalf("initial load should be a clean install, got %+v", plan)
	}
}

func TestDiffEntranceAfterNonEmptyPrevious(t *testing.T) {
	plan := Diff(snapOf("a"), snapOf("a", "b"), Policy{})

	if _, ok := plan.Entering["b"]; !ok || len(plan.Entering) != 1 {
		t.Fatalf("expected entering={b}, got %v", plan.Entering)
	}
	if len(plan.Moved) != 0 {
		t.Fatalf("moved must not be computed while ids are entering")
	}
}

func TestDiffPureReorderMoved(t *testing.T) {
	prev := snapOf("a", "b", "c", "d")
	curr := snapOf("d", "a", "b", "c")

	plan := Diff(prev, curr, Policy{})

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, ok := plan.Moved[id]; !ok {
			t.Fatalf("expected %q in moved set, got %v", id, plan.Moved)
		}
	}
	if plan.PrimaryMovedID != "d" {
		t.Fatalf("expected primary moved d (displacement 3), got %q", plan.PrimaryMovedID)
	}
}

func TestDiffMovedOnlyChangedIndexes(t *testing.T) {
	prev := snapOf("a", "b", "c", "d")
	curr := snapOf("a", "c", "b", "d")

	plan := Diff(prev, curr, Policy{})

	if len(plan.Moved) != 2 {
		t.Fatalf("expected exactly b and c moved, got %v", plan.Moved)
	}
	for _, id := range []string{"b", "c"} {
		if _, ok := plan.Moved[id]; !ok {
			t.Fatalf("expected %q moved", id)
		}
	}
}

func TestDiffPrimaryMovedTieBreak(t *testing.T) {
	prev := snapOf("a", "b")
	curr := snapOf("b", "a")

	plan := Diff(prev, curr, Policy{})

	// Both displaced by one; the tie goes to the first in the current order.
	if plan.PrimaryMovedID != "b" {
		t.Fatalf("expected tie-break to pick b, got %q", plan.PrimaryMovedID)
	}
}

func snapOf(ids ...string) types.Snapshot {
	snap := make(types.Snapshot, len(ids))
	for i, id := range ids {
		snap[i] = types.Item{ID: id}
	}
	return snap
}
