package history

import (
	"testing"
)

func activityAt(loc Location, name string) *Event {
	return &Event{
		Location: loc,
		Version:  1,
		Kind:     KindActivity,
		Activity: &ActivityEvent{Name: name},
	}
}

func TestBuildGroupsAndSorts(t *testing.T) {
	// Deliberately shuffled input order.
	events := []*Event{
		activityAt(Location{2}, "c"),
		activityAt(Location{0}, "a"),
		activityAt(Location{1, 0}, "nested"),
		activityAt(Location{1}, "b"),
	}
	h := Build(events)

	for i, name := range []string{"a", "b", "c"} {
		ev := h.At(Location{uint32(i)})
		if ev == nil || ev.Activity.Name != name {
			t.Fatalf("root child %d: expected %q, got %+v", i, name, ev)
		}
	}
	if ev := h.At(Location{1, 0}); ev == nil || ev.Activity.Name != "nested" {
		t.Fatalf("expected nested event at 1.0, got %+v", ev)
	}
	if ev := h.At(Location{5}); ev != nil {
		t.Fatalf("expected nil beyond group, got %+v", ev)
	}
}

func TestBuildFillsGaps(t *testing.T) {
	// Only indices 1 and 3 recorded; 0 and 2 must come back as Branch
	// placeholders so slice position equals child index.
	h := Build([]*Event{
		activityAt(Location{3}, "late"),
		activityAt(Location{1}, "early"),
	})

	group := h.Branch(RootLocation())
	if len(group) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(group))
	}
	for _, idx := range []int{0, 2} {
		if group[idx].Kind != KindBranch {
			t.Fatalf("slot %d: expected branch placeholder, got %s", idx, group[idx].Kind)
		}
	}
	if group[1].Activity.Name != "early" || group[3].Activity.Name != "late" {
		t.Fatal("recorded events landed in wrong slots")
	}
}

func TestPruneBranch(t *testing.T) {
	loopLoc := Location{1}
	h := Build([]*Event{
		activityAt(Location{0}, "before"),
		{Location: loopLoc, Version: 1, Kind: KindLoop, Loop: &LoopEvent{Iteration: 1}},
		activityAt(loopLoc.Child(0), "body-step"),
		activityAt(loopLoc.Child(1).Child(0), "body-nested"),
	})

	h.PruneBranch(loopLoc)

	if h.At(loopLoc.Child(0)) != nil {
		t.Fatal("body event survived prune")
	}
	if h.At(loopLoc.Child(1).Child(0)) != nil {
		t.Fatal("nested body event survived prune")
	}
	// The loop event itself lives in the parent branch and stays.
	if h.At(loopLoc) == nil {
		t.Fatal("loop event was pruned")
	}
	if h.At(Location{0}) == nil {
		t.Fatal("sibling event was pruned")
	}
}

// Pruning location 1 must not touch location 10 and beyond; the fixed-width
// encoding guarantees prefix matching stays aligned to whole coordinates.
func TestPruneBranchAlignment(t *testing.T) {
	h := Build([]*Event{
		activityAt(Location{1, 0}, "inside"),
		activityAt(Location{16, 0}, "outside"),
	})
	h.PruneBranch(Location{1})

	if h.At(Location{1, 0}) != nil {
		t.Fatal("descendant of pruned branch survived")
	}
	if h.At(Location{16, 0}) == nil {
		t.Fatal("unrelated branch was pruned")
	}
}

func TestFlattenOrder(t *testing.T) {
	h := Build([]*Event{
		activityAt(Location{1}, "b"),
		activityAt(Location{0, 1}, "a-child"),
		activityAt(Location{0}, "a"),
	})
	flat := h.Flatten()
	var names []string
	for _, ev := range flat {
		if ev.Activity != nil {
			names = append(names, ev.Activity.Name)
		}
	}
	want := []string{"a", "a-child", "b"}
	if len(names) != len(want) {
		t.Fatalf("expected %d activities, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("flatten order: expected %v, got %v", want, names)
		}
	}
}
