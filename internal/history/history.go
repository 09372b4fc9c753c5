package history

import (
	"sort"
)

// History is a workflow's loaded event log, grouped by parent location. Each
// group is sorted by child index and gap-filled with Branch placeholders, so
// group[i] is always the event at child index i.
//
// A History is read-only during a run; forward progress appends through the
// database and is mirrored into the cursor's bookkeeping, not the History.
type History map[string][]*Event

// Build groups a flat event list by parent location. Within a group, missing
// child indices are materialised as Branch placeholders so that indices are
// dense. Events deeper than their siblings never shadow each other; the
// input order is irrelevant.
func Build(events []*Event) History {
	h := make(History)
	for _, ev := range events {
		parent := string(ev.Location.Parent().Encode())
		h[parent] = append(h[parent], ev)
	}
	for parent, group := range h {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Location.Index() < group[j].Location.Index()
		})
		h[parent] = fillGaps(group)
	}
	return h
}

// fillGaps inserts Branch placeholders for missing child indices so the
// slice position equals the child index.
func fillGaps(group []*Event) []*Event {
	if len(group) == 0 {
		return group
	}
	last := group[len(group)-1].Location.Index()
	if int(last) == len(group)-1 {
		return group
	}
	parent := group[0].Location.Parent()
	filled := make([]*Event, 0, last+1)
	next := 0
	for idx := uint32(0); idx <= last; idx++ {
		if next < len(group) && group[next].Location.Index() == idx {
			filled = append(filled, group[next])
			next++
			continue
		}
		filled = append(filled, &Event{
			Location: parent.Child(idx),
			Kind:     KindBranch,
		})
	}
	return filled
}

// At returns the event at the given location, or nil.
func (h History) At(loc Location) *Event {
	group := h[string(loc.Parent().Encode())]
	idx := int(loc.Index())
	if idx >= len(group) {
		return nil
	}
	return group[idx]
}

// Branch returns the ordered children of the given parent location.
func (h History) Branch(parent Location) []*Event {
	return h[string(parent.Encode())]
}

// PruneBranch forgets every event inside the branch rooted at root. Loop
// iteration rollover wipes the completed body from the database; pruning
// keeps the in-memory view in step so the next iteration replays nothing.
func (h History) PruneBranch(root Location) {
	prefix := string(root.Encode())
	for key := range h {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(h, key)
		}
	}
}

// Flatten returns every event in depth-first location order. Used by debug
// dumps and tests.
func (h History) Flatten() []*Event {
	var out []*Event
	for _, group := range h {
		out = append(out, group...)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Location.Encode()) < string(out[j].Location.Encode())
	})
	return out
}
