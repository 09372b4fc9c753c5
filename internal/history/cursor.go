package history

import (
	"fmt"

	"github.com/gasoline-run/gasoline/pkg/api"
)

// Cursor walks a workflow's history during a run and decides, per step,
// whether the step replays a recorded event or executes for the first time.
//
// A cursor is scoped to one branch of the execution tree: it starts at child
// index 0 of its root location and advances one sibling at a time. Entering
// a loop body or an explicit branch creates a child cursor rooted at the
// branch location; on exit the parent checks the child consumed everything
// it was given (CheckClear).
type Cursor struct {
	hist History
	root Location
	idx  uint32
}

// NewCursor creates a cursor over hist scoped to the branch rooted at root.
func NewCursor(hist History, root Location) *Cursor {
	return &Cursor{hist: hist, root: root}
}

// History exposes the underlying event log, shared across child cursors.
func (c *Cursor) History() History {
	return c.hist
}

// Current returns the location the next step will occupy.
func (c *Cursor) Current() Location {
	return c.root.Child(c.idx)
}

// Root returns the cursor's branch root.
func (c *Cursor) Root() Location {
	return c.root
}

// Advance moves past the current location. Callers advance exactly once per
// consumed step, whether replayed or newly executed.
func (c *Cursor) Advance() {
	c.idx++
}

// Child returns a cursor scoped to the branch rooted at the current
// location. The parent must still Advance past the branch afterwards.
func (c *Cursor) Child() *Cursor {
	return NewCursor(c.hist, c.Current())
}

// Take resolves the current step against history.
//
// It returns (nil, nil) when there is no recorded event; the caller
// executes the side effect and records it. It returns the recorded event
// when the kinds match. Removed tombstones are skipped silently. Any other
// mismatch, including a version mismatch, is a fatal history divergence.
//
// Take does not advance; the caller advances after consuming the result so
// that a failed step retries the same location.
func (c *Cursor) Take(kind EventKind, version int) (*Event, error) {
	for {
		ev := c.hist.At(c.Current())
		if ev == nil {
			return nil, nil
		}
		if ev.Kind == KindRemoved && kind != KindRemoved {
			// A step that used to exist here was removed by a newer code
			// version; skip the tombstone and look at the next slot.
			c.Advance()
			continue
		}
		if ev.Kind == KindBranch && kind != KindBranch {
			// A gap placeholder where real code runs now: treat the slot as
			// unrecorded.
			return nil, nil
		}
		if ev.Kind != kind {
			return nil, c.divergedf("expected %s, history recorded %s", kind, ev.Kind)
		}
		if kind != KindVersionCheck && ev.Version != version {
			return nil, c.divergedf("expected %s version %d, history recorded version %d", kind, version, ev.Version)
		}
		return ev, nil
	}
}

// CheckClear verifies that the branch has no recorded events at or beyond
// the cursor's position. Leftover events mean the code consumed fewer steps
// than the history recorded, which is a divergence.
func (c *Cursor) CheckClear() error {
	group := c.hist.Branch(c.root)
	for idx := int(c.idx); idx < len(group); idx++ {
		ev := group[idx]
		if ev.Kind == KindBranch || ev.Kind == KindRemoved {
			continue
		}
		return &api.HistoryDivergedError{
			Location: ev.Location.String(),
			Message:  fmt.Sprintf("unconsumed %s event left in branch %s", ev.Kind, c.root),
		}
	}
	return nil
}

func (c *Cursor) divergedf(format string, args ...any) error {
	return &api.HistoryDivergedError{
		Location: c.Current().String(),
		Message:  fmt.Sprintf(format, args...),
	}
}
