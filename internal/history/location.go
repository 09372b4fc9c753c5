package history

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Location addresses a node in a workflow's execution tree. The root is the
// empty sequence; each coordinate is the index of a child within its parent
// branch. Sibling indices are dense within a parent.
//
// The binary encoding is four big-endian bytes per coordinate, so byte-wise
// lexicographic order over encoded locations equals tree order, and a
// parent's encoding is a strict prefix of every descendant's encoding. Both
// persistence backends store this encoding directly.
type Location []uint32

// RootLocation is the empty location addressing the workflow root.
func RootLocation() Location { return Location{} }

// Child returns the location of the idx-th child of l.
func (l Location) Child(idx uint32) Location {
	out := make(Location, len(l)+1)
	copy(out, l)
	out[len(l)] = idx
	return out
}

// Parent returns the enclosing location, or nil for the root.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return nil
	}
	return l[:len(l)-1]
}

// Index returns the final coordinate. Calling Index on the root is a bug.
func (l Location) Index() uint32 {
	return l[len(l)-1]
}

// Equal reports coordinate-wise equality.
func (l Location) Equal(other Location) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether l is a strict descendant of ancestor.
func (l Location) IsDescendantOf(ancestor Location) bool {
	if len(l) <= len(ancestor) {
		return false
	}
	for i := range ancestor {
		if l[i] != ancestor[i] {
			return false
		}
	}
	return true
}

// Encode returns the order-preserving binary form.
func (l Location) Encode() []byte {
	buf := make([]byte, 4*len(l))
	for i, c := range l {
		binary.BigEndian.PutUint32(buf[i*4:], c)
	}
	return buf
}

// DecodeLocation parses the binary form produced by Encode.
func DecodeLocation(b []byte) (Location, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("history: location encoding length %d not a multiple of 4", len(b))
	}
	l := make(Location, len(b)/4)
	for i := range l {
		l[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return l, nil
}

// String renders the location as a dotted path, "<root>" for the root.
func (l Location) String() string {
	if len(l) == 0 {
		return "<root>"
	}
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return strings.Join(parts, ".")
}
