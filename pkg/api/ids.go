package api

import (
	"sort"

	"github.com/google/uuid"
)

// Tags is a free-form key/value map attached to workflows, signals and
// messages. Tag-matched delivery routes a signal to the workflow whose tags
// contain every tag on the signal with an equal value.
type Tags map[string]string

// Contains reports whether every key in sub is present in t with an equal
// value. A nil or empty sub matches everything.
func (t Tags) Contains(sub Tags) bool {
	for k, v := range sub {
		if t[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of t. Cloning nil returns nil.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// SortedKeys returns the tag keys in lexicographic order. Used wherever a
// deterministic iteration order matters (hashing, key packing).
func (t Tags) SortedKeys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewRayID mints the correlation id tying together all workflows, signals
// and messages derived from one external trigger.
func NewRayID() uuid.UUID {
	return uuid.New()
}
