package history

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashInput computes the stable 64-bit identity hash of an activity input.
//
// The hash is taken over the canonical JSON form: object keys sorted, no
// insignificant whitespace. Logically-equivalent inputs that marshal with
// different key order therefore hash identically, which is what lets an
// activity's identity survive struct reordering between code versions.
func HashInput(raw json.RawMessage) (uint64, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(canonical), nil
}

// Canonicalize rewrites raw JSON into its canonical form. encoding/json
// already sorts map keys and emits no insignificant whitespace, so a
// decode/encode round-trip through interface values is sufficient.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("history: canonicalize: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("history: canonicalize: %w", err)
	}
	return out, nil
}
