// Package kv provides the ordered key-value substrate for the KV persistence
// backend: tuple-packed keys whose byte order matches element order, and a
// transactional Store driver interface with an in-memory implementation
// backed by hashicorp/go-memdb.
package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Tuple is an ordered sequence of key elements. Supported element types are
// string, []byte, uint64, int64 (non-negative), int and uuid.UUID.
//
// Pack produces a byte string whose lexicographic order equals element-wise
// tuple order, with shorter tuples ordering before their extensions. That
// property is what makes subspace range reads work: every key in the
// subspace (a, b) lies between PackRangeBegin and PackRangeEnd of (a, b).
type Tuple []any

const (
	tagBytes  byte = 0x01
	tagString byte = 0x02
	tagUint   byte = 0x15
	tagUUID   byte = 0x30
)

// Pack encodes the tuple into its ordered byte form. Pack panics on
// unsupported element types or negative integers; key construction is a
// programming concern, not a runtime input.
func (t Tuple) Pack() []byte {
	var out []byte
	for _, el := range t {
		switch v := el.(type) {
		case string:
			out = append(out, tagString)
			out = appendEscaped(out, []byte(v))
		case []byte:
			out = append(out, tagBytes)
			out = appendEscaped(out, v)
		case uint64:
			out = append(out, tagUint)
			out = binary.BigEndian.AppendUint64(out, v)
		case int64:
			if v < 0 {
				panic(fmt.Sprintf("kv: cannot pack negative integer %d", v))
			}
			out = append(out, tagUint)
			out = binary.BigEndian.AppendUint64(out, uint64(v))
		case int:
			if v < 0 {
				panic(fmt.Sprintf("kv: cannot pack negative integer %d", v))
			}
			out = append(out, tagUint)
			out = binary.BigEndian.AppendUint64(out, uint64(v))
		case uuid.UUID:
			out = append(out, tagUUID)
			out = append(out, v[:]...)
		default:
			panic(fmt.Sprintf("kv: cannot pack element of type %T", el))
		}
	}
	return out
}

// appendEscaped writes data with 0x00 escaped as 0x00 0xFF and a 0x00 0x00
// terminator, preserving ordering across variable-length elements.
func appendEscaped(out, data []byte) []byte {
	for _, b := range data {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
			continue
		}
		out = append(out, b)
	}
	return append(out, 0x00, 0x00)
}

// PackRangeBegin returns the inclusive lower bound of the subspace rooted at
// t: the packed tuple itself, which strictly precedes any extension.
func (t Tuple) PackRangeBegin() []byte {
	return append(t.Pack(), 0x00)
}

// PackRangeEnd returns the exclusive upper bound of the subspace rooted at t.
func (t Tuple) PackRangeEnd() []byte {
	return append(t.Pack(), 0xFF)
}

// Unpack decodes a packed key back into its elements. Byte and string
// elements come back as []byte and string; integers as uint64.
func Unpack(key []byte) (Tuple, error) {
	var t Tuple
	for len(key) > 0 {
		tag := key[0]
		key = key[1:]
		switch tag {
		case tagString, tagBytes:
			data, rest, err := readEscaped(key)
			if err != nil {
				return nil, err
			}
			if tag == tagString {
				t = append(t, string(data))
			} else {
				t = append(t, data)
			}
			key = rest
		case tagUint:
			if len(key) < 8 {
				return nil, fmt.Errorf("kv: truncated integer element")
			}
			t = append(t, binary.BigEndian.Uint64(key[:8]))
			key = key[8:]
		case tagUUID:
			if len(key) < 16 {
				return nil, fmt.Errorf("kv: truncated uuid element")
			}
			var id uuid.UUID
			copy(id[:], key[:16])
			t = append(t, id)
			key = key[16:]
		default:
			return nil, fmt.Errorf("kv: unknown element tag 0x%02x", tag)
		}
	}
	return t, nil
}

func readEscaped(key []byte) (data, rest []byte, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] != 0x00 {
			data = append(data, key[i])
			continue
		}
		if i+1 >= len(key) {
			return nil, nil, fmt.Errorf("kv: truncated escaped element")
		}
		if key[i+1] == 0xFF {
			data = append(data, 0x00)
			i++
			continue
		}
		return data, key[i+2:], nil
	}
	return nil, nil, fmt.Errorf("kv: unterminated escaped element")
}
