package kv

import (
	"context"
)

// Pair is one key/value entry returned by range reads.
type Pair struct {
	Key   []byte
	Value []byte
}

// Tx is a serializable transaction over the ordered keyspace. All reads
// observe a consistent snapshot; writes become visible atomically when the
// Update callback returns nil.
type Tx interface {
	// Get returns the value at key, or nil if the key is absent.
	Get(key []byte) ([]byte, error)

	// Range returns all pairs with begin <= key < end in key order.
	Range(begin, end []byte) ([]Pair, error)

	// Set stores value at key, overwriting any existing value.
	Set(key, value []byte) error

	// Delete removes key if present.
	Delete(key []byte) error

	// DeleteRange removes every key with begin <= key < end.
	DeleteRange(begin, end []byte) error
}

// Store is the driver interface the KV backend is written against. The
// in-memory implementation is backed by go-memdb; other ordered stores with
// serializable transactions plug in behind the same interface.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction and commits if fn returns
	// nil, otherwise rolls back.
	Update(ctx context.Context, fn func(tx Tx) error) error
}
