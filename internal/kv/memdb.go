package kv

import (
	"bytes"
	"context"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

// MemoryStore is an in-memory Store backed by hashicorp/go-memdb. Write
// transactions take the database's exclusive write lock, read transactions
// run against an immutable snapshot, so the Store contract's serializability
// holds trivially.
//
// MemoryStore is the development and test backend; it is not durable.
type MemoryStore struct {
	db *memdb.MemDB
}

var _ Store = (*MemoryStore)(nil)

type entry struct {
	key   []byte
	value []byte
}

// binaryIndex indexes entries by their raw key bytes, preserving the packed
// tuple ordering exactly.
type binaryIndex struct{}

func (binaryIndex) FromObject(obj any) (bool, []byte, error) {
	e, ok := obj.(*entry)
	if !ok {
		return false, nil, fmt.Errorf("kv: unexpected object type %T", obj)
	}
	return true, e.key, nil
}

func (binaryIndex) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("kv: binaryIndex takes exactly one argument")
	}
	key, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("kv: binaryIndex argument must be []byte, got %T", args[0])
	}
	return key, nil
}

const kvTable = "kv"

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() (*MemoryStore, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			kvTable: {
				Name: kvTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: binaryIndex{},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	return fn(&memoryTx{txn: txn})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	if err := fn(&memoryTx{txn: txn}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

type memoryTx struct {
	txn *memdb.Txn
}

var _ Tx = (*memoryTx)(nil)

func (t *memoryTx) Get(key []byte) ([]byte, error) {
	obj, err := t.txn.First(kvTable, "id", key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*entry).value, nil
}

func (t *memoryTx) Range(begin, end []byte) ([]Pair, error) {
	iter, err := t.txn.LowerBound(kvTable, "id", begin)
	if err != nil {
		return nil, err
	}
	var pairs []Pair
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		e := obj.(*entry)
		if bytes.Compare(e.key, end) >= 0 {
			break
		}
		pairs = append(pairs, Pair{Key: e.key, Value: e.value})
	}
	return pairs, nil
}

func (t *memoryTx) Set(key, value []byte) error {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	return t.txn.Insert(kvTable, &entry{key: k, value: v})
}

func (t *memoryTx) Delete(key []byte) error {
	obj, err := t.txn.First(kvTable, "id", key)
	if err != nil {
		return err
	}
	if obj == nil {
		return nil
	}
	return t.txn.Delete(kvTable, obj)
}

func (t *memoryTx) DeleteRange(begin, end []byte) error {
	// Collect first: deleting while iterating invalidates the radix iterator.
	pairs, err := t.Range(begin, end)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := t.Delete(p.Key); err != nil {
			return err
		}
	}
	return nil
}
