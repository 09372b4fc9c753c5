package kvdb

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/kv"
)

// Key layout, tuple-packed under two root subspaces:
//
//	("workflow", "data", id, <field>)                      workflow fields
//	("workflow", "data", id, "wake_signal", name)          wake-signal set
//	("workflow", "data", id, "history", loc, <field>)      history events
//	("workflow", "data", id, "history", loc, "data", i)    payload chunks
//	("workflow", "pending_by_name", name, bit, id)         incomplete index
//	("workflow", "wake_by_deadline", ts, id)               deadline index
//	("workflow", "wake_by_sub_workflow", subID, id)        sub-wake index
//	("workflow", "lease", workerID, id)                    lease index
//	("signal", "data", id, <field>)                        signal fields
//	("signal", "data", id, "body", i)                      body chunks
//	("signal", "pending_by_name", workflowID, name, ts, id) pending index
//	("worker", "data", workerID, "last_ping_ts")           worker pings

func workflowKey(id uuid.UUID, fields ...any) kv.Tuple {
	return append(kv.Tuple{"workflow", "data", id}, fields...)
}

func historyKey(id uuid.UUID, loc history.Location, fields ...any) kv.Tuple {
	return append(kv.Tuple{"workflow", "data", id, "history", loc.Encode()}, fields...)
}

func historySubspace(id uuid.UUID) kv.Tuple {
	return kv.Tuple{"workflow", "data", id, "history"}
}

func pendingByNameKey(name string, wakeImmediate bool, id uuid.UUID) kv.Tuple {
	bit := uint64(0)
	if wakeImmediate {
		bit = 1
	}
	return kv.Tuple{"workflow", "pending_by_name", name, bit, id}
}

func pendingByNameSubspace(name string) kv.Tuple {
	return kv.Tuple{"workflow", "pending_by_name", name}
}

func wakeByDeadlineKey(ts int64, id uuid.UUID) kv.Tuple {
	return kv.Tuple{"workflow", "wake_by_deadline", uint64(ts), id}
}

func wakeBySubWorkflowKey(subID, id uuid.UUID) kv.Tuple {
	return kv.Tuple{"workflow", "wake_by_sub_workflow", subID, id}
}

func leaseKey(workerID, id uuid.UUID) kv.Tuple {
	return kv.Tuple{"workflow", "lease", workerID, id}
}

func signalKey(id uuid.UUID, fields ...any) kv.Tuple {
	return append(kv.Tuple{"signal", "data", id}, fields...)
}

func signalPendingKey(workflowID uuid.UUID, name string, createTS int64, id uuid.UUID) kv.Tuple {
	return kv.Tuple{"signal", "pending_by_name", workflowID, name, uint64(createTS), id}
}

func workerKey(workerID uuid.UUID, fields ...any) kv.Tuple {
	return append(kv.Tuple{"worker", "data", workerID}, fields...)
}

// Scalar value encodings.

func encodeUint(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) bool {
	return len(b) == 1 && b[0] == 1
}

func encodeUUID(id uuid.UUID) []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

func decodeUUID(b []byte) (uuid.UUID, bool) {
	if len(b) != 16 {
		return uuid.UUID{}, false
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, true
}

// Chunked values. Any value larger than chunkSize is split into ordered
// chunks under (prefix..., idx); readers concatenate in key order. Presence
// of at least one chunk is the presence marker for optional values.

const chunkSize = 10 * 1024

func writeChunked(tx kv.Tx, prefix kv.Tuple, value []byte) error {
	if err := tx.DeleteRange(prefix.PackRangeBegin(), prefix.PackRangeEnd()); err != nil {
		return err
	}
	for idx := uint64(0); ; idx++ {
		end := int(idx+1) * chunkSize
		if end > len(value) {
			end = len(value)
		}
		start := int(idx) * chunkSize
		if start > 0 && start >= len(value) {
			return nil
		}
		chunk := value[start:end]
		if err := tx.Set(append(prefix, idx).Pack(), chunk); err != nil {
			return err
		}
		if end == len(value) {
			return nil
		}
	}
}

func readChunked(tx kv.Tx, prefix kv.Tuple) ([]byte, error) {
	pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	// An empty stored value still has its zero chunk; keep it distinct
	// from absence, which returns nil.
	out := []byte{}
	for _, p := range pairs {
		out = append(out, p.Value...)
	}
	return out, nil
}

func deleteChunked(tx kv.Tx, prefix kv.Tuple) error {
	return tx.DeleteRange(prefix.PackRangeBegin(), prefix.PackRangeEnd())
}
