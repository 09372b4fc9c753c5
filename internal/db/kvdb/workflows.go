package kvdb

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/kv"
	"github.com/gasoline-run/gasoline/pkg/api"
)

// readWorkflowRow loads a workflow's fields inside tx. Returns nil when the
// workflow does not exist.
func (d *Database) readWorkflowRow(tx kv.Tx, id uuid.UUID) (*db.WorkflowRow, error) {
	name, err := tx.Get(workflowKey(id, "name").Pack())
	if err != nil {
		return nil, err
	}
	if name == nil {
		return nil, nil
	}

	row := &db.WorkflowRow{WorkflowID: id, Name: string(name)}

	get := func(field string) ([]byte, error) {
		return tx.Get(workflowKey(id, field).Pack())
	}

	if v, err := get("create_ts"); err != nil {
		return nil, err
	} else {
		row.CreateTS = int64(decodeUint(v))
	}
	if v, err := get("ray_id"); err != nil {
		return nil, err
	} else if rayID, ok := decodeUUID(v); ok {
		row.RayID = rayID
	}
	if v, err := get("tags"); err != nil {
		return nil, err
	} else if v != nil {
		if err := json.Unmarshal(v, &row.Tags); err != nil {
			return nil, fmt.Errorf("kvdb: decode workflow tags: %w", err)
		}
	}
	if v, err := readChunked(tx, workflowKey(id, "input")); err != nil {
		return nil, err
	} else {
		row.Input = v
	}
	if v, err := readChunked(tx, workflowKey(id, "state")); err != nil {
		return nil, err
	} else {
		row.State = v
	}
	if v, err := readChunked(tx, workflowKey(id, "output")); err != nil {
		return nil, err
	} else {
		row.Output = v
	}
	if v, err := get("error"); err != nil {
		return nil, err
	} else {
		row.Error = string(v)
	}
	if v, err := get("wake_immediate"); err != nil {
		return nil, err
	} else {
		row.WakeImmediate = decodeBool(v)
	}
	if v, err := get("wake_deadline_ts"); err != nil {
		return nil, err
	} else if v != nil {
		ts := int64(decodeUint(v))
		row.WakeDeadlineTS = &ts
	}
	if v, err := get("wake_sub_workflow"); err != nil {
		return nil, err
	} else if subID, ok := decodeUUID(v); ok {
		row.WakeSubWorkflowID = &subID
	}
	if v, err := get("silence_ts"); err != nil {
		return nil, err
	} else if v != nil {
		ts := int64(decodeUint(v))
		row.SilenceTS = &ts
	}
	if v, err := get("lease_worker"); err != nil {
		return nil, err
	} else if workerID, ok := decodeUUID(v); ok {
		row.LeaseWorker = &workerID
	}
	if v, err := get("lease_ping_ts"); err != nil {
		return nil, err
	} else if v != nil {
		ts := int64(decodeUint(v))
		row.LeasePingTS = &ts
	}

	sigPrefix := workflowKey(id, "wake_signal")
	pairs, err := tx.Range(sigPrefix.PackRangeBegin(), sigPrefix.PackRangeEnd())
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		t, err := kv.Unpack(p.Key)
		if err != nil {
			return nil, err
		}
		row.WakeSignals = append(row.WakeSignals, t[len(t)-1].(string))
	}

	return row, nil
}

// setWakeImmediate flips the wake_immediate bit and moves the
// pending_by_name index entry to the matching bit value.
func setWakeImmediate(tx kv.Tx, id uuid.UUID, name string, v bool) error {
	if err := tx.Set(workflowKey(id, "wake_immediate").Pack(), encodeBool(v)); err != nil {
		return err
	}
	if err := tx.Delete(pendingByNameKey(name, !v, id).Pack()); err != nil {
		return err
	}
	return tx.Set(pendingByNameKey(name, v, id).Pack(), nil)
}

// clearWake removes every stored wake condition for the workflow. The next
// commit re-establishes whatever conditions the run ends with.
func (d *Database) clearWake(tx kv.Tx, row *db.WorkflowRow) error {
	id := row.WorkflowID
	if err := setWakeImmediate(tx, id, row.Name, false); err != nil {
		return err
	}
	if row.WakeDeadlineTS != nil {
		if err := tx.Delete(wakeByDeadlineKey(*row.WakeDeadlineTS, id).Pack()); err != nil {
			return err
		}
	}
	if err := tx.Delete(workflowKey(id, "wake_deadline_ts").Pack()); err != nil {
		return err
	}
	sigPrefix := workflowKey(id, "wake_signal")
	if err := tx.DeleteRange(sigPrefix.PackRangeBegin(), sigPrefix.PackRangeEnd()); err != nil {
		return err
	}
	if row.WakeSubWorkflowID != nil {
		if err := tx.Delete(wakeBySubWorkflowKey(*row.WakeSubWorkflowID, id).Pack()); err != nil {
			return err
		}
	}
	return tx.Delete(workflowKey(id, "wake_sub_workflow").Pack())
}

func (d *Database) setWake(tx kv.Tx, id uuid.UUID, name string, wake db.WakeCondition) error {
	if err := setWakeImmediate(tx, id, name, wake.Immediate); err != nil {
		return err
	}
	if wake.DeadlineTS != nil {
		if err := tx.Set(workflowKey(id, "wake_deadline_ts").Pack(), encodeUint(uint64(*wake.DeadlineTS))); err != nil {
			return err
		}
		if err := tx.Set(wakeByDeadlineKey(*wake.DeadlineTS, id).Pack(), nil); err != nil {
			return err
		}
	}
	for _, sig := range wake.Signals {
		if err := tx.Set(workflowKey(id, "wake_signal", sig).Pack(), nil); err != nil {
			return err
		}
	}
	if wake.SubWorkflowID != nil {
		if err := tx.Set(workflowKey(id, "wake_sub_workflow").Pack(), encodeUUID(*wake.SubWorkflowID)); err != nil {
			return err
		}
		if err := tx.Set(wakeBySubWorkflowKey(*wake.SubWorkflowID, id).Pack(), nil); err != nil {
			return err
		}
	}
	return nil
}

func releaseLease(tx kv.Tx, row *db.WorkflowRow) error {
	if row.LeaseWorker != nil {
		if err := tx.Delete(leaseKey(*row.LeaseWorker, row.WorkflowID).Pack()); err != nil {
			return err
		}
	}
	if err := tx.Delete(workflowKey(row.WorkflowID, "lease_worker").Pack()); err != nil {
		return err
	}
	return tx.Delete(workflowKey(row.WorkflowID, "lease_ping_ts").Pack())
}

// findByTags scans the incomplete workflows with the given name and returns
// the first whose tags contain tags.
func (d *Database) findByTags(tx kv.Tx, name string, tags api.Tags) (*uuid.UUID, error) {
	prefix := pendingByNameSubspace(name)
	pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		t, err := kv.Unpack(p.Key)
		if err != nil {
			return nil, err
		}
		id, ok := t[len(t)-1].(uuid.UUID)
		if !ok {
			continue
		}
		raw, err := tx.Get(workflowKey(id, "tags").Pack())
		if err != nil {
			return nil, err
		}
		var rowTags api.Tags
		if raw != nil {
			if err := json.Unmarshal(raw, &rowTags); err != nil {
				return nil, err
			}
		}
		if rowTags.Contains(tags) {
			found := id
			return &found, nil
		}
	}
	return nil, nil
}
