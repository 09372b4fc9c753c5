package kvdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/kv"
	"github.com/gasoline-run/gasoline/pkg/api"
)

func (d *Database) PublishSignal(ctx context.Context, in db.PublishSignalInput) error {
	var wakeNow bool
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		var targetID uuid.UUID
		if in.WorkflowID != nil {
			targetID = *in.WorkflowID
		} else {
			// Tag-matched delivery: resolve the unique receiving workflow at
			// publish time and file the signal under it.
			found, err := d.findAnyByTags(tx, in.Tags)
			if err != nil {
				return err
			}
			if found == nil {
				return api.ErrWorkflowNotFound
			}
			targetID = *found
		}

		row, err := d.readWorkflowRow(tx, targetID)
		if err != nil {
			return err
		}
		if row == nil {
			return api.ErrWorkflowNotFound
		}

		now := nowMillis()
		sigID := in.SignalID
		if sigID == uuid.Nil {
			sigID = uuid.New()
		}
		if err := tx.Set(signalKey(sigID, "name").Pack(), []byte(in.Name)); err != nil {
			return err
		}
		if err := tx.Set(signalKey(sigID, "create_ts").Pack(), encodeUint(uint64(now))); err != nil {
			return err
		}
		if err := tx.Set(signalKey(sigID, "ray_id").Pack(), encodeUUID(in.RayID)); err != nil {
			return err
		}
		if err := tx.Set(signalKey(sigID, "workflow_id").Pack(), encodeUUID(targetID)); err != nil {
			return err
		}
		if err := writeChunked(tx, signalKey(sigID, "body"), in.Body); err != nil {
			return err
		}
		if err := tx.Set(signalPendingKey(targetID, in.Name, now, sigID).Pack(), nil); err != nil {
			return err
		}

		if in.FromWorkflowID != nil {
			if err := d.appendEvent(tx, *in.FromWorkflowID, &history.Event{
				Location:     in.Location,
				Version:      in.Version,
				CreateTS:     now,
				Kind:         history.KindSignalSend,
				LoopLocation: in.LoopLocation,
				SignalSend: &history.SignalSendEvent{
					SignalID: sigID,
					Name:     in.Name,
					Body:     in.Body,
				},
			}); err != nil {
				return err
			}
		}

		// The arrival of a wake signal makes the workflow runnable.
		for _, wakeName := range row.WakeSignals {
			if wakeName == in.Name {
				if err := setWakeImmediate(tx, targetID, row.Name, true); err != nil {
					return err
				}
				wakeNow = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if wakeNow {
		d.notifyWake()
	}
	return nil
}

// findAnyByTags scans every incomplete workflow for a tag match, regardless
// of name.
func (d *Database) findAnyByTags(tx kv.Tx, tags api.Tags) (*uuid.UUID, error) {
	prefix := kv.Tuple{"workflow", "pending_by_name"}
	pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool)
	for _, p := range pairs {
		t, err := kv.Unpack(p.Key)
		if err != nil {
			return nil, err
		}
		if name, ok := t[2].(string); ok {
			names[name] = true
		}
	}
	// Deterministic scan order so concurrent publishers resolve the same
	// workflow.
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		found, err := d.findByTags(tx, name, tags)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// hasPendingSignal reports whether any unacked, unsilenced signal with one
// of the given names is filed under the workflow.
func (d *Database) hasPendingSignal(tx kv.Tx, workflowID uuid.UUID, names []string) (bool, error) {
	for _, name := range names {
		prefix := kv.Tuple{"signal", "pending_by_name", workflowID, name}
		pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
		if err != nil {
			return false, err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return false, err
			}
			sigID, ok := t[len(t)-1].(uuid.UUID)
			if !ok {
				continue
			}
			silenced, err := tx.Get(signalKey(sigID, "silence_ts").Pack())
			if err != nil {
				return false, err
			}
			if silenced == nil {
				return true, nil
			}
		}
	}
	return false, nil
}

func (d *Database) PullNextSignal(ctx context.Context, in db.PullNextSignalInput) (*db.SignalRow, error) {
	var pulled *db.SignalRow
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		pulled = nil

		// Oldest pending signal across the requested names, ordered by
		// (create_ts, signal_id). The pending index key embeds both, so each
		// per-name range is already sorted; merge across names.
		var best *db.SignalRow
		var bestKey []byte
		for _, name := range in.Names {
			prefix := kv.Tuple{"signal", "pending_by_name", in.WorkflowID, name}
			pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
			if err != nil {
				return err
			}
			for _, p := range pairs {
				t, err := kv.Unpack(p.Key)
				if err != nil {
					return err
				}
				createTS := int64(t[len(t)-2].(uint64))
				sigID := t[len(t)-1].(uuid.UUID)
				silenced, err := tx.Get(signalKey(sigID, "silence_ts").Pack())
				if err != nil {
					return err
				}
				if silenced != nil {
					continue
				}
				if best != nil && (createTS > best.CreateTS || (createTS == best.CreateTS && sigID.String() > best.SignalID.String())) {
					continue
				}
				body, err := readChunked(tx, signalKey(sigID, "body"))
				if err != nil {
					return err
				}
				rayRaw, err := tx.Get(signalKey(sigID, "ray_id").Pack())
				if err != nil {
					return err
				}
				rayID, _ := decodeUUID(rayRaw)
				best = &db.SignalRow{
					SignalID:   sigID,
					WorkflowID: in.WorkflowID,
					Name:       name,
					Body:       body,
					CreateTS:   createTS,
					RayID:      rayID,
				}
				bestKey = p.Key
				break // per-name ranges are sorted; first candidate is best for this name
			}
		}
		if best == nil {
			return nil
		}

		// Consume: ack and append the Signal history event in this same
		// transaction, so a signal is consumed at most once.
		now := nowMillis()
		if err := tx.Set(signalKey(best.SignalID, "ack_ts").Pack(), encodeUint(uint64(now))); err != nil {
			return err
		}
		if err := tx.Delete(bestKey); err != nil {
			return err
		}
		if err := d.appendEvent(tx, in.WorkflowID, &history.Event{
			Location:     in.Location,
			Version:      in.Version,
			CreateTS:     now,
			Kind:         history.KindSignal,
			LoopLocation: in.LoopLocation,
			Signal: &history.SignalEvent{
				SignalID: best.SignalID,
				Name:     best.Name,
				Body:     best.Body,
			},
		}); err != nil {
			return err
		}
		ack := now
		best.AckTS = &ack
		pulled = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pulled == nil {
		return nil, api.ErrSignalNotFound
	}
	return pulled, nil
}

func (d *Database) GetSignal(ctx context.Context, id uuid.UUID) (*db.SignalRow, error) {
	var row *db.SignalRow
	err := d.store.View(ctx, func(tx kv.Tx) error {
		name, err := tx.Get(signalKey(id, "name").Pack())
		if err != nil {
			return err
		}
		if name == nil {
			return fmt.Errorf("kvdb: %w", api.ErrSignalNotFound)
		}
		row = &db.SignalRow{SignalID: id, Name: string(name)}
		if v, err := tx.Get(signalKey(id, "create_ts").Pack()); err != nil {
			return err
		} else {
			row.CreateTS = int64(decodeUint(v))
		}
		if v, err := tx.Get(signalKey(id, "workflow_id").Pack()); err != nil {
			return err
		} else if wfID, ok := decodeUUID(v); ok {
			row.WorkflowID = wfID
		}
		if v, err := tx.Get(signalKey(id, "ray_id").Pack()); err != nil {
			return err
		} else if rayID, ok := decodeUUID(v); ok {
			row.RayID = rayID
		}
		if v, err := tx.Get(signalKey(id, "ack_ts").Pack()); err != nil {
			return err
		} else if v != nil {
			ts := int64(decodeUint(v))
			row.AckTS = &ts
		}
		if v, err := tx.Get(signalKey(id, "silence_ts").Pack()); err != nil {
			return err
		} else if v != nil {
			ts := int64(decodeUint(v))
			row.SilenceTS = &ts
		}
		body, err := readChunked(tx, signalKey(id, "body"))
		if err != nil {
			return err
		}
		row.Body = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (d *Database) SilenceSignal(ctx context.Context, id uuid.UUID) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		name, err := tx.Get(signalKey(id, "name").Pack())
		if err != nil {
			return err
		}
		if name == nil {
			return fmt.Errorf("kvdb: %w", api.ErrSignalNotFound)
		}
		return tx.Set(signalKey(id, "silence_ts").Pack(), encodeUint(uint64(nowMillis())))
	})
}
