package kvdb

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/kv"
	"github.com/gasoline-run/gasoline/pkg/api"
)

func (d *Database) DispatchWorkflow(ctx context.Context, in db.DispatchWorkflowInput) (uuid.UUID, error) {
	var workflowID uuid.UUID
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		if in.Unique {
			if len(in.Tags) == 0 {
				return db.ErrDuplicateDispatch
			}
			existing, err := d.findByTags(tx, in.Name, in.Tags)
			if err != nil {
				return err
			}
			if existing != nil {
				workflowID = *existing
				return d.maybeCommitSubWorkflowEvent(tx, in, workflowID)
			}
		}

		workflowID = in.WorkflowID
		if workflowID == uuid.Nil {
			workflowID = uuid.New()
		}
		now := nowMillis()

		if err := tx.Set(workflowKey(workflowID, "name").Pack(), []byte(in.Name)); err != nil {
			return err
		}
		if err := tx.Set(workflowKey(workflowID, "create_ts").Pack(), encodeUint(uint64(now))); err != nil {
			return err
		}
		if err := tx.Set(workflowKey(workflowID, "ray_id").Pack(), encodeUUID(in.RayID)); err != nil {
			return err
		}
		if len(in.Tags) > 0 {
			raw, err := json.Marshal(in.Tags)
			if err != nil {
				return err
			}
			if err := tx.Set(workflowKey(workflowID, "tags").Pack(), raw); err != nil {
				return err
			}
		}
		if err := writeChunked(tx, workflowKey(workflowID, "input"), in.Input); err != nil {
			return err
		}
		// New workflows wake immediately.
		if err := setWakeImmediate(tx, workflowID, in.Name, true); err != nil {
			return err
		}
		return d.maybeCommitSubWorkflowEvent(tx, in, workflowID)
	})
	if err != nil {
		return uuid.Nil, err
	}
	d.notifyWake()
	return workflowID, nil
}

func (d *Database) maybeCommitSubWorkflowEvent(tx kv.Tx, in db.DispatchWorkflowInput, subID uuid.UUID) error {
	if in.FromWorkflowID == nil {
		return nil
	}
	return d.appendEvent(tx, *in.FromWorkflowID, &history.Event{
		Location:     in.Location,
		Version:      in.Version,
		CreateTS:     nowMillis(),
		Kind:         history.KindSubWorkflow,
		LoopLocation: in.LoopLocation,
		SubWorkflow: &history.SubWorkflowEvent{
			SubWorkflowID: subID,
			Name:          in.Name,
		},
	})
}

func (d *Database) GetWorkflow(ctx context.Context, id uuid.UUID) (*db.WorkflowRow, error) {
	var row *db.WorkflowRow
	err := d.store.View(ctx, func(tx kv.Tx) error {
		var err error
		row, err = d.readWorkflowRow(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, api.ErrWorkflowNotFound
	}
	return row, nil
}

func (d *Database) GetWorkflows(ctx context.Context, ids []uuid.UUID) ([]*db.WorkflowRow, error) {
	var rows []*db.WorkflowRow
	err := d.store.View(ctx, func(tx kv.Tx) error {
		rows = rows[:0]
		for _, id := range ids {
			row, err := d.readWorkflowRow(tx, id)
			if err != nil {
				return err
			}
			if row != nil {
				rows = append(rows, row)
			}
		}
		return nil
	})
	return rows, err
}

func (d *Database) FindWorkflow(ctx context.Context, name string, tags api.Tags) (*uuid.UUID, error) {
	var found *uuid.UUID
	err := d.store.View(ctx, func(tx kv.Tx) error {
		var err error
		found, err = d.findByTags(tx, name, tags)
		return err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, api.ErrWorkflowNotFound
	}
	return found, nil
}

// leaseAlive reports whether the lease holder is still pinging.
func (d *Database) leaseAlive(tx kv.Tx, row *db.WorkflowRow, now int64) (bool, error) {
	if row.LeaseWorker == nil {
		return false, nil
	}
	ping, err := tx.Get(workerKey(*row.LeaseWorker, "last_ping_ts").Pack())
	if err != nil {
		return false, err
	}
	lastPing := int64(0)
	if ping != nil {
		lastPing = int64(decodeUint(ping))
	} else if row.LeasePingTS != nil {
		lastPing = *row.LeasePingTS
	}
	return now-lastPing <= d.opts.LeaseTTL.Milliseconds(), nil
}

func (d *Database) PullWorkflows(ctx context.Context, workerInstanceID uuid.UUID, names []string) ([]*db.PulledWorkflow, error) {
	registered := make(map[string]bool, len(names))
	for _, n := range names {
		registered[n] = true
	}

	var pulled []*db.PulledWorkflow
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		pulled = pulled[:0]
		now := nowMillis()
		candidates := make(map[uuid.UUID]bool)

		// Immediate wakes, per registered name.
		for _, name := range names {
			prefix := kv.Tuple{"workflow", "pending_by_name", name, uint64(1)}
			pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
			if err != nil {
				return err
			}
			for _, p := range pairs {
				t, err := kv.Unpack(p.Key)
				if err != nil {
					return err
				}
				if id, ok := t[len(t)-1].(uuid.UUID); ok {
					candidates[id] = true
				}
			}
		}

		// Passed deadlines, any name; filtered against the registry below.
		deadlinePrefix := kv.Tuple{"workflow", "wake_by_deadline"}
		deadlineEnd := kv.Tuple{"workflow", "wake_by_deadline", uint64(now + 1)}
		pairs, err := tx.Range(deadlinePrefix.PackRangeBegin(), deadlineEnd.Pack())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			if id, ok := t[len(t)-1].(uuid.UUID); ok {
				candidates[id] = true
			}
		}

		for id := range candidates {
			row, err := d.readWorkflowRow(tx, id)
			if err != nil {
				return err
			}
			if row == nil || row.Complete() || row.SilenceTS != nil || !registered[row.Name] {
				continue
			}
			alive, err := d.leaseAlive(tx, row, now)
			if err != nil {
				return err
			}
			if alive {
				continue
			}
			wakeDeadlinePassed := row.WakeDeadlineTS != nil && *row.WakeDeadlineTS <= now
			if !row.WakeImmediate && !wakeDeadlinePassed {
				continue
			}

			if err := releaseLease(tx, row); err != nil {
				return err
			}
			if err := d.clearWake(tx, row); err != nil {
				return err
			}
			if err := tx.Set(workflowKey(id, "lease_worker").Pack(), encodeUUID(workerInstanceID)); err != nil {
				return err
			}
			if err := tx.Set(workflowKey(id, "lease_ping_ts").Pack(), encodeUint(uint64(now))); err != nil {
				return err
			}
			if err := tx.Set(leaseKey(workerInstanceID, id).Pack(), nil); err != nil {
				return err
			}

			hist, err := d.loadHistory(tx, id)
			if err != nil {
				return err
			}
			lease := workerInstanceID
			row.LeaseWorker = &lease
			row.LeasePingTS = &now
			pulled = append(pulled, &db.PulledWorkflow{WorkflowRow: *row, History: hist})
		}
		return nil
	})
	return pulled, err
}

func (d *Database) CompleteWorkflow(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	woken := false
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		row, err := d.readWorkflowRow(tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return api.ErrWorkflowNotFound
		}
		if row.Complete() {
			// Output is immutable; completing twice is a no-op.
			return nil
		}
		if err := writeChunked(tx, workflowKey(id, "output"), output); err != nil {
			return err
		}
		if err := tx.Delete(workflowKey(id, "error").Pack()); err != nil {
			return err
		}
		if err := releaseLease(tx, row); err != nil {
			return err
		}
		if err := d.clearWake(tx, row); err != nil {
			return err
		}
		// Complete workflows leave the pending index entirely.
		if err := tx.Delete(pendingByNameKey(row.Name, false, id).Pack()); err != nil {
			return err
		}
		if err := tx.Set(kv.Tuple{"workflow", "complete_by_name", row.Name, id}.Pack(), nil); err != nil {
			return err
		}

		// Wake every parent awaiting this workflow as a sub-workflow.
		prefix := kv.Tuple{"workflow", "wake_by_sub_workflow", id}
		pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			parentID, ok := t[len(t)-1].(uuid.UUID)
			if !ok {
				continue
			}
			parentName, err := tx.Get(workflowKey(parentID, "name").Pack())
			if err != nil {
				return err
			}
			if parentName == nil {
				continue
			}
			if err := setWakeImmediate(tx, parentID, string(parentName), true); err != nil {
				return err
			}
			if err := tx.Delete(p.Key); err != nil {
				return err
			}
			if err := tx.Delete(workflowKey(parentID, "wake_sub_workflow").Pack()); err != nil {
				return err
			}
			woken = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if woken {
		d.notifyWake()
	}
	return nil
}

func (d *Database) CommitWorkflow(ctx context.Context, id uuid.UUID, wake db.WakeCondition, wfErr string) error {
	wakeNow := false
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		row, err := d.readWorkflowRow(tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return api.ErrWorkflowNotFound
		}
		if wfErr != "" {
			if err := tx.Set(workflowKey(id, "error").Pack(), []byte(wfErr)); err != nil {
				return err
			}
		} else if err := tx.Delete(workflowKey(id, "error").Pack()); err != nil {
			return err
		}
		if err := releaseLease(tx, row); err != nil {
			return err
		}
		if err := d.clearWake(tx, row); err != nil {
			return err
		}

		// Close the races between suspending and the condition having been
		// satisfied meanwhile: a wake signal already pending, or the awaited
		// sub-workflow already complete, upgrades to an immediate wake.
		now := nowMillis()
		if !wake.Immediate {
			if len(wake.Signals) > 0 {
				pending, err := d.hasPendingSignal(tx, id, wake.Signals)
				if err != nil {
					return err
				}
				wake.Immediate = pending
			}
			if wake.SubWorkflowID != nil {
				out, err := readChunked(tx, workflowKey(*wake.SubWorkflowID, "output"))
				if err != nil {
					return err
				}
				if out != nil {
					wake.Immediate = true
				}
			}
		}
		if err := d.setWake(tx, id, row.Name, wake); err != nil {
			return err
		}
		wakeNow = wake.Immediate || (wake.DeadlineTS != nil && *wake.DeadlineTS <= now)
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

func (d *Database) UpdateWorkflowTags(ctx context.Context, id uuid.UUID, tags api.Tags) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		raw, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		return tx.Set(workflowKey(id, "tags").Pack(), raw)
	})
}

func (d *Database) UpdateWorkflowState(ctx context.Context, id uuid.UUID, state json.RawMessage) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return writeChunked(tx, workflowKey(id, "state"), state)
	})
}

func (d *Database) SilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return tx.Set(workflowKey(id, "silence_ts").Pack(), encodeUint(uint64(nowMillis())))
	})
}

func (d *Database) UnsilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		return tx.Delete(workflowKey(id, "silence_ts").Pack())
	})
	if err != nil {
		return err
	}
	d.notifyWake()
	return nil
}

func (d *Database) UpdateWorkerPing(ctx context.Context, workerInstanceID uuid.UUID) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return tx.Set(workerKey(workerInstanceID, "last_ping_ts").Pack(), encodeUint(uint64(nowMillis())))
	})
}

func (d *Database) ClearExpiredLeases(ctx context.Context, workerInstanceID uuid.UUID) (int, error) {
	reclaimed := 0
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		reclaimed = 0
		now := nowMillis()
		ttl := d.opts.LeaseTTL.Milliseconds()

		workerPrefix := kv.Tuple{"worker", "data"}
		pairs, err := tx.Range(workerPrefix.PackRangeBegin(), workerPrefix.PackRangeEnd())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			deadWorker, ok := t[2].(uuid.UUID)
			if !ok || deadWorker == workerInstanceID {
				continue
			}
			if now-int64(decodeUint(p.Value)) <= ttl {
				continue
			}
			prefix := kv.Tuple{"workflow", "lease", deadWorker}
			leases, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
			if err != nil {
				return err
			}
			for _, l := range leases {
				lt, err := kv.Unpack(l.Key)
				if err != nil {
					return err
				}
				workflowID, ok := lt[len(lt)-1].(uuid.UUID)
				if !ok {
					continue
				}
				row, err := d.readWorkflowRow(tx, workflowID)
				if err != nil {
					return err
				}
				if row == nil {
					continue
				}
				if err := releaseLease(tx, row); err != nil {
					return err
				}
				if !row.Complete() {
					if err := setWakeImmediate(tx, workflowID, row.Name, true); err != nil {
						return err
					}
				}
				reclaimed++
			}
			if err := tx.Delete(p.Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		d.notifyWake()
	}
	return reclaimed, nil
}

func (d *Database) PublishMetrics(ctx context.Context) (*db.MetricsSnapshot, error) {
	snap := &db.MetricsSnapshot{
		Complete:       make(map[string]int),
		Running:        make(map[string]int),
		Sleeping:       make(map[string]int),
		Dead:           make(map[string]int),
		PendingSignals: make(map[string]int),
	}
	err := d.store.View(ctx, func(tx kv.Tx) error {
		now := nowMillis()

		completePrefix := kv.Tuple{"workflow", "complete_by_name"}
		pairs, err := tx.Range(completePrefix.PackRangeBegin(), completePrefix.PackRangeEnd())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			snap.Complete[t[2].(string)]++
		}

		pendingPrefix := kv.Tuple{"workflow", "pending_by_name"}
		pairs, err = tx.Range(pendingPrefix.PackRangeBegin(), pendingPrefix.PackRangeEnd())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			name := t[2].(string)
			id, ok := t[len(t)-1].(uuid.UUID)
			if !ok {
				continue
			}
			row, err := d.readWorkflowRow(tx, id)
			if err != nil {
				return err
			}
			if row == nil {
				continue
			}
			alive, err := d.leaseAlive(tx, row, now)
			if err != nil {
				return err
			}
			switch {
			case alive:
				snap.Running[name]++
			case row.WakeImmediate || row.WakeDeadlineTS != nil || len(row.WakeSignals) > 0 || row.WakeSubWorkflowID != nil:
				snap.Sleeping[name]++
			case row.Error != "":
				snap.Dead[name]++
			}
		}

		sigPrefix := kv.Tuple{"signal", "pending_by_name"}
		pairs, err = tx.Range(sigPrefix.PackRangeBegin(), sigPrefix.PackRangeEnd())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			if name, ok := t[3].(string); ok {
				snap.PendingSignals[name]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
