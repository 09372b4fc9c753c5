package kvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/kv"
)

// appendEvent writes a history event at its location. A second commit to an
// occupied location is a no-op when the stored event is identical, otherwise
// it fails with ErrLocationConflict; retried transactions replay cleanly
// while a buggy engine never silently rewrites history.
func (d *Database) appendEvent(tx kv.Tx, workflowID uuid.UUID, ev *history.Event) error {
	payload, err := marshalEventPayload(ev)
	if err != nil {
		return err
	}

	existingKind, err := tx.Get(historyKey(workflowID, ev.Location, "kind").Pack())
	if err != nil {
		return err
	}
	if existingKind != nil {
		if history.EventKind(decodeUint(existingKind)) != ev.Kind {
			return fmt.Errorf("kvdb: location %s: %w", ev.Location, db.ErrLocationConflict)
		}
		existingData, err := readChunked(tx, historyKey(workflowID, ev.Location, "data"))
		if err != nil {
			return err
		}
		if !bytes.Equal(existingData, payload) {
			return fmt.Errorf("kvdb: location %s: %w", ev.Location, db.ErrLocationConflict)
		}
		return nil
	}

	return d.writeEvent(tx, workflowID, ev, payload)
}

// writeEvent unconditionally stores the event fields, overwriting whatever
// is at the location.
func (d *Database) writeEvent(tx kv.Tx, workflowID uuid.UUID, ev *history.Event, payload []byte) error {
	if err := tx.Set(historyKey(workflowID, ev.Location, "kind").Pack(), encodeUint(uint64(ev.Kind))); err != nil {
		return err
	}
	if err := tx.Set(historyKey(workflowID, ev.Location, "version").Pack(), encodeUint(uint64(ev.Version))); err != nil {
		return err
	}
	if err := tx.Set(historyKey(workflowID, ev.Location, "create_ts").Pack(), encodeUint(uint64(ev.CreateTS))); err != nil {
		return err
	}
	if ev.LoopLocation != nil {
		if err := tx.Set(historyKey(workflowID, ev.Location, "loop_location").Pack(), ev.LoopLocation.Encode()); err != nil {
			return err
		}
	}
	if payload != nil {
		return writeChunked(tx, historyKey(workflowID, ev.Location, "data"), payload)
	}
	return nil
}

func deleteEvent(tx kv.Tx, workflowID uuid.UUID, loc history.Location) error {
	prefix := historyKey(workflowID, loc)
	return tx.DeleteRange(prefix.PackRangeBegin(), prefix.PackRangeEnd())
}

// loadHistory reads every stored event of a workflow and assembles the
// branch-indexed history.
func (d *Database) loadHistory(tx kv.Tx, workflowID uuid.UUID) (history.History, error) {
	prefix := historySubspace(workflowID)
	pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
	if err != nil {
		return nil, err
	}

	var events []*history.Event
	var cur *history.Event
	var curLoc []byte
	var curData []byte
	flush := func() error {
		if cur == nil {
			return nil
		}
		if err := unmarshalEventPayload(cur, curData); err != nil {
			return err
		}
		events = append(events, cur)
		cur, curLoc, curData = nil, nil, nil
		return nil
	}

	// Keys sort by (location, field, chunk), so one pass groups all fields
	// of each event.
	for _, p := range pairs {
		t, err := kv.Unpack(p.Key)
		if err != nil {
			return nil, err
		}
		// ("workflow", "data", id, "history", loc, field[, chunk])
		if len(t) < 6 {
			return nil, fmt.Errorf("kvdb: malformed history key %x", p.Key)
		}
		locRaw, ok := t[4].([]byte)
		if !ok {
			return nil, fmt.Errorf("kvdb: malformed history key %x", p.Key)
		}
		if cur == nil || !bytes.Equal(curLoc, locRaw) {
			if err := flush(); err != nil {
				return nil, err
			}
			loc, err := history.DecodeLocation(locRaw)
			if err != nil {
				return nil, err
			}
			cur = &history.Event{Location: loc}
			curLoc = locRaw
		}
		field, ok := t[5].(string)
		if !ok {
			return nil, fmt.Errorf("kvdb: malformed history key %x", p.Key)
		}
		switch field {
		case "kind":
			cur.Kind = history.EventKind(decodeUint(p.Value))
		case "version":
			cur.Version = int(decodeUint(p.Value))
		case "create_ts":
			cur.CreateTS = int64(decodeUint(p.Value))
		case "loop_location":
			loopLoc, err := history.DecodeLocation(p.Value)
			if err != nil {
				return nil, err
			}
			cur.LoopLocation = loopLoc
		case "data":
			curData = append(curData, p.Value...)
		default:
			return nil, fmt.Errorf("kvdb: unknown history field %q", field)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return history.Build(events), nil
}

func (d *Database) GetWorkflowHistory(ctx context.Context, id uuid.UUID) (history.History, error) {
	var hist history.History
	err := d.store.View(ctx, func(tx kv.Tx) error {
		var err error
		hist, err = d.loadHistory(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hist, nil
}

func (d *Database) CommitActivityEvent(ctx context.Context, in db.CommitActivityEventInput) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		existingKind, err := tx.Get(historyKey(in.WorkflowID, in.Location, "kind").Pack())
		if err != nil {
			return err
		}

		ev := &history.ActivityEvent{
			Name:      in.Name,
			InputHash: in.InputHash,
			Input:     in.Input,
			Output:    in.Output,
			LastError: in.Error,
		}
		if existingKind != nil {
			if history.EventKind(decodeUint(existingKind)) != history.KindActivity {
				return fmt.Errorf("kvdb: location %s: %w", in.Location, db.ErrLocationConflict)
			}
			data, err := readChunked(tx, historyKey(in.WorkflowID, in.Location, "data"))
			if err != nil {
				return err
			}
			prev := &history.ActivityEvent{}
			if err := json.Unmarshal(data, prev); err != nil {
				return err
			}
			if prev.Output != nil {
				return fmt.Errorf("kvdb: location %s: %w", in.Location, db.ErrActivityTerminal)
			}
			ev.ErrorCount = prev.ErrorCount
		}
		if in.Error != "" {
			ev.ErrorCount++
			ev.Output = nil
		}

		payload, err := marshalEventPayload(&history.Event{Kind: history.KindActivity, Activity: ev})
		if err != nil {
			return err
		}
		return d.writeEvent(tx, in.WorkflowID, &history.Event{
			Location:     in.Location,
			Version:      in.Version,
			CreateTS:     nowMillis(),
			Kind:         history.KindActivity,
			LoopLocation: in.LoopLocation,
			Activity:     ev,
		}, payload)
	})
}

func (d *Database) CommitMessageSendEvent(ctx context.Context, in db.CommitMessageSendEventInput) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return d.appendEvent(tx, in.WorkflowID, &history.Event{
			Location:     in.Location,
			Version:      in.Version,
			CreateTS:     nowMillis(),
			Kind:         history.KindMessageSend,
			LoopLocation: in.LoopLocation,
			MessageSend: &history.MessageSendEvent{
				Name: in.Name,
				Tags: in.Tags,
				Body: in.Body,
			},
		})
	})
}

func (d *Database) UpsertLoopEvent(ctx context.Context, in db.UpsertLoopEventInput) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		ev := &history.Event{
			Location:     in.Location,
			Version:      in.Version,
			CreateTS:     nowMillis(),
			Kind:         history.KindLoop,
			LoopLocation: in.LoopLocation,
			Loop: &history.LoopEvent{
				Iteration: in.Iteration,
				State:     in.State,
				Output:    in.Output,
			},
		}
		payload, err := marshalEventPayload(ev)
		if err != nil {
			return err
		}
		if err := deleteEvent(tx, in.WorkflowID, in.Location); err != nil {
			return err
		}
		if err := d.writeEvent(tx, in.WorkflowID, ev, payload); err != nil {
			return err
		}

		// Forget the completed iteration's body: every event recorded under
		// this loop location goes away so the next iteration reuses the
		// same child locations.
		encoded := in.Location.Encode()
		prefix := historySubspace(in.WorkflowID)
		pairs, err := tx.Range(prefix.PackRangeBegin(), prefix.PackRangeEnd())
		if err != nil {
			return err
		}
		for _, p := range pairs {
			t, err := kv.Unpack(p.Key)
			if err != nil {
				return err
			}
			if len(t) < 6 {
				continue
			}
			field, _ := t[5].(string)
			if field != "loop_location" {
				continue
			}
			if !bytes.Equal(p.Value, encoded) {
				continue
			}
			locRaw, _ := t[4].([]byte)
			loc, err := history.DecodeLocation(locRaw)
			if err != nil {
				return err
			}
			if err := deleteEvent(tx, in.WorkflowID, loc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) CommitSleepEvent(ctx context.Context, in db.CommitSleepEventInput) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return d.appendEvent(tx, in.WorkflowID, &history.Event{
			Location:     in.Location,
			Version:      in.Version,
			CreateTS:     nowMillis(),
			Kind:         history.KindSleep,
			LoopLocation: in.LoopLocation,
			Sleep: &history.SleepEvent{
				DeadlineTS: in.DeadlineTS,
				State:      history.SleepScheduled,
			},
		})
	})
}

func (d *Database) UpdateSleepEventState(ctx context.Context, id uuid.UUID, location history.Location, state history.SleepState) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		kindRaw, err := tx.Get(historyKey(id, location, "kind").Pack())
		if err != nil {
			return err
		}
		if kindRaw == nil || history.EventKind(decodeUint(kindRaw)) != history.KindSleep {
			return fmt.Errorf("kvdb: no sleep event at %s", location)
		}
		data, err := readChunked(tx, historyKey(id, location, "data"))
		if err != nil {
			return err
		}
		ev := &history.Event{Kind: history.KindSleep}
		if err := unmarshalEventPayload(ev, data); err != nil {
			return err
		}
		ev.Sleep.State = state
		payload, err := marshalEventPayload(ev)
		if err != nil {
			return err
		}
		return writeChunked(tx, historyKey(id, location, "data"), payload)
	})
}

func (d *Database) CommitBranchEvent(ctx context.Context, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return d.appendEvent(tx, id, &history.Event{
			Location:     location,
			Version:      version,
			CreateTS:     nowMillis(),
			Kind:         history.KindBranch,
			LoopLocation: loopLocation,
		})
	})
}

func (d *Database) CommitRemovedEvent(ctx context.Context, id uuid.UUID, location history.Location, loopLocation history.Location) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return d.appendEvent(tx, id, &history.Event{
			Location:     location,
			CreateTS:     nowMillis(),
			Kind:         history.KindRemoved,
			LoopLocation: loopLocation,
		})
	})
}

func (d *Database) CommitVersionCheckEvent(ctx context.Context, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error {
	return d.store.Update(ctx, func(tx kv.Tx) error {
		return d.appendEvent(tx, id, &history.Event{
			Location:     location,
			Version:      version,
			CreateTS:     nowMillis(),
			Kind:         history.KindVersionCheck,
			LoopLocation: loopLocation,
		})
	})
}
