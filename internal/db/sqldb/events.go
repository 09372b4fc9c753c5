package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
)

// loadHistoryTx reads every event of a workflow across the per-kind tables
// and assembles the branch-indexed history. Build sorts within branches, so
// scan order across tables does not matter.
func (d *Database) loadHistoryTx(ctx context.Context, tx *sql.Tx, workflowID uuid.UUID) (history.History, error) {
	var events []*history.Event

	// Activity events.
	{
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location,
				name, input_hash, input, output, error, error_count
			FROM workflow_activity_events WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
				act          history.ActivityEvent
				hash         int64
				output       []byte
				errStr       sql.NullString
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc,
				&act.Name, &hash, &act.Input, &output, &errStr, &act.ErrorCount); err != nil {
				rows.Close()
				return nil, err
			}
			act.Output = json.RawMessage(output)
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			act.InputHash = uint64(hash)
			act.LastError = errStr.String
			ev.Kind = history.KindActivity
			ev.Activity = &act
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	// Signal and signal send events share a shape.
	for _, t := range []struct {
		table string
		send  bool
	}{
		{"workflow_signal_events", false},
		{"workflow_signal_send_events", true},
	} {
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location, signal_id, name, body
			FROM `+t.table+` WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
				sigStr, name string
				body         []byte
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc,
				&sigStr, &name, &body); err != nil {
				rows.Close()
				return nil, err
			}
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			sigID, err := uuid.Parse(sigStr)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if t.send {
				ev.Kind = history.KindSignalSend
				ev.SignalSend = &history.SignalSendEvent{SignalID: sigID, Name: name, Body: body}
			} else {
				ev.Kind = history.KindSignal
				ev.Signal = &history.SignalEvent{SignalID: sigID, Name: name, Body: body}
			}
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	// Message send events.
	{
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location, name, tags, body
			FROM workflow_message_send_events WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
				msg          history.MessageSendEvent
				tags         []byte
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc,
				&msg.Name, &tags, &msg.Body); err != nil {
				rows.Close()
				return nil, err
			}
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			if err := json.Unmarshal(tags, &msg.Tags); err != nil {
				rows.Close()
				return nil, err
			}
			ev.Kind = history.KindMessageSend
			ev.MessageSend = &msg
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	// Sub-workflow events.
	{
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location, sub_workflow_id, name
			FROM workflow_sub_workflow_events WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
				subStr, name string
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc,
				&subStr, &name); err != nil {
				rows.Close()
				return nil, err
			}
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			subID, err := uuid.Parse(subStr)
			if err != nil {
				rows.Close()
				return nil, err
			}
			ev.Kind = history.KindSubWorkflow
			ev.SubWorkflow = &history.SubWorkflowEvent{SubWorkflowID: subID, Name: name}
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	// Loop events.
	{
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location, iteration, state, output
			FROM workflow_loop_events WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
				loop         history.LoopEvent
				state, out   []byte
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc,
				&loop.Iteration, &state, &out); err != nil {
				rows.Close()
				return nil, err
			}
			loop.State = json.RawMessage(state)
			loop.Output = json.RawMessage(out)
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			ev.Kind = history.KindLoop
			ev.Loop = &loop
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	// Sleep events.
	{
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location, deadline_ts, state
			FROM workflow_sleep_events WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
				sleep        history.SleepEvent
				state        int
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc,
				&sleep.DeadlineTS, &state); err != nil {
				rows.Close()
				return nil, err
			}
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			sleep.State = history.SleepState(state)
			ev.Kind = history.KindSleep
			ev.Sleep = &sleep
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	// Payload-free events.
	for _, t := range []struct {
		table string
		kind  history.EventKind
	}{
		{"workflow_branch_events", history.KindBranch},
		{"workflow_removed_events", history.KindRemoved},
		{"workflow_version_check_events", history.KindVersionCheck},
	} {
		rows, err := d.query(ctx, tx, `
			SELECT location, version, create_ts, loop_location
			FROM `+t.table+` WHERE workflow_id = ?`,
			workflowID.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				ev           history.Event
				loc, loopLoc []byte
			)
			if err := rows.Scan(&loc, &ev.Version, &ev.CreateTS, &loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			if err := decodeEventLocations(&ev, loc, loopLoc); err != nil {
				rows.Close()
				return nil, err
			}
			ev.Kind = t.kind
			events = append(events, &ev)
		}
		if err := closeRows(rows); err != nil {
			return nil, err
		}
	}

	return history.Build(events), nil
}

func decodeEventLocations(ev *history.Event, loc, loopLoc []byte) error {
	decoded, err := history.DecodeLocation(loc)
	if err != nil {
		return err
	}
	ev.Location = decoded
	if loopLoc != nil {
		if ev.LoopLocation, err = history.DecodeLocation(loopLoc); err != nil {
			return err
		}
	}
	return nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	rows.Close()
	return err
}

// conflictingEventAt checks every history table except the writer's own for
// a row at the location. Each kind lives in its own table, so the per-table
// idempotency probe alone cannot see a different kind already committed there.
func (d *Database) conflictingEventAt(ctx context.Context, tx *sql.Tx, table string, workflowID uuid.UUID, location history.Location) error {
	loc := location.Encode()
	for _, t := range eventTables {
		if t == table {
			continue
		}
		var one int
		err := d.queryRow(ctx, tx, `
			SELECT 1 FROM `+t+` WHERE workflow_id = ? AND location = ?`,
			workflowID.String(), loc).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("sqldb: location %s held by %s: %w", location, t, db.ErrLocationConflict)
	}
	return nil
}

func (d *Database) GetWorkflowHistory(ctx context.Context, id uuid.UUID) (history.History, error) {
	var hist history.History
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		hist, err = d.loadHistoryTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hist, nil
}

func (d *Database) CommitActivityEvent(ctx context.Context, in db.CommitActivityEventInput) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		loc := in.Location.Encode()

		var prevOutput []byte
		var prevCount int
		err := d.queryRow(ctx, tx, `
			SELECT output, error_count FROM workflow_activity_events
			WHERE workflow_id = ? AND location = ?`,
			in.WorkflowID.String(), loc).Scan(&prevOutput, &prevCount)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := d.conflictingEventAt(ctx, tx, "workflow_activity_events", in.WorkflowID, in.Location); err != nil {
				return err
			}
			count := 0
			if in.Error != "" {
				count = 1
			}
			_, err = d.exec(ctx, tx, `
				INSERT INTO workflow_activity_events
					(workflow_id, location, version, create_ts, loop_location,
					name, input_hash, input, output, error, error_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				in.WorkflowID.String(), loc, in.Version, nowMillis(),
				encodeLoopLocation(in.LoopLocation), in.Name, int64(in.InputHash),
				[]byte(in.Input), nullBytes(in.Output), nullString(in.Error), count)
			return err
		case err != nil:
			return err
		}

		if prevOutput != nil {
			return fmt.Errorf("sqldb: location %s: %w", in.Location, db.ErrActivityTerminal)
		}
		count := prevCount
		if in.Error != "" {
			count++
		}
		_, err = d.exec(ctx, tx, `
			UPDATE workflow_activity_events
			SET version = ?, create_ts = ?, output = ?, error = ?, error_count = ?
			WHERE workflow_id = ? AND location = ?`,
			in.Version, nowMillis(), nullBytes(in.Output), nullString(in.Error),
			count, in.WorkflowID.String(), loc)
		return err
	})
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (d *Database) CommitMessageSendEvent(ctx context.Context, in db.CommitMessageSendEventInput) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		tags, err := json.Marshal(in.Tags)
		if err != nil {
			return err
		}
		loc := in.Location.Encode()

		var existingName string
		var existingBody []byte
		err = d.queryRow(ctx, tx, `
			SELECT name, body FROM workflow_message_send_events
			WHERE workflow_id = ? AND location = ?`,
			in.WorkflowID.String(), loc).Scan(&existingName, &existingBody)
		if err == nil {
			if existingName != in.Name || !bytes.Equal(existingBody, in.Body) {
				return fmt.Errorf("sqldb: location %s: %w", in.Location, db.ErrLocationConflict)
			}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := d.conflictingEventAt(ctx, tx, "workflow_message_send_events", in.WorkflowID, in.Location); err != nil {
			return err
		}

		_, err = d.exec(ctx, tx, `
			INSERT INTO workflow_message_send_events
				(workflow_id, location, version, create_ts, loop_location, name, tags, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.WorkflowID.String(), loc, in.Version, nowMillis(),
			encodeLoopLocation(in.LoopLocation), in.Name, tags, []byte(in.Body))
		return err
	})
}

func (d *Database) UpsertLoopEvent(ctx context.Context, in db.UpsertLoopEventInput) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		loc := in.Location.Encode()

		if err := d.conflictingEventAt(ctx, tx, "workflow_loop_events", in.WorkflowID, in.Location); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			DELETE FROM workflow_loop_events WHERE workflow_id = ? AND location = ?`,
			in.WorkflowID.String(), loc); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			INSERT INTO workflow_loop_events
				(workflow_id, location, version, create_ts, loop_location, iteration, state, output)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.WorkflowID.String(), loc, in.Version, nowMillis(),
			encodeLoopLocation(in.LoopLocation), in.Iteration,
			nullBytes(in.State), nullBytes(in.Output)); err != nil {
			return err
		}

		// Forget the iteration body so the next iteration reuses the same
		// child locations.
		for _, table := range eventTables {
			if _, err := d.exec(ctx, tx, `
				DELETE FROM `+table+` WHERE workflow_id = ? AND loop_location = ?`,
				in.WorkflowID.String(), loc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) CommitSleepEvent(ctx context.Context, in db.CommitSleepEventInput) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		loc := in.Location.Encode()

		var existingDeadline int64
		err := d.queryRow(ctx, tx, `
			SELECT deadline_ts FROM workflow_sleep_events
			WHERE workflow_id = ? AND location = ?`,
			in.WorkflowID.String(), loc).Scan(&existingDeadline)
		if err == nil {
			if existingDeadline != in.DeadlineTS {
				return fmt.Errorf("sqldb: location %s: %w", in.Location, db.ErrLocationConflict)
			}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := d.conflictingEventAt(ctx, tx, "workflow_sleep_events", in.WorkflowID, in.Location); err != nil {
			return err
		}

		_, err = d.exec(ctx, tx, `
			INSERT INTO workflow_sleep_events
				(workflow_id, location, version, create_ts, loop_location, deadline_ts, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			in.WorkflowID.String(), loc, in.Version, nowMillis(),
			encodeLoopLocation(in.LoopLocation), in.DeadlineTS,
			int(history.SleepScheduled))
		return err
	})
}

func (d *Database) UpdateSleepEventState(ctx context.Context, id uuid.UUID, location history.Location, state history.SleepState) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := d.exec(ctx, tx, `
			UPDATE workflow_sleep_events SET state = ?
			WHERE workflow_id = ? AND location = ?`,
			int(state), id.String(), location.Encode())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("sqldb: no sleep event at %s", location)
		}
		return nil
	})
}

func (d *Database) CommitBranchEvent(ctx context.Context, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error {
	return d.commitBareEvent(ctx, "workflow_branch_events", id, location, version, loopLocation)
}

func (d *Database) CommitRemovedEvent(ctx context.Context, id uuid.UUID, location history.Location, loopLocation history.Location) error {
	return d.commitBareEvent(ctx, "workflow_removed_events", id, location, 0, loopLocation)
}

func (d *Database) CommitVersionCheckEvent(ctx context.Context, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error {
	return d.commitBareEvent(ctx, "workflow_version_check_events", id, location, version, loopLocation)
}

// commitBareEvent inserts a payload-free event; replays of the same commit
// are idempotent.
func (d *Database) commitBareEvent(ctx context.Context, table string, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		loc := location.Encode()

		var one int
		err := d.queryRow(ctx, tx, `
			SELECT 1 FROM `+table+` WHERE workflow_id = ? AND location = ?`,
			id.String(), loc).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := d.conflictingEventAt(ctx, tx, table, id, location); err != nil {
			return err
		}

		_, err = d.exec(ctx, tx, `
			INSERT INTO `+table+`
				(workflow_id, location, version, create_ts, loop_location)
			VALUES (?, ?, ?, ?, ?)`,
			id.String(), loc, version, nowMillis(), encodeLoopLocation(loopLocation))
		return err
	})
}
