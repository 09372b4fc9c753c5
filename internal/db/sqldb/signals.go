package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/pkg/api"
)

func (d *Database) PublishSignal(ctx context.Context, in db.PublishSignalInput) error {
	var wakeNow bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var targetID uuid.UUID
		if in.WorkflowID != nil {
			targetID = *in.WorkflowID
		} else {
			found, err := d.findAnyByTagsTx(ctx, tx, in.Tags)
			if err != nil {
				return err
			}
			if found == nil {
				return api.ErrWorkflowNotFound
			}
			targetID = *found
		}

		row, err := d.getWorkflowTx(ctx, tx, targetID)
		if err != nil {
			return err
		}

		sigID := in.SignalID
		if sigID == uuid.Nil {
			sigID = uuid.New()
		}
		now := nowMillis()
		if _, err := d.exec(ctx, tx, `
			INSERT INTO signals (id, workflow_id, name, body, ray_id, create_ts)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sigID.String(), targetID.String(), in.Name, []byte(in.Body),
			in.RayID.String(), now); err != nil {
			return err
		}

		if in.FromWorkflowID != nil {
			if err := d.insertSignalSendEvent(ctx, tx, in, sigID, now); err != nil {
				return err
			}
		}

		for _, wakeName := range row.WakeSignals {
			if wakeName == in.Name {
				if _, err := d.exec(ctx, tx, `
					UPDATE workflows SET wake_immediate = 1 WHERE id = ?`,
					targetID.String()); err != nil {
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
		d.notifyWake(ctx)
	}
	return nil
}

func (d *Database) insertSignalSendEvent(ctx context.Context, tx *sql.Tx, in db.PublishSignalInput, sigID uuid.UUID, now int64) error {
	loc := in.Location.Encode()
	var existing string
	err := d.queryRow(ctx, tx, `
		SELECT signal_id FROM workflow_signal_send_events
		WHERE workflow_id = ? AND location = ?`,
		in.FromWorkflowID.String(), loc).Scan(&existing)
	if err == nil {
		if existing != sigID.String() {
			return fmt.Errorf("sqldb: location %s: %w", in.Location, db.ErrLocationConflict)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := d.conflictingEventAt(ctx, tx, "workflow_signal_send_events", *in.FromWorkflowID, in.Location); err != nil {
		return err
	}
	_, err = d.exec(ctx, tx, `
		INSERT INTO workflow_signal_send_events
			(workflow_id, location, version, create_ts, loop_location, signal_id, name, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.FromWorkflowID.String(), loc, in.Version, now,
		encodeLoopLocation(in.LoopLocation), sigID.String(), in.Name, []byte(in.Body))
	return err
}

// findAnyByTagsTx resolves tag-addressed delivery: the oldest incomplete
// workflow of any name whose tags contain the published tags.
func (d *Database) findAnyByTagsTx(ctx context.Context, tx *sql.Tx, tags api.Tags) (*uuid.UUID, error) {
	rows, err := d.query(ctx, tx, `
		SELECT id, tags FROM workflows
		WHERE output IS NULL
		ORDER BY create_ts, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var rowTags api.Tags
		if err := json.Unmarshal(raw, &rowTags); err != nil {
			return nil, err
		}
		if rowTags.Contains(tags) {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return nil, err
			}
			return &parsed, rows.Close()
		}
	}
	return nil, rows.Err()
}

func (d *Database) hasPendingSignalTx(ctx context.Context, tx *sql.Tx, workflowID uuid.UUID, names []string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	args := []any{workflowID.String()}
	for _, name := range names {
		args = append(args, name)
	}
	var one int
	err := d.queryRow(ctx, tx, `
		SELECT 1 FROM signals
		WHERE workflow_id = ? AND name IN (`+placeholders(len(names))+`)
			AND ack_ts IS NULL AND silence_ts IS NULL
		LIMIT 1`, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) PullNextSignal(ctx context.Context, in db.PullNextSignalInput) (*db.SignalRow, error) {
	var pulled *db.SignalRow
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		pulled = nil
		if len(in.Names) == 0 {
			return nil
		}

		args := []any{in.WorkflowID.String()}
		for _, name := range in.Names {
			args = append(args, name)
		}
		row := d.queryRow(ctx, tx, `
			SELECT id, name, body, ray_id, create_ts FROM signals
			WHERE workflow_id = ? AND name IN (`+placeholders(len(in.Names))+`)
				AND ack_ts IS NULL AND silence_ts IS NULL
			ORDER BY create_ts, id
			LIMIT 1`, args...)

		var (
			idStr, name, rayStr string
			body                []byte
			createTS            int64
		)
		err := row.Scan(&idStr, &name, &body, &rayStr, &createTS)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		sigID, err := uuid.Parse(idStr)
		if err != nil {
			return err
		}
		rayID, err := uuid.Parse(rayStr)
		if err != nil {
			return err
		}

		now := nowMillis()
		if _, err := d.exec(ctx, tx, `
			UPDATE signals SET ack_ts = ? WHERE id = ?`,
			now, sigID.String()); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			INSERT INTO workflow_signal_events
				(workflow_id, location, version, create_ts, loop_location, signal_id, name, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.WorkflowID.String(), in.Location.Encode(), in.Version, now,
			encodeLoopLocation(in.LoopLocation), sigID.String(), name, body); err != nil {
			return err
		}

		ack := now
		pulled = &db.SignalRow{
			SignalID:   sigID,
			WorkflowID: in.WorkflowID,
			Name:       name,
			Body:       body,
			CreateTS:   createTS,
			RayID:      rayID,
			AckTS:      &ack,
		}
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
	var out *db.SignalRow
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		row := d.queryRow(ctx, tx, `
			SELECT id, workflow_id, name, body, ray_id, create_ts, ack_ts, silence_ts
			FROM signals WHERE id = ?`, id.String())

		var sig db.SignalRow
		var idStr, wfStr, rayStr string
		err := row.Scan(&idStr, &wfStr, &sig.Name, &sig.Body, &rayStr,
			&sig.CreateTS, &sig.AckTS, &sig.SilenceTS)
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrSignalNotFound
		}
		if err != nil {
			return err
		}
		if sig.SignalID, err = uuid.Parse(idStr); err != nil {
			return err
		}
		if sig.WorkflowID, err = uuid.Parse(wfStr); err != nil {
			return err
		}
		if sig.RayID, err = uuid.Parse(rayStr); err != nil {
			return err
		}
		out = &sig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) SilenceSignal(ctx context.Context, id uuid.UUID) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := d.exec(ctx, tx, `
			UPDATE signals SET silence_ts = ? WHERE id = ?`,
			nowMillis(), id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return api.ErrSignalNotFound
		}
		return nil
	})
}
