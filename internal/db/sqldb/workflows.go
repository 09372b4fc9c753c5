package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/pkg/api"
)

const workflowColumns = `id, name, tags, input, output, state, error, ray_id,
	create_ts, silence_ts, wake_immediate, wake_deadline_ts,
	wake_sub_workflow_id, lease_worker, lease_ping_ts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowRow(s rowScanner) (*db.WorkflowRow, error) {
	var (
		row           db.WorkflowRow
		id, rayID     string
		tags          []byte
		output, state []byte
		errStr        sql.NullString
		subID         sql.NullString
		leaseID       sql.NullString
	)
	// output and state are nullable BLOBs; database/sql refuses to scan NULL
	// into a *json.RawMessage, so go through []byte.
	err := s.Scan(&id, &row.Name, &tags, &row.Input, &output, &state,
		&errStr, &rayID, &row.CreateTS, &row.SilenceTS, &row.WakeImmediate,
		&row.WakeDeadlineTS, &subID, &leaseID, &row.LeasePingTS)
	if err != nil {
		return nil, err
	}
	row.Output = json.RawMessage(output)
	row.State = json.RawMessage(state)

	if row.WorkflowID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("sqldb: workflow id: %w", err)
	}
	if row.RayID, err = uuid.Parse(rayID); err != nil {
		return nil, fmt.Errorf("sqldb: ray id: %w", err)
	}
	if err := json.Unmarshal(tags, &row.Tags); err != nil {
		return nil, fmt.Errorf("sqldb: workflow tags: %w", err)
	}
	if errStr.Valid {
		row.Error = errStr.String
	}
	if subID.Valid {
		parsed, err := uuid.Parse(subID.String)
		if err != nil {
			return nil, fmt.Errorf("sqldb: sub workflow id: %w", err)
		}
		row.WakeSubWorkflowID = &parsed
	}
	if leaseID.Valid {
		parsed, err := uuid.Parse(leaseID.String)
		if err != nil {
			return nil, fmt.Errorf("sqldb: lease worker id: %w", err)
		}
		row.LeaseWorker = &parsed
	}
	return &row, nil
}

func (d *Database) getWorkflowTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*db.WorkflowRow, error) {
	row, err := scanWorkflowRow(d.queryRow(ctx, tx, `
		SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := d.query(ctx, tx, `
		SELECT signal_name FROM workflow_wake_signals WHERE workflow_id = ?`,
		id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		row.WakeSignals = append(row.WakeSignals, name)
	}
	return row, rows.Err()
}

func (d *Database) DispatchWorkflow(ctx context.Context, in db.DispatchWorkflowInput) (uuid.UUID, error) {
	var out uuid.UUID
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if in.Unique {
			if len(in.Tags) == 0 {
				return db.ErrDuplicateDispatch
			}
			existing, err := d.findWorkflowTx(ctx, tx, in.Name, in.Tags)
			if err != nil {
				return err
			}
			if existing != nil {
				out = *existing
				return nil
			}
		}

		tags, err := json.Marshal(in.Tags)
		if err != nil {
			return err
		}
		_, err = d.exec(ctx, tx, `
			INSERT INTO workflows (id, name, tags, input, ray_id, create_ts, wake_immediate)
			VALUES (?, ?, ?, ?, ?, ?, 1)`,
			in.WorkflowID.String(), in.Name, tags, []byte(in.Input),
			in.RayID.String(), nowMillis())
		if err != nil {
			return err
		}

		if in.FromWorkflowID != nil {
			if err := d.insertSubWorkflowEvent(ctx, tx, *in.FromWorkflowID, in); err != nil {
				return err
			}
		}
		out = in.WorkflowID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	d.notifyWake(ctx)
	return out, nil
}

// insertSubWorkflowEvent records the parent's SubWorkflow history event. A
// replayed dispatch hits the primary key; identical content is idempotent.
func (d *Database) insertSubWorkflowEvent(ctx context.Context, tx *sql.Tx, parentID uuid.UUID, in db.DispatchWorkflowInput) error {
	loc := in.Location.Encode()
	var existingSub, existingName string
	err := d.queryRow(ctx, tx, `
		SELECT sub_workflow_id, name FROM workflow_sub_workflow_events
		WHERE workflow_id = ? AND location = ?`,
		parentID.String(), loc).Scan(&existingSub, &existingName)
	if err == nil {
		if existingSub != in.WorkflowID.String() || existingName != in.Name {
			return fmt.Errorf("sqldb: location %s: %w", in.Location, db.ErrLocationConflict)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := d.conflictingEventAt(ctx, tx, "workflow_sub_workflow_events", parentID, in.Location); err != nil {
		return err
	}

	_, err = d.exec(ctx, tx, `
		INSERT INTO workflow_sub_workflow_events
			(workflow_id, location, version, create_ts, loop_location, sub_workflow_id, name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		parentID.String(), loc, in.Version, nowMillis(),
		encodeLoopLocation(in.LoopLocation), in.WorkflowID.String(), in.Name)
	return err
}

func encodeLoopLocation(loc history.Location) []byte {
	if loc == nil {
		return nil
	}
	return loc.Encode()
}

func (d *Database) GetWorkflow(ctx context.Context, id uuid.UUID) (*db.WorkflowRow, error) {
	var row *db.WorkflowRow
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = d.getWorkflowTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (d *Database) GetWorkflows(ctx context.Context, ids []uuid.UUID) ([]*db.WorkflowRow, error) {
	out := make([]*db.WorkflowRow, 0, len(ids))
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		for _, id := range ids {
			row, err := d.getWorkflowTx(ctx, tx, id)
			if errors.Is(err, api.ErrWorkflowNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// findWorkflowTx resolves an incomplete workflow by name whose tags contain
// the given tags. Tag matching happens in Go; tags are stored as an opaque
// JSON blob so both dialects share one query.
func (d *Database) findWorkflowTx(ctx context.Context, tx *sql.Tx, name string, tags api.Tags) (*uuid.UUID, error) {
	rows, err := d.query(ctx, tx, `
		SELECT id, tags FROM workflows
		WHERE name = ? AND output IS NULL
		ORDER BY create_ts, id`, name)
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

func (d *Database) FindWorkflow(ctx context.Context, name string, tags api.Tags) (*uuid.UUID, error) {
	var found *uuid.UUID
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		found, err = d.findWorkflowTx(ctx, tx, name, tags)
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d *Database) PullWorkflows(ctx context.Context, workerInstanceID uuid.UUID, names []string) ([]*db.PulledWorkflow, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var pulled []*db.PulledWorkflow
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		pulled = nil
		now := nowMillis()
		staleBefore := now - d.LeaseTTL().Milliseconds()

		args := make([]any, 0, len(names)+2)
		for _, name := range names {
			args = append(args, name)
		}
		args = append(args, now, staleBefore)

		// Runnable: pending, not silenced, wake condition met, and no live
		// lease. A lease is live while its worker's last ping is fresh; the
		// row's own lease_ping_ts covers leases whose worker row is gone.
		rows, err := d.query(ctx, tx, `
			SELECT `+prefixColumns("w", workflowColumns)+`
			FROM workflows w
			LEFT JOIN workers wk ON wk.id = w.lease_worker
			WHERE w.name IN (`+placeholders(len(names))+`)
				AND w.output IS NULL
				AND w.silence_ts IS NULL
				AND (w.wake_immediate = 1
					OR (w.wake_deadline_ts IS NOT NULL AND w.wake_deadline_ts <= ?))
				AND (w.lease_worker IS NULL
					OR COALESCE(wk.last_ping_ts, COALESCE(w.lease_ping_ts, 0)) < ?)
			ORDER BY w.create_ts, w.id`,
			args...)
		if err != nil {
			return err
		}
		var candidates []*db.WorkflowRow
		for rows.Next() {
			row, err := scanWorkflowRow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, row)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, row := range candidates {
			if _, err := d.exec(ctx, tx, `
				UPDATE workflows
				SET lease_worker = ?, lease_ping_ts = ?,
					wake_immediate = 0, wake_deadline_ts = NULL,
					wake_sub_workflow_id = NULL
				WHERE id = ?`,
				workerInstanceID.String(), now, row.WorkflowID.String()); err != nil {
				return err
			}
			if _, err := d.exec(ctx, tx, `
				DELETE FROM workflow_wake_signals WHERE workflow_id = ?`,
				row.WorkflowID.String()); err != nil {
				return err
			}
			hist, err := d.loadHistoryTx(ctx, tx, row.WorkflowID)
			if err != nil {
				return err
			}
			leased := *row
			leased.LeaseWorker = &workerInstanceID
			leased.LeasePingTS = &now
			leased.WakeImmediate = false
			leased.WakeDeadlineTS = nil
			leased.WakeSignals = nil
			leased.WakeSubWorkflowID = nil
			pulled = append(pulled, &db.PulledWorkflow{WorkflowRow: leased, History: hist})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pulled, nil
}

// prefixColumns qualifies each column in list with the given table alias.
func prefixColumns(alias, list string) string {
	cols := strings.Split(list, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (d *Database) CompleteWorkflow(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	var wokeParent bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		row, err := d.getWorkflowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.Complete() {
			return nil
		}

		if _, err := d.exec(ctx, tx, `
			UPDATE workflows
			SET output = ?, error = NULL,
				lease_worker = NULL, lease_ping_ts = NULL,
				wake_immediate = 0, wake_deadline_ts = NULL,
				wake_sub_workflow_id = NULL
			WHERE id = ?`,
			[]byte(output), id.String()); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `
			DELETE FROM workflow_wake_signals WHERE workflow_id = ?`,
			id.String()); err != nil {
			return err
		}

		res, err := d.exec(ctx, tx, `
			UPDATE workflows
			SET wake_immediate = 1, wake_sub_workflow_id = NULL
			WHERE wake_sub_workflow_id = ? AND output IS NULL`,
			id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		wokeParent = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if wokeParent {
		d.notifyWake(ctx)
	}
	return nil
}

func (d *Database) CommitWorkflow(ctx context.Context, id uuid.UUID, wake db.WakeCondition, wfErr string) error {
	var wakeNow bool
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		row, err := d.getWorkflowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if row.Complete() {
			return nil
		}

		// A signal that landed or a sub-workflow that completed while this
		// run was finishing must not strand the workflow; re-check and
		// upgrade to an immediate wake.
		immediate := wake.Immediate
		if !immediate && len(wake.Signals) > 0 {
			pending, err := d.hasPendingSignalTx(ctx, tx, id, wake.Signals)
			if err != nil {
				return err
			}
			immediate = pending
		}
		if !immediate && wake.SubWorkflowID != nil {
			var output []byte
			err := d.queryRow(ctx, tx, `
				SELECT output FROM workflows WHERE id = ?`,
				wake.SubWorkflowID.String()).Scan(&output)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			immediate = output != nil
		}

		var errVal any
		if wfErr != "" {
			errVal = wfErr
		}
		var deadline any
		if !immediate && wake.DeadlineTS != nil {
			deadline = *wake.DeadlineTS
		}
		var subID any
		if !immediate && wake.SubWorkflowID != nil {
			subID = wake.SubWorkflowID.String()
		}
		wakeBit := 0
		if immediate {
			wakeBit = 1
		}
		if _, err := d.exec(ctx, tx, `
			UPDATE workflows
			SET error = ?, lease_worker = NULL, lease_ping_ts = NULL,
				wake_immediate = ?, wake_deadline_ts = ?, wake_sub_workflow_id = ?
			WHERE id = ?`,
			errVal, wakeBit, deadline, subID, id.String()); err != nil {
			return err
		}

		if _, err := d.exec(ctx, tx, `
			DELETE FROM workflow_wake_signals WHERE workflow_id = ?`,
			id.String()); err != nil {
			return err
		}
		if !immediate {
			for _, name := range wake.Signals {
				if _, err := d.exec(ctx, tx, `
					INSERT INTO workflow_wake_signals (workflow_id, signal_name)
					VALUES (?, ?)`,
					id.String(), name); err != nil {
					return err
				}
			}
		}

		wakeNow = immediate ||
			(wake.DeadlineTS != nil && *wake.DeadlineTS <= nowMillis())
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

func (d *Database) UpdateWorkflowTags(ctx context.Context, id uuid.UUID, tags api.Tags) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		raw, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		return d.execOne(ctx, tx, `UPDATE workflows SET tags = ? WHERE id = ?`,
			raw, id.String())
	})
}

func (d *Database) UpdateWorkflowState(ctx context.Context, id uuid.UUID, state json.RawMessage) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		return d.execOne(ctx, tx, `UPDATE workflows SET state = ? WHERE id = ?`,
			[]byte(state), id.String())
	})
}

func (d *Database) SilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		return d.execOne(ctx, tx, `
			UPDATE workflows SET silence_ts = ? WHERE id = ?`,
			nowMillis(), id.String())
	})
}

func (d *Database) UnsilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		return d.execOne(ctx, tx, `
			UPDATE workflows SET silence_ts = NULL, wake_immediate = 1
			WHERE id = ? AND output IS NULL`,
			id.String())
	})
	if err != nil {
		return err
	}
	d.notifyWake(ctx)
	return nil
}

// execOne runs a statement that must touch exactly one workflow row.
func (d *Database) execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := d.exec(ctx, tx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrWorkflowNotFound
	}
	return nil
}

func (d *Database) UpdateWorkerPing(ctx context.Context, workerInstanceID uuid.UUID) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := d.exec(ctx, tx, `
			INSERT INTO workers (id, last_ping_ts) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET last_ping_ts = excluded.last_ping_ts`,
			workerInstanceID.String(), nowMillis())
		return err
	})
}

func (d *Database) ClearExpiredLeases(ctx context.Context, workerInstanceID uuid.UUID) (int, error) {
	var reclaimed int
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		reclaimed = 0
		staleBefore := nowMillis() - d.LeaseTTL().Milliseconds()

		rows, err := d.query(ctx, tx, `
			SELECT id FROM workers WHERE last_ping_ts < ? AND id != ?`,
			staleBefore, workerInstanceID.String())
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, workerID := range stale {
			res, err := d.exec(ctx, tx, `
				UPDATE workflows
				SET lease_worker = NULL, lease_ping_ts = NULL, wake_immediate = 1
				WHERE lease_worker = ? AND output IS NULL`,
				workerID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			reclaimed += int(n)
			if _, err := d.exec(ctx, tx, `
				DELETE FROM workers WHERE id = ?`, workerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		d.notifyWake(ctx)
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
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		staleBefore := nowMillis() - d.LeaseTTL().Milliseconds()

		rows, err := d.query(ctx, tx, `
			SELECT w.name,
				w.output IS NOT NULL,
				w.lease_worker IS NOT NULL AND COALESCE(wk.last_ping_ts, COALESCE(w.lease_ping_ts, 0)) >= ?,
				w.wake_immediate = 1
					OR w.wake_deadline_ts IS NOT NULL
					OR w.wake_sub_workflow_id IS NOT NULL
					OR EXISTS (SELECT 1 FROM workflow_wake_signals s WHERE s.workflow_id = w.id),
				COUNT(*)
			FROM workflows w
			LEFT JOIN workers wk ON wk.id = w.lease_worker
			GROUP BY 1, 2, 3, 4`, staleBefore)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				name                      string
				complete, leased, hasWake bool
				count                     int
			)
			if err := rows.Scan(&name, &complete, &leased, &hasWake, &count); err != nil {
				return err
			}
			switch {
			case complete:
				snap.Complete[name] += count
			case leased:
				snap.Running[name] += count
			case hasWake:
				snap.Sleeping[name] += count
			default:
				snap.Dead[name] += count
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		sigRows, err := d.query(ctx, tx, `
			SELECT name, COUNT(*) FROM signals
			WHERE ack_ts IS NULL AND silence_ts IS NULL
			GROUP BY name`)
		if err != nil {
			return err
		}
		defer sigRows.Close()
		for sigRows.Next() {
			var name string
			var count int
			if err := sigRows.Scan(&name, &count); err != nil {
				return err
			}
			snap.PendingSignals[name] = count
		}
		return sigRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
