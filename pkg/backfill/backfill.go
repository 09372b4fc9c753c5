// Package backfill imports legacy workflow instances into the SQL backend by
// writing synthetic history. It is a one-shot migration tool, not a runtime
// component: the builder offers the same step vocabulary as a running
// workflow but writes rows directly into a caller-provided transaction,
// mirroring the location bookkeeping the replay cursor would perform.
//
// A backfilled workflow left incomplete is marked for immediate wake, so the
// engine resumes it at the first step past the imported history.
package backfill

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/pkg/api"
)

// Dialect selects placeholder style for the target database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Backfill writes workflows into tx. The caller owns the transaction and
// decides when to commit; a failed builder should be rolled back.
type Backfill struct {
	tx      *sql.Tx
	dialect Dialect
}

// New wraps a transaction on a database that already carries the engine
// schema.
func New(tx *sql.Tx, dialect Dialect) *Backfill {
	return &Backfill{tx: tx, dialect: dialect}
}

// Workflow imports one workflow instance. fn receives a builder positioned
// at the history root; every op it performs appends the event the engine
// would have recorded at that location. The workflow row is written after fn
// returns.
func (b *Backfill) Workflow(name string, fn func(w *Workflow) error) (uuid.UUID, error) {
	w := &Workflow{
		bf:       b,
		id:       uuid.New(),
		rayID:    api.NewRayID(),
		name:     name,
		tags:     api.Tags{},
		input:    json.RawMessage("null"),
		createTS: time.Now().UnixMilli(),
		version:  1,
	}
	if err := fn(w); err != nil {
		return uuid.Nil, err
	}
	if err := w.insertRow(); err != nil {
		return uuid.Nil, err
	}
	return w.id, nil
}

// Workflow builds one imported instance. Steps append history events in
// order, exactly as a run would; Branch and Loop recurse into child scopes
// with the same location rules the cursor uses.
type Workflow struct {
	bf *Backfill

	// root is nil on the top-level builder. Child scopes keep a pointer
	// back so row-level fields, like a parked sleep's wake deadline, land
	// on the workflow row and not on a discarded child.
	root *Workflow

	id       uuid.UUID
	rayID    uuid.UUID
	name     string
	tags     api.Tags
	input    json.RawMessage
	state    json.RawMessage
	output   json.RawMessage
	createTS int64
	version  int

	wakeDeadlineTS *int64

	base    history.Location
	idx     uint32
	loopLoc history.Location
}

// Identity and payload setters. Call before appending steps.

func (w *Workflow) SetID(id uuid.UUID) *Workflow    { w.id = id; return w }
func (w *Workflow) SetRayID(id uuid.UUID) *Workflow { w.rayID = id; return w }
func (w *Workflow) SetTags(tags api.Tags) *Workflow { w.tags = tags; return w }
func (w *Workflow) SetCreateTS(ts int64) *Workflow  { w.createTS = ts; return w }

// SetInput records the workflow input payload.
func (w *Workflow) SetInput(input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("backfill: marshal input: %w", err)
	}
	w.input = raw
	return nil
}

// SetState records the auxiliary state blob.
func (w *Workflow) SetState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("backfill: marshal state: %w", err)
	}
	w.state = raw
	return nil
}

// Complete marks the workflow terminal with the given output. Incomplete
// workflows are instead marked for immediate wake so the engine resumes
// them.
func (w *Workflow) Complete(output any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("backfill: marshal output: %w", err)
	}
	w.output = raw
	return nil
}

func (w *Workflow) current() history.Location {
	return w.base.Child(w.idx)
}

func (w *Workflow) advance() {
	w.idx++
}

// Activity appends a completed activity with its memoized output.
func (w *Workflow) Activity(name string, input, output any) error {
	in, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("backfill: activity %s input: %w", name, err)
	}
	out, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("backfill: activity %s output: %w", name, err)
	}
	hash, err := history.HashInput(in)
	if err != nil {
		return fmt.Errorf("backfill: activity %s: %w", name, err)
	}
	err = w.exec(`
		INSERT INTO workflow_activity_events
			(workflow_id, location, version, create_ts, loop_location, name, input_hash, input, output, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		name, int64(hash), []byte(in), []byte(out))
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

// FailedActivity appends an activity mid-retry: no output yet, the last
// error message and the persisted attempt count. The engine continues the
// retry sequence from errorCount.
func (w *Workflow) FailedActivity(name string, input any, lastError string, errorCount int) error {
	in, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("backfill: activity %s input: %w", name, err)
	}
	hash, err := history.HashInput(in)
	if err != nil {
		return fmt.Errorf("backfill: activity %s: %w", name, err)
	}
	err = w.exec(`
		INSERT INTO workflow_activity_events
			(workflow_id, location, version, create_ts, loop_location, name, input_hash, input, error, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		name, int64(hash), []byte(in), lastError, errorCount)
	if err != nil {
		return err
	}
	// The engine retries a failed activity at the same location, so the
	// cursor does not move past it.
	return nil
}

// ReceivedSignal appends a consumed signal.
func (w *Workflow) ReceivedSignal(signalID uuid.UUID, name string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backfill: signal %s body: %w", name, err)
	}
	err = w.exec(`
		INSERT INTO workflow_signal_events
			(workflow_id, location, version, create_ts, loop_location, signal_id, name, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		signalID.String(), name, []byte(raw))
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

// SentSignal appends a published signal so replay does not publish again.
func (w *Workflow) SentSignal(signalID uuid.UUID, name string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backfill: signal %s body: %w", name, err)
	}
	err = w.exec(`
		INSERT INTO workflow_signal_send_events
			(workflow_id, location, version, create_ts, loop_location, signal_id, name, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		signalID.String(), name, []byte(raw))
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

// SentMessage appends a published message.
func (w *Workflow) SentMessage(name string, tags api.Tags, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backfill: message %s body: %w", name, err)
	}
	tagsRaw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("backfill: message %s tags: %w", name, err)
	}
	err = w.exec(`
		INSERT INTO workflow_message_send_events
			(workflow_id, location, version, create_ts, loop_location, name, tags, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		name, []byte(tagsRaw), []byte(raw))
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

// SubWorkflow appends a dispatched sub-workflow reference. The referenced
// workflow must be imported (or dispatched) separately under subID.
func (w *Workflow) SubWorkflow(subID uuid.UUID, name string) error {
	err := w.exec(`
		INSERT INTO workflow_sub_workflow_events
			(workflow_id, location, version, create_ts, loop_location, sub_workflow_id, name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		subID.String(), name)
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

// Slept appends a sleep that already elapsed.
func (w *Workflow) Slept(deadlineTS int64) error {
	return w.sleep(deadlineTS, history.SleepSlept, false)
}

// Sleeping appends a pending sleep and parks the workflow on its deadline
// instead of waking it immediately.
func (w *Workflow) Sleeping(deadlineTS int64) error {
	return w.sleep(deadlineTS, history.SleepScheduled, true)
}

func (w *Workflow) sleep(deadlineTS int64, state history.SleepState, park bool) error {
	err := w.exec(`
		INSERT INTO workflow_sleep_events
			(workflow_id, location, version, create_ts, loop_location, deadline_ts, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		deadlineTS, int(state))
	if err != nil {
		return err
	}
	if park {
		w.rootW().wakeDeadlineTS = &deadlineTS
		// The run resumes at this sleep, so the cursor stays on it.
		return nil
	}
	w.advance()
	return nil
}

// Branch appends a branch scope and runs fn against a child builder rooted
// at it.
func (w *Workflow) Branch(fn func(w *Workflow) error) error {
	loc := w.current()
	err := w.exec(`
		INSERT INTO workflow_branch_events
			(workflow_id, location, version, create_ts, loop_location)
		VALUES (?, ?, ?, ?, ?)`,
		w.id.String(), loc.Encode(), w.version, w.createTS, w.encodedLoopLoc())
	if err != nil {
		return err
	}
	child := w.child(loc, w.loopLoc)
	if err := fn(child); err != nil {
		return err
	}
	w.advance()
	return nil
}

// Loop appends an in-flight loop at the given iteration with its carried
// state, then runs fn to import the current iteration's partial body. The
// engine only keeps the current iteration's events, so fn should describe
// just that.
func (w *Workflow) Loop(iteration int, state any, fn func(w *Workflow) error) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("backfill: loop state: %w", err)
	}
	loc := w.current()
	err = w.exec(`
		INSERT INTO workflow_loop_events
			(workflow_id, location, version, create_ts, loop_location, iteration, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), loc.Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		iteration, []byte(raw))
	if err != nil {
		return err
	}
	if fn != nil {
		child := w.child(loc, loc)
		if err := fn(child); err != nil {
			return err
		}
	}
	// The run resumes inside the loop; the cursor stays on it.
	return nil
}

// CompletedLoop appends a finished loop with its output.
func (w *Workflow) CompletedLoop(iteration int, output any) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("backfill: loop output: %w", err)
	}
	err = w.exec(`
		INSERT INTO workflow_loop_events
			(workflow_id, location, version, create_ts, loop_location, iteration, output)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), w.version, w.createTS, w.encodedLoopLoc(),
		iteration, []byte(raw))
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

// VersionCheck appends a version pin; later steps carry the new version.
func (w *Workflow) VersionCheck(version int) error {
	if version < 1 {
		return fmt.Errorf("backfill: version must be >= 1, got %d", version)
	}
	err := w.exec(`
		INSERT INTO workflow_version_check_events
			(workflow_id, location, version, create_ts, loop_location)
		VALUES (?, ?, ?, ?, ?)`,
		w.id.String(), w.current().Encode(), version, w.createTS, w.encodedLoopLoc())
	if err != nil {
		return err
	}
	w.advance()
	w.version = version
	return nil
}

// Removed appends a tombstone for a step that no longer exists in code.
func (w *Workflow) Removed() error {
	err := w.exec(`
		INSERT INTO workflow_removed_events
			(workflow_id, location, version, create_ts, loop_location)
		VALUES (?, ?, 0, ?, ?)`,
		w.id.String(), w.current().Encode(), w.createTS, w.encodedLoopLoc())
	if err != nil {
		return err
	}
	w.advance()
	return nil
}

func (w *Workflow) rootW() *Workflow {
	if w.root != nil {
		return w.root
	}
	return w
}

func (w *Workflow) child(base, loopLoc history.Location) *Workflow {
	return &Workflow{
		bf:       w.bf,
		root:     w.rootW(),
		id:       w.id,
		rayID:    w.rayID,
		name:     w.name,
		createTS: w.createTS,
		version:  w.version,
		base:     base,
		loopLoc:  loopLoc,
	}
}

func (w *Workflow) encodedLoopLoc() []byte {
	if w.loopLoc == nil {
		return nil
	}
	return w.loopLoc.Encode()
}

func (w *Workflow) insertRow() error {
	tagsRaw, err := json.Marshal(w.tags)
	if err != nil {
		return fmt.Errorf("backfill: marshal tags: %w", err)
	}
	wakeImmediate := 0
	if w.output == nil && w.wakeDeadlineTS == nil {
		wakeImmediate = 1
	}
	return w.exec(`
		INSERT INTO workflows
			(id, name, tags, input, output, state, ray_id, create_ts, wake_immediate, wake_deadline_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.id.String(), w.name, []byte(tagsRaw), []byte(w.input), nullBytes(w.output), nullBytes(w.state),
		w.rayID.String(), w.createTS, wakeImmediate, w.wakeDeadlineTS)
}

func nullBytes(b json.RawMessage) any {
	if b == nil {
		return nil
	}
	return []byte(b)
}

func (w *Workflow) exec(query string, args ...any) error {
	if _, err := w.bf.tx.Exec(w.bf.rebind(query), args...); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (b *Backfill) rebind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
