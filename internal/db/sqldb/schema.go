package sqldb

import "strings"

// One schema, written in SQLite syntax; blobToBytea rewrites the column
// type for PostgreSQL. History is split into one table per event kind so
// each kind's payload stays relational instead of an opaque blob.
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tags BLOB NOT NULL,
	input BLOB NOT NULL,
	output BLOB,
	state BLOB,
	error TEXT,
	ray_id TEXT NOT NULL,
	create_ts INTEGER NOT NULL,
	silence_ts INTEGER,
	wake_immediate INTEGER NOT NULL DEFAULT 0,
	wake_deadline_ts INTEGER,
	wake_sub_workflow_id TEXT,
	lease_worker TEXT,
	lease_ping_ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_workflows_pending
	ON workflows (name, wake_immediate) WHERE output IS NULL;
CREATE INDEX IF NOT EXISTS idx_workflows_wake_deadline
	ON workflows (wake_deadline_ts) WHERE wake_deadline_ts IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_workflows_wake_sub_workflow
	ON workflows (wake_sub_workflow_id) WHERE wake_sub_workflow_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS workflow_wake_signals (
	workflow_id TEXT NOT NULL,
	signal_name TEXT NOT NULL,
	PRIMARY KEY (workflow_id, signal_name)
);

CREATE TABLE IF NOT EXISTS workflow_activity_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	name TEXT NOT NULL,
	input_hash INTEGER NOT NULL,
	input BLOB NOT NULL,
	output BLOB,
	error TEXT,
	error_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_signal_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	signal_id TEXT NOT NULL,
	name TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_signal_send_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	signal_id TEXT NOT NULL,
	name TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_message_send_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	name TEXT NOT NULL,
	tags BLOB NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_sub_workflow_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	sub_workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_loop_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	iteration INTEGER NOT NULL,
	state BLOB,
	output BLOB,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_sleep_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	deadline_ts INTEGER NOT NULL,
	state INTEGER NOT NULL,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_branch_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_removed_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS workflow_version_check_events (
	workflow_id TEXT NOT NULL,
	location BLOB NOT NULL,
	version INTEGER NOT NULL,
	create_ts INTEGER NOT NULL,
	loop_location BLOB,
	PRIMARY KEY (workflow_id, location)
);

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL,
	body BLOB NOT NULL,
	ray_id TEXT NOT NULL,
	create_ts INTEGER NOT NULL,
	ack_ts INTEGER,
	silence_ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_signals_pending
	ON signals (workflow_id, name, create_ts) WHERE ack_ts IS NULL;

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	last_ping_ts INTEGER NOT NULL
);
`

func (d *Database) initSchema() error {
	ddl := schema
	if d.dialect == DialectPostgres {
		ddl = strings.ReplaceAll(ddl, "BLOB", "BYTEA")
	}
	_, err := d.db.Exec(ddl)
	return err
}

// eventTables lists the per-kind history tables for whole-history reads and
// loop-body wipes, in the order they are scanned.
var eventTables = []string{
	"workflow_activity_events",
	"workflow_signal_events",
	"workflow_signal_send_events",
	"workflow_message_send_events",
	"workflow_sub_workflow_events",
	"workflow_loop_events",
	"workflow_sleep_events",
	"workflow_branch_events",
	"workflow_removed_events",
	"workflow_version_check_events",
}
