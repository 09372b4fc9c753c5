// Package db defines the persistence contract shared by the ordered-KV and
// SQL backends. The worker, workflow context and engine depend only on the
// Database interface; tests run one property suite against every
// implementation.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/pkg/api"
)

var (
	// ErrLocationConflict is returned when a history event already exists at
	// the exact location being appended with a different payload. An
	// identical payload is treated as an idempotent replay of the same
	// commit and succeeds.
	ErrLocationConflict = errors.New("history location conflict")

	// ErrActivityTerminal is returned when an error is committed against an
	// activity event whose output is already set.
	ErrActivityTerminal = errors.New("activity event already has output")

	// ErrDuplicateDispatch is returned by unique dispatch when no tags were
	// provided to match against.
	ErrDuplicateDispatch = errors.New("unique dispatch requires tags")
)

// WorkflowRow is the stored representation of a workflow.
type WorkflowRow struct {
	WorkflowID uuid.UUID
	Name       string
	CreateTS   int64
	RayID      uuid.UUID
	Tags       api.Tags
	Input      json.RawMessage
	State      json.RawMessage

	// Output is nil until the workflow completes; once set it never changes
	// and the workflow is terminal.
	Output json.RawMessage

	WakeImmediate     bool
	WakeDeadlineTS    *int64
	WakeSignals       []string
	WakeSubWorkflowID *uuid.UUID

	// Error holds the last failed run's message, if any.
	Error string

	LeaseWorker *uuid.UUID
	LeasePingTS *int64
	SilenceTS   *int64
}

// Complete reports whether the workflow has terminal output.
func (w *WorkflowRow) Complete() bool { return w.Output != nil }

// SignalRow is the stored representation of a pending or consumed signal.
type SignalRow struct {
	SignalID   uuid.UUID
	WorkflowID uuid.UUID
	Name       string
	Body       json.RawMessage
	CreateTS   int64
	RayID      uuid.UUID
	AckTS      *int64
	SilenceTS  *int64
}

// PulledWorkflow is a leased workflow together with its loaded history.
type PulledWorkflow struct {
	WorkflowRow
	History history.History
}

// WakeCondition describes when a suspended workflow becomes runnable again.
// The zero value never wakes (used for fatal errors).
type WakeCondition struct {
	Immediate     bool
	DeadlineTS    *int64
	Signals       []string
	SubWorkflowID *uuid.UUID
}

// DispatchWorkflowInput starts a new workflow. When FromWorkflowID is set,
// the dispatch also commits a SubWorkflow history event at Location in the
// parent, atomically with the new workflow row.
type DispatchWorkflowInput struct {
	RayID      uuid.UUID
	WorkflowID uuid.UUID
	Name       string
	Tags       api.Tags
	Input      json.RawMessage

	// Unique returns an existing incomplete workflow with the same name
	// whose tags contain Tags, instead of creating a duplicate.
	Unique bool

	// Parent linkage, set only for sub-workflow dispatch.
	FromWorkflowID *uuid.UUID
	Location       history.Location
	Version        int
	LoopLocation   history.Location
}

// PublishSignalInput publishes a signal to a specific workflow or, when
// WorkflowID is nil, to the unique workflow matched by Tags. When
// FromWorkflowID is set, a SignalSend history event is committed atomically.
type PublishSignalInput struct {
	RayID    uuid.UUID
	SignalID uuid.UUID
	Name     string
	Body     json.RawMessage

	WorkflowID *uuid.UUID
	Tags       api.Tags

	FromWorkflowID *uuid.UUID
	Location       history.Location
	Version        int
	LoopLocation   history.Location
}

// PullNextSignalInput consumes the oldest pending signal matching one of
// Names for the workflow, committing the Signal history event at Location in
// the same transaction that acks the signal.
type PullNextSignalInput struct {
	WorkflowID   uuid.UUID
	Names        []string
	Location     history.Location
	Version      int
	LoopLocation history.Location
}

// CommitActivityEventInput records one activity attempt. Exactly one of
// Output and Error is meaningful: Output set commits the terminal success;
// Error set increments the persisted error count.
type CommitActivityEventInput struct {
	WorkflowID   uuid.UUID
	Location     history.Location
	Version      int
	LoopLocation history.Location

	Name      string
	InputHash uint64
	Input     json.RawMessage
	Output    json.RawMessage
	Error     string
}

// UpsertLoopEventInput overwrites the loop event at Location and, in the
// same transaction, forgets every event whose recorded loop location equals
// Location. Output set marks the loop complete.
type UpsertLoopEventInput struct {
	WorkflowID   uuid.UUID
	Location     history.Location
	Version      int
	LoopLocation history.Location

	Iteration int
	State     json.RawMessage
	Output    json.RawMessage
}

// CommitSleepEventInput records a sleep site with its absolute deadline.
type CommitSleepEventInput struct {
	WorkflowID   uuid.UUID
	Location     history.Location
	Version      int
	LoopLocation history.Location

	DeadlineTS int64
}

// CommitMessageSendEventInput records a message published to the bus.
type CommitMessageSendEventInput struct {
	WorkflowID   uuid.UUID
	Location     history.Location
	Version      int
	LoopLocation history.Location

	Name string
	Tags api.Tags
	Body json.RawMessage
}

// MetricsSnapshot is the aggregate state published by PublishMetrics.
// Counts are keyed by workflow name.
type MetricsSnapshot struct {
	// Complete workflows (output set).
	Complete map[string]int
	// Running workflows (live lease held).
	Running map[string]int
	// Sleeping workflows (incomplete, no lease, some wake condition).
	Sleeping map[string]int
	// Dead workflows (incomplete, error set, no wake condition).
	Dead map[string]int
	// PendingSignals counts unacked signals by signal name.
	PendingSignals map[string]int
}

// Database is the pluggable persistence backend: workflow, signal, history
// and worker operations. Implementations guarantee that every method is one
// atomic transaction; partial effects are never visible to peers.
type Database interface {
	// Workflow ops.
	DispatchWorkflow(ctx context.Context, in DispatchWorkflowInput) (uuid.UUID, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowRow, error)
	GetWorkflows(ctx context.Context, ids []uuid.UUID) ([]*WorkflowRow, error)
	FindWorkflow(ctx context.Context, name string, tags api.Tags) (*uuid.UUID, error)

	// PullWorkflows atomically leases every runnable workflow whose name is
	// registered with this worker and returns them with loaded history.
	// Pulling clears the stored wake conditions; a run re-establishes them
	// on commit.
	PullWorkflows(ctx context.Context, workerInstanceID uuid.UUID, names []string) ([]*PulledWorkflow, error)

	// CompleteWorkflow sets the immutable output, releases the lease and
	// wakes any parent waiting on this workflow as a sub-workflow.
	CompleteWorkflow(ctx context.Context, id uuid.UUID, output json.RawMessage) error

	// CommitWorkflow releases the lease and stores the wake condition and
	// last error for a suspended or failed run.
	CommitWorkflow(ctx context.Context, id uuid.UUID, wake WakeCondition, wfErr string) error

	UpdateWorkflowTags(ctx context.Context, id uuid.UUID, tags api.Tags) error
	UpdateWorkflowState(ctx context.Context, id uuid.UUID, state json.RawMessage) error

	// Admin ops: silenced entities are unschedulable until cleared.
	SilenceWorkflow(ctx context.Context, id uuid.UUID) error
	UnsilenceWorkflow(ctx context.Context, id uuid.UUID) error
	SilenceSignal(ctx context.Context, id uuid.UUID) error

	// Signal ops.
	PublishSignal(ctx context.Context, in PublishSignalInput) error
	PullNextSignal(ctx context.Context, in PullNextSignalInput) (*SignalRow, error)
	GetSignal(ctx context.Context, id uuid.UUID) (*SignalRow, error)

	// History ops.
	GetWorkflowHistory(ctx context.Context, id uuid.UUID) (history.History, error)
	CommitActivityEvent(ctx context.Context, in CommitActivityEventInput) error
	CommitMessageSendEvent(ctx context.Context, in CommitMessageSendEventInput) error
	UpsertLoopEvent(ctx context.Context, in UpsertLoopEventInput) error
	CommitSleepEvent(ctx context.Context, in CommitSleepEventInput) error
	UpdateSleepEventState(ctx context.Context, id uuid.UUID, location history.Location, state history.SleepState) error
	CommitBranchEvent(ctx context.Context, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error
	CommitRemovedEvent(ctx context.Context, id uuid.UUID, location history.Location, loopLocation history.Location) error
	CommitVersionCheckEvent(ctx context.Context, id uuid.UUID, location history.Location, version int, loopLocation history.Location) error

	// Worker ops.
	UpdateWorkerPing(ctx context.Context, workerInstanceID uuid.UUID) error

	// ClearExpiredLeases releases leases whose holder's last ping is older
	// than the lease TTL and marks the workflows for immediate wake. It
	// returns the number of reclaimed leases.
	ClearExpiredLeases(ctx context.Context, workerInstanceID uuid.UUID) (int, error)

	PublishMetrics(ctx context.Context) (*MetricsSnapshot, error)

	// WakeSub returns a stream that receives a hint whenever a write makes
	// some workflow runnable. Hints are advisory; the pull loop also ticks
	// on WorkerPollInterval as a fallback.
	WakeSub(ctx context.Context) (<-chan struct{}, error)

	WorkerPollInterval() time.Duration
	LeaseTTL() time.Duration
}

// Defaults shared by backends; the KV and SQL backends override the poll
// interval per their options.
const (
	DefaultKVPollInterval  = 90 * time.Second
	DefaultSQLPollInterval = 120 * time.Second

	SignalPollInterval      = 500 * time.Millisecond
	MaxSignalPollRetries    = 4
	SubWorkflowPollInterval = 500 * time.Millisecond
	MaxSubWorkflowRetries   = 4

	DefaultPingInterval = 20 * time.Second
	DefaultLeaseTTL     = 3 * DefaultPingInterval
)
