package gasoline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/pubsub"
	"github.com/gasoline-run/gasoline/pkg/api"
)

// History dump types, aliased so callers can name them without importing
// internal packages.
type (
	HistoryEvent = history.Event
	Location     = history.Location
)

// defaultWaitInterval paces WaitForOutput polling.
const defaultWaitInterval = 250 * time.Millisecond

// Client is the external entry point for driving workflows: dispatching,
// signalling, reading state and admin operations. It does not run workflows;
// that is the Worker's job.
type Client struct {
	db  Database
	bus *Bus
}

// NewClient builds a client over the shared database. The bus may be nil;
// when set, dispatches and signals also publish wake hints so remote workers
// react without waiting for their poll tick.
func NewClient(database Database, bus *Bus) *Client {
	return &Client{db: database, bus: bus}
}

// DispatchWorkflow starts a new workflow and returns its id. With opts.Unique
// set, an existing incomplete workflow with the same name whose tags contain
// opts.Tags is returned instead of creating a duplicate.
func DispatchWorkflow[I any](c *Client, ctx context.Context, name string, input I, opts DispatchOptions) (uuid.UUID, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch %s: %w: %v", name, api.ErrSerializeInput, err)
	}
	return c.DispatchRaw(ctx, name, body, opts)
}

// DispatchRaw is Dispatch with a pre-serialized input payload.
func (c *Client) DispatchRaw(ctx context.Context, name string, input json.RawMessage, opts DispatchOptions) (uuid.UUID, error) {
	id, err := c.db.DispatchWorkflow(ctx, db.DispatchWorkflowInput{
		RayID:      api.NewRayID(),
		WorkflowID: uuid.New(),
		Name:       name,
		Tags:       opts.Tags,
		Input:      input,
		Unique:     opts.Unique,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.wakeHint(ctx)
	return id, nil
}

// Signal publishes a signal to a specific workflow.
func (c *Client) Signal(ctx context.Context, workflowID uuid.UUID, sig Signal) (uuid.UUID, error) {
	return c.publishSignal(ctx, &workflowID, nil, sig)
}

// SignalTagged publishes a signal to the oldest incomplete workflow whose
// tags contain tags.
func (c *Client) SignalTagged(ctx context.Context, tags Tags, sig Signal) (uuid.UUID, error) {
	return c.publishSignal(ctx, nil, tags, sig)
}

func (c *Client) publishSignal(ctx context.Context, workflowID *uuid.UUID, tags Tags, sig Signal) (uuid.UUID, error) {
	name := sig.SignalName()
	body, err := json.Marshal(sig)
	if err != nil {
		return uuid.Nil, fmt.Errorf("signal %s: %w: %v", name, api.ErrSerializeInput, err)
	}
	sigID := uuid.New()
	rayID := api.NewRayID()
	if err := c.db.PublishSignal(ctx, db.PublishSignalInput{
		RayID:      rayID,
		SignalID:   sigID,
		Name:       name,
		Body:       body,
		WorkflowID: workflowID,
		Tags:       tags,
	}); err != nil {
		return uuid.Nil, err
	}
	if c.bus != nil {
		// Best-effort broadcast for Tail subscribers, then the wake hint.
		_ = c.bus.PublishWait(ctx, pubsub.SignalSubject(name), Envelope{
			RayID: rayID,
			Tags:  tags,
			Body:  body,
		})
		c.wakeHint(ctx)
	}
	return sigID, nil
}

// wakeHint nudges remote workers. Failures are ignored; the poll tick is the
// fallback.
func (c *Client) wakeHint(ctx context.Context) {
	if c.bus == nil {
		return
	}
	_ = c.bus.PublishWait(ctx, pubsub.WakeSubject, Envelope{})
}

// Get fetches a workflow row by id.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*WorkflowRow, error) {
	return c.db.GetWorkflow(ctx, id)
}

// Find resolves a workflow id by name and tag containment.
func (c *Client) Find(ctx context.Context, name string, tags Tags) (*uuid.UUID, error) {
	return c.db.FindWorkflow(ctx, name, tags)
}

// WaitForOutput polls until the workflow completes and returns its raw
// output. It fails fast when the workflow is dead: errored with no wake
// condition and no live lease.
func (c *Client) WaitForOutput(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	ticker := time.NewTicker(defaultWaitInterval)
	defer ticker.Stop()
	for {
		row, err := c.db.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if row.Complete() {
			return row.Output, nil
		}
		if workflowDead(row) {
			return nil, fmt.Errorf("workflow %s dead: %s", id, row.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func workflowDead(row *WorkflowRow) bool {
	return !row.Complete() &&
		row.Error != "" &&
		!row.WakeImmediate &&
		row.WakeDeadlineTS == nil &&
		len(row.WakeSignals) == 0 &&
		row.WakeSubWorkflowID == nil &&
		row.LeaseWorker == nil
}

// WaitForOutput polls until the workflow completes and decodes its output
// into O.
func WaitForOutput[O any](c *Client, ctx context.Context, id uuid.UUID) (O, error) {
	var out O
	raw, err := c.WaitForOutput(ctx, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("workflow %s: %w: %v", id, api.ErrDeserializeOutput, err)
	}
	return out, nil
}

// History returns the workflow's event log flattened in location order, for
// debugging and operator tooling.
func (c *Client) History(ctx context.Context, id uuid.UUID) ([]*HistoryEvent, error) {
	hist, err := c.db.GetWorkflowHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return hist.Flatten(), nil
}

// GetSignal fetches a signal row by id.
func (c *Client) GetSignal(ctx context.Context, id uuid.UUID) (*SignalRow, error) {
	return c.db.GetSignal(ctx, id)
}

// UpdateTags replaces the workflow's tags.
func (c *Client) UpdateTags(ctx context.Context, id uuid.UUID, tags Tags) error {
	return c.db.UpdateWorkflowTags(ctx, id, tags)
}

// Admin operations. Silenced workflows and signals stay stored but are
// skipped by scheduling until unsilenced.

func (c *Client) SilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	return c.db.SilenceWorkflow(ctx, id)
}

func (c *Client) UnsilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	err := c.db.UnsilenceWorkflow(ctx, id)
	if err == nil {
		c.wakeHint(ctx)
	}
	return err
}

func (c *Client) SilenceSignal(ctx context.Context, id uuid.UUID) error {
	return c.db.SilenceSignal(ctx, id)
}

// Metrics returns the database's aggregate workflow and signal counts.
func (c *Client) Metrics(ctx context.Context) (*MetricsSnapshot, error) {
	return c.db.PublishMetrics(ctx)
}

// IsNotFound reports whether err is a workflow or signal lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, api.ErrWorkflowNotFound) || errors.Is(err, api.ErrSignalNotFound)
}
