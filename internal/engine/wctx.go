package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/pubsub"
	"github.com/gasoline-run/gasoline/pkg/api"
)

const (
	// defaultInlineSleepThreshold is the longest sleep a run serves
	// in-process instead of suspending and releasing its lease.
	defaultInlineSleepThreshold = 5 * time.Second

	// defaultActivityMaxRetries bounds an activity's persisted error count
	// before the failure becomes permanent.
	defaultActivityMaxRetries = 8

	// activityBackoffCap caps the exponential activity retry delay.
	activityBackoffCap = 30 * time.Second
)

// WorkflowCtx is the only API surface workflow code touches. Every
// operation resolves against the history cursor first, so a replayed run
// observes recorded results instead of re-executing side effects.
type WorkflowCtx struct {
	ctx      context.Context
	db       db.Database
	bus      *pubsub.PubSub
	registry *Registry
	observer api.Observer
	log      *slog.Logger

	workflowID uuid.UUID
	name       string
	rayID      uuid.UUID
	tags       api.Tags
	input      json.RawMessage

	cursor       *history.Cursor
	version      int
	loopLocation history.Location

	inlineSleepThreshold time.Duration
	activityMaxRetries   int
}

// Context is the run context. It ends when the worker shuts down; blocking
// work inside activities should honor it.
func (c *WorkflowCtx) Context() context.Context { return c.ctx }

func (c *WorkflowCtx) WorkflowID() uuid.UUID { return c.workflowID }
func (c *WorkflowCtx) Name() string          { return c.name }
func (c *WorkflowCtx) RayID() uuid.UUID      { return c.rayID }
func (c *WorkflowCtx) Tags() api.Tags        { return c.tags.Clone() }

// Log returns the run-scoped structured logger.
func (c *WorkflowCtx) Log() *slog.Logger { return c.log }

// checkStop fails the current operation when the worker is shutting down.
// The run is abandoned without a commit; lease expiry hands it to another
// worker.
func (c *WorkflowCtx) checkStop() error {
	if c.ctx.Err() != nil {
		return api.ErrWorkflowStopped
	}
	return nil
}

// child derives a context scoped to the branch rooted at the cursor's
// current location. Events inside the branch carry the parent loop
// location unless the branch itself is a loop.
func (c *WorkflowCtx) child(loopLocation history.Location) *WorkflowCtx {
	cc := *c
	cc.cursor = c.cursor.Child()
	if loopLocation != nil {
		cc.loopLocation = loopLocation
	}
	return &cc
}

// UpdateTags replaces the workflow's tags. The change is immediate and is
// not recorded in history; tags are routing metadata, not workflow state.
func (c *WorkflowCtx) UpdateTags(tags api.Tags) error {
	if err := c.checkStop(); err != nil {
		return err
	}
	if err := c.db.UpdateWorkflowTags(c.ctx, c.workflowID, tags); err != nil {
		return err
	}
	c.tags = tags.Clone()
	return nil
}

// UpdateState stores an opaque progress snapshot for operators. Not part of
// history.
func (c *WorkflowCtx) UpdateState(state any) error {
	if err := c.checkStop(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrSerializeInput, err)
	}
	return c.db.UpdateWorkflowState(c.ctx, c.workflowID, raw)
}

// suspendError aborts the run and parks the workflow on a wake condition.
// It is produced only by workflow context operations and consumed by the
// worker; user code must propagate it like any other error.
type suspendError struct {
	wake   db.WakeCondition
	reason string
}

func (e *suspendError) Error() string {
	return "workflow suspended: " + e.reason
}

// suspended extracts the wake condition from a run error, if the run
// suspended rather than failed. Suspensions survive user-code wrapping.
func suspended(err error) (*suspendError, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// sleepCtx blocks for d or until the run context ends.
func (c *WorkflowCtx) sleepCtx(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return api.ErrWorkflowStopped
	}
}
