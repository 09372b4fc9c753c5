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

func (c *WorkflowCtx) divergedf(format string, args ...any) error {
	return &api.HistoryDivergedError{
		WorkflowID: c.workflowID,
		Location:   c.cursor.Current().String(),
		Message:    fmt.Sprintf(format, args...),
	}
}

// Activity runs a side effect exactly once per location. Identity is
// (name, hash of canonical input); replay returns the recorded output
// without executing fn. Failures persist an error count and retry with
// exponential backoff across suspensions; once the budget is spent the
// failure is permanent and surfaces as an ActivityError.
func Activity[I, O any](c *WorkflowCtx, name string, input I, fn func(ctx *ActivityCtx, input I) (O, error)) (O, error) {
	var zero O
	if err := c.checkStop(); err != nil {
		return zero, err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("activity %s: %w: %v", name, api.ErrSerializeInput, err)
	}
	hash, err := history.HashInput(raw)
	if err != nil {
		return zero, fmt.Errorf("activity %s: %w: %v", name, api.ErrSerializeInput, err)
	}

	errorCount := 0
	ev, err := c.cursor.Take(history.KindActivity, c.version)
	if err != nil {
		return zero, err
	}
	if ev != nil {
		if ev.Activity.Name != name {
			return zero, c.divergedf("expected activity %q, history recorded %q", name, ev.Activity.Name)
		}
		if ev.Activity.InputHash != hash {
			return zero, c.divergedf("activity %q input hash changed", name)
		}
		if ev.Activity.Output != nil {
			var out O
			if err := json.Unmarshal(ev.Activity.Output, &out); err != nil {
				return zero, fmt.Errorf("activity %s: %w: %v", name, api.ErrDeserializeOutput, err)
			}
			c.cursor.Advance()
			return out, nil
		}
		if ev.Activity.ErrorCount >= c.activityMaxRetries {
			return zero, &api.ActivityError{
				Name:       name,
				ErrorCount: ev.Activity.ErrorCount,
				Cause:      errors.New(ev.Activity.LastError),
			}
		}
		errorCount = ev.Activity.ErrorCount
	}

	actx := &ActivityCtx{ctx: c.ctx, workflowID: c.workflowID, log: c.log, attempt: errorCount}
	c.observer.OnActivityStart(c.ctx, c.workflowID, name)
	start := time.Now()
	out, runErr := fn(actx, input)
	c.observer.OnActivityCompleted(c.ctx, c.workflowID, name, runErr, time.Since(start))

	if runErr == nil {
		encoded, err := json.Marshal(out)
		if err != nil {
			return zero, fmt.Errorf("activity %s: %w: %v", name, api.ErrSerializeInput, err)
		}
		if err := c.db.CommitActivityEvent(c.ctx, db.CommitActivityEventInput{
			WorkflowID:   c.workflowID,
			Location:     c.cursor.Current(),
			Version:      c.version,
			LoopLocation: c.loopLocation,
			Name:         name,
			InputHash:    hash,
			Input:        raw,
			Output:       encoded,
		}); err != nil {
			return zero, err
		}
		c.cursor.Advance()
		return out, nil
	}

	if errors.Is(runErr, api.ErrWorkflowStopped) {
		return zero, runErr
	}

	if err := c.db.CommitActivityEvent(c.ctx, db.CommitActivityEventInput{
		WorkflowID:   c.workflowID,
		Location:     c.cursor.Current(),
		Version:      c.version,
		LoopLocation: c.loopLocation,
		Name:         name,
		InputHash:    hash,
		Input:        raw,
		Error:        runErr.Error(),
	}); err != nil {
		return zero, err
	}

	errorCount++
	if errorCount >= c.activityMaxRetries {
		return zero, &api.ActivityError{Name: name, ErrorCount: errorCount, Cause: runErr}
	}

	// Park until the backoff elapses; the next run replays up to this
	// location and executes the attempt with the persisted error count.
	deadline := nowMillis() + activityBackoff(errorCount).Milliseconds()
	return zero, &suspendError{
		wake:   db.WakeCondition{DeadlineTS: &deadline},
		reason: fmt.Sprintf("activity %s retry %d", name, errorCount),
	}
}

// activityBackoff is the delay before retry n (1-based): 1s, 2s, 4s, ...
// capped at 30s.
func activityBackoff(n int) time.Duration {
	d := time.Second
	for i := 1; i < n && d < activityBackoffCap; i++ {
		d *= 2
	}
	if d > activityBackoffCap {
		d = activityBackoffCap
	}
	return d
}

// ActivityCtx is what an activity body gets: a plain context plus run
// metadata. No workflow operations are reachable from inside an activity.
type ActivityCtx struct {
	ctx        context.Context
	workflowID uuid.UUID
	log        *slog.Logger
	attempt    int
}

func (a *ActivityCtx) Context() context.Context { return a.ctx }
func (a *ActivityCtx) WorkflowID() uuid.UUID    { return a.workflowID }
func (a *ActivityCtx) Log() *slog.Logger        { return a.log }

// Attempt is the zero-based retry attempt of this execution.
func (a *ActivityCtx) Attempt() int { return a.attempt }

// DispatchOptions tune sub-workflow dispatch.
type DispatchOptions struct {
	Tags api.Tags
	// Unique resolves to an existing incomplete workflow with matching tags
	// instead of creating a duplicate.
	Unique bool
}

// Dispatch starts a sub-workflow without awaiting it. The recorded event
// pins the child's id, so replay returns the same id.
func Dispatch[I any](c *WorkflowCtx, name string, input I, opts DispatchOptions) (uuid.UUID, error) {
	if err := c.checkStop(); err != nil {
		return uuid.Nil, err
	}

	ev, err := c.cursor.Take(history.KindSubWorkflow, c.version)
	if err != nil {
		return uuid.Nil, err
	}
	if ev != nil {
		if ev.SubWorkflow.Name != name {
			return uuid.Nil, c.divergedf("expected sub workflow %q, history recorded %q", name, ev.SubWorkflow.Name)
		}
		c.cursor.Advance()
		return ev.SubWorkflow.SubWorkflowID, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch %s: %w: %v", name, api.ErrSerializeInput, err)
	}
	id, err := c.db.DispatchWorkflow(c.ctx, db.DispatchWorkflowInput{
		RayID:          c.rayID,
		WorkflowID:     uuid.New(),
		Name:           name,
		Tags:           opts.Tags,
		Input:          raw,
		Unique:         opts.Unique,
		FromWorkflowID: &c.workflowID,
		Location:       c.cursor.Current(),
		Version:        c.version,
		LoopLocation:   c.loopLocation,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.cursor.Advance()
	return id, nil
}

// SubWorkflow dispatches a child workflow and awaits its output. The wait
// polls briefly, then suspends on the child's completion.
func SubWorkflow[I, O any](c *WorkflowCtx, name string, input I, opts DispatchOptions) (O, error) {
	var zero O
	id, err := Dispatch(c, name, input, opts)
	if err != nil {
		return zero, err
	}

	for attempt := 0; ; attempt++ {
		if err := c.checkStop(); err != nil {
			return zero, err
		}
		row, err := c.db.GetWorkflow(c.ctx, id)
		if err != nil {
			return zero, err
		}
		if row.Complete() {
			var out O
			if err := json.Unmarshal(row.Output, &out); err != nil {
				return zero, fmt.Errorf("sub workflow %s: %w: %v", name, api.ErrDeserializeOutput, err)
			}
			return out, nil
		}
		if workflowDead(row) {
			return zero, fmt.Errorf("sub workflow %s: %w: %s", name, api.ErrSubWorkflowIncomplete, row.Error)
		}
		if attempt >= db.MaxSubWorkflowRetries {
			return zero, &suspendError{
				wake:   db.WakeCondition{SubWorkflowID: &id},
				reason: fmt.Sprintf("await sub workflow %s", name),
			}
		}
		if err := c.sleepCtx(db.SubWorkflowPollInterval); err != nil {
			return zero, err
		}
	}
}

// workflowDead reports a workflow that failed permanently: incomplete, an
// error recorded, and nothing left to wake it.
func workflowDead(row *db.WorkflowRow) bool {
	return !row.Complete() && row.Error != "" &&
		!row.WakeImmediate && row.WakeDeadlineTS == nil &&
		len(row.WakeSignals) == 0 && row.WakeSubWorkflowID == nil &&
		row.LeaseWorker == nil
}

// Listen awaits one signal of type T.
func Listen[T api.Signal](c *WorkflowCtx) (T, error) {
	var zero T
	env, err := ListenAny(c, zero.SignalName())
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(env.Body, &out); err != nil {
		return zero, fmt.Errorf("signal %s: %w: %v", zero.SignalName(), api.ErrDeserializeOutput, err)
	}
	return out, nil
}

// ListenAny awaits the first pending signal matching any of the names,
// oldest first. If none arrives within the poll budget the run suspends on
// the signal set.
func ListenAny(c *WorkflowCtx, names ...string) (api.SignalEnvelope, error) {
	if err := c.checkStop(); err != nil {
		return api.SignalEnvelope{}, err
	}
	if len(names) == 0 {
		return api.SignalEnvelope{}, fmt.Errorf("engine: listen requires at least one signal name")
	}

	ev, err := c.cursor.Take(history.KindSignal, c.version)
	if err != nil {
		return api.SignalEnvelope{}, err
	}
	if ev != nil {
		if !nameIn(ev.Signal.Name, names) {
			return api.SignalEnvelope{}, c.divergedf("expected signal in %v, history recorded %q", names, ev.Signal.Name)
		}
		c.cursor.Advance()
		return api.SignalEnvelope{
			SignalID: ev.Signal.SignalID,
			Name:     ev.Signal.Name,
			Body:     ev.Signal.Body,
		}, nil
	}

	for attempt := 0; ; attempt++ {
		row, err := c.db.PullNextSignal(c.ctx, db.PullNextSignalInput{
			WorkflowID:   c.workflowID,
			Names:        names,
			Location:     c.cursor.Current(),
			Version:      c.version,
			LoopLocation: c.loopLocation,
		})
		if err == nil {
			c.cursor.Advance()
			return api.SignalEnvelope{
				SignalID: row.SignalID,
				Name:     row.Name,
				Body:     row.Body,
			}, nil
		}
		if !errors.Is(err, api.ErrSignalNotFound) {
			return api.SignalEnvelope{}, err
		}
		if attempt >= db.MaxSignalPollRetries {
			return api.SignalEnvelope{}, &suspendError{
				wake:   db.WakeCondition{Signals: names},
				reason: fmt.Sprintf("await signals %v", names),
			}
		}
		if err := c.sleepCtx(db.SignalPollInterval); err != nil {
			return api.SignalEnvelope{}, err
		}
	}
}

func nameIn(name string, names []string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// SendSignal publishes a signal to a specific workflow. The recorded event
// pins the signal id so replay does not publish twice.
func SendSignal(c *WorkflowCtx, workflowID uuid.UUID, sig api.Signal) (uuid.UUID, error) {
	return sendSignal(c, &workflowID, nil, sig)
}

// SendTaggedSignal publishes a signal to the workflow matched by tags.
func SendTaggedSignal(c *WorkflowCtx, tags api.Tags, sig api.Signal) (uuid.UUID, error) {
	return sendSignal(c, nil, tags, sig)
}

func sendSignal(c *WorkflowCtx, workflowID *uuid.UUID, tags api.Tags, sig api.Signal) (uuid.UUID, error) {
	if err := c.checkStop(); err != nil {
		return uuid.Nil, err
	}

	name := sig.SignalName()
	ev, err := c.cursor.Take(history.KindSignalSend, c.version)
	if err != nil {
		return uuid.Nil, err
	}
	if ev != nil {
		if ev.SignalSend.Name != name {
			return uuid.Nil, c.divergedf("expected signal send %q, history recorded %q", name, ev.SignalSend.Name)
		}
		c.cursor.Advance()
		return ev.SignalSend.SignalID, nil
	}

	body, err := json.Marshal(sig)
	if err != nil {
		return uuid.Nil, fmt.Errorf("signal %s: %w: %v", name, api.ErrSerializeInput, err)
	}
	sigID := uuid.New()
	if err := c.db.PublishSignal(c.ctx, db.PublishSignalInput{
		RayID:          c.rayID,
		SignalID:       sigID,
		Name:           name,
		Body:           body,
		WorkflowID:     workflowID,
		Tags:           tags,
		FromWorkflowID: &c.workflowID,
		Location:       c.cursor.Current(),
		Version:        c.version,
		LoopLocation:   c.loopLocation,
	}); err != nil {
		return uuid.Nil, err
	}
	c.cursor.Advance()
	return sigID, nil
}

// PublishMessage commits a MessageSend event and broadcasts the message on
// the bus. The commit happens first; a replayed location never republishes.
func PublishMessage(c *WorkflowCtx, msg api.Message, tags api.Tags) error {
	if err := c.checkStop(); err != nil {
		return err
	}

	name := msg.MessageName()
	ev, err := c.cursor.Take(history.KindMessageSend, c.version)
	if err != nil {
		return err
	}
	if ev != nil {
		if ev.MessageSend.Name != name {
			return c.divergedf("expected message %q, history recorded %q", name, ev.MessageSend.Name)
		}
		c.cursor.Advance()
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("message %s: %w: %v", name, api.ErrSerializeInput, err)
	}
	if err := c.db.CommitMessageSendEvent(c.ctx, db.CommitMessageSendEventInput{
		WorkflowID:   c.workflowID,
		Location:     c.cursor.Current(),
		Version:      c.version,
		LoopLocation: c.loopLocation,
		Name:         name,
		Tags:         tags,
		Body:         body,
	}); err != nil {
		return err
	}
	if c.bus != nil {
		if err := c.bus.Publish(c.ctx, pubsub.MessageSubject(name), pubsub.Envelope{
			RayID: c.rayID,
			Tags:  tags,
			Body:  body,
		}); err != nil {
			return err
		}
	}
	c.cursor.Advance()
	return nil
}

// Sleep parks the workflow for the duration. Short sleeps are served
// in-process; longer ones release the lease and wake on the deadline.
func (c *WorkflowCtx) Sleep(d time.Duration) error {
	return c.SleepUntil(time.Now().Add(d))
}

// SleepUntil parks the workflow until the absolute deadline.
func (c *WorkflowCtx) SleepUntil(deadline time.Time) error {
	if err := c.checkStop(); err != nil {
		return err
	}

	deadlineTS := deadline.UnixMilli()
	ev, err := c.cursor.Take(history.KindSleep, c.version)
	if err != nil {
		return err
	}
	if ev == nil {
		if err := c.db.CommitSleepEvent(c.ctx, db.CommitSleepEventInput{
			WorkflowID:   c.workflowID,
			Location:     c.cursor.Current(),
			Version:      c.version,
			LoopLocation: c.loopLocation,
			DeadlineTS:   deadlineTS,
		}); err != nil {
			return err
		}
	} else {
		deadlineTS = ev.Sleep.DeadlineTS
		if ev.Sleep.State != history.SleepScheduled {
			c.cursor.Advance()
			return nil
		}
	}

	remaining := time.Duration(deadlineTS-nowMillis()) * time.Millisecond
	if remaining > c.inlineSleepThreshold {
		return &suspendError{
			wake:   db.WakeCondition{DeadlineTS: &deadlineTS},
			reason: fmt.Sprintf("sleep until %d", deadlineTS),
		}
	}
	if remaining > 0 {
		if err := c.sleepCtx(remaining); err != nil {
			return err
		}
	}
	if err := c.db.UpdateSleepEventState(c.ctx, c.workflowID, c.cursor.Current(), history.SleepSlept); err != nil {
		return err
	}
	c.cursor.Advance()
	return nil
}

// Loop runs body repeatedly with durable state. Each completed iteration
// atomically bumps the loop event and wipes the iteration's inner history,
// so a replay only ever sees the current iteration. Body output terminates
// the loop.
func Loop[S, O any](c *WorkflowCtx, state S, body func(c *WorkflowCtx, state S) (S, *O, error)) (O, error) {
	var zero O
	if err := c.checkStop(); err != nil {
		return zero, err
	}

	loc := c.cursor.Current()
	iteration := 0

	ev, err := c.cursor.Take(history.KindLoop, c.version)
	if err != nil {
		return zero, err
	}
	if ev != nil {
		if ev.Loop.Output != nil {
			var out O
			if err := json.Unmarshal(ev.Loop.Output, &out); err != nil {
				return zero, fmt.Errorf("loop: %w: %v", api.ErrDeserializeOutput, err)
			}
			c.cursor.Advance()
			return out, nil
		}
		iteration = ev.Loop.Iteration
		if ev.Loop.State != nil {
			if err := json.Unmarshal(ev.Loop.State, &state); err != nil {
				return zero, fmt.Errorf("loop: %w: %v", api.ErrDeserializeOutput, err)
			}
		}
	} else {
		if err := c.upsertLoop(loc, iteration, state, nil); err != nil {
			return zero, err
		}
	}

	for {
		if err := c.checkStop(); err != nil {
			return zero, err
		}

		bodyCtx := c.child(loc)
		next, out, err := body(bodyCtx, state)
		if err != nil {
			return zero, err
		}
		if err := bodyCtx.cursor.CheckClear(); err != nil {
			return zero, err
		}

		if out != nil {
			encoded, err := json.Marshal(out)
			if err != nil {
				return zero, fmt.Errorf("loop: %w: %v", api.ErrSerializeInput, err)
			}
			if err := c.upsertLoopRaw(loc, iteration+1, nil, encoded); err != nil {
				return zero, err
			}
			c.cursor.History().PruneBranch(loc)
			c.cursor.Advance()
			return *out, nil
		}

		iteration++
		state = next
		if err := c.upsertLoop(loc, iteration, state, nil); err != nil {
			return zero, err
		}
		c.cursor.History().PruneBranch(loc)
	}
}

func (c *WorkflowCtx) upsertLoop(loc history.Location, iteration int, state any, output json.RawMessage) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("loop state: %w: %v", api.ErrSerializeInput, err)
	}
	return c.upsertLoopRaw(loc, iteration, encoded, output)
}

func (c *WorkflowCtx) upsertLoopRaw(loc history.Location, iteration int, state, output json.RawMessage) error {
	return c.db.UpsertLoopEvent(c.ctx, db.UpsertLoopEventInput{
		WorkflowID:   c.workflowID,
		Location:     loc,
		Version:      c.version,
		LoopLocation: c.loopLocation,
		Iteration:    iteration,
		State:        state,
		Output:       output,
	})
}

// Branch runs fn in a sub-cursor rooted at the current location. Steps
// inside fn occupy child locations, which keeps sibling indices stable when
// a branch grows or shrinks between versions.
func (c *WorkflowCtx) Branch(fn func(c *WorkflowCtx) error) error {
	if err := c.checkStop(); err != nil {
		return err
	}

	ev, err := c.cursor.Take(history.KindBranch, c.version)
	if err != nil {
		return err
	}
	if ev == nil {
		if err := c.db.CommitBranchEvent(c.ctx, c.workflowID, c.cursor.Current(), c.version, c.loopLocation); err != nil {
			return err
		}
	}

	bctx := c.child(nil)
	if err := fn(bctx); err != nil {
		return err
	}
	if err := bctx.cursor.CheckClear(); err != nil {
		return err
	}
	c.cursor.Advance()
	return nil
}

// CheckVersion reconciles the code's step version with the recorded one.
// New workflows record current and run the newest code path; replays return
// the recorded version so old histories keep their old semantics. A
// recorded version newer than the code is a divergence.
func (c *WorkflowCtx) CheckVersion(current int) (int, error) {
	if err := c.checkStop(); err != nil {
		return 0, err
	}
	if current < 1 {
		return 0, fmt.Errorf("engine: version must be >= 1")
	}

	ev, err := c.cursor.Take(history.KindVersionCheck, c.version)
	if err != nil {
		return 0, err
	}
	if ev != nil {
		if ev.Version > current {
			return 0, c.divergedf("history recorded version %d, code supports up to %d", ev.Version, current)
		}
		c.cursor.Advance()
		c.version = ev.Version
		return ev.Version, nil
	}

	if err := c.db.CommitVersionCheckEvent(c.ctx, c.workflowID, c.cursor.Current(), current, c.loopLocation); err != nil {
		return 0, err
	}
	c.cursor.Advance()
	c.version = current
	return current, nil
}

// Removed marks a step location whose code was deleted. Replays of old
// histories skip the recorded event; new runs record a tombstone so sibling
// indices stay dense.
func (c *WorkflowCtx) Removed() error {
	if err := c.checkStop(); err != nil {
		return err
	}

	ev, err := c.cursor.Take(history.KindRemoved, c.version)
	if err != nil {
		return err
	}
	if ev == nil {
		if err := c.db.CommitRemovedEvent(c.ctx, c.workflowID, c.cursor.Current(), c.loopLocation); err != nil {
			return err
		}
	}
	c.cursor.Advance()
	return nil
}
