package db_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/db/kvdb"
	"github.com/gasoline-run/gasoline/internal/db/sqldb"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/pkg/api"
)

// The whole contract runs against every backend. Set
// GASOLINE_TEST_POSTGRES_DSN to include postgres.
func forEachBackend(t *testing.T, leaseTTL time.Duration, fn func(t *testing.T, d db.Database)) {
	t.Helper()

	backends := map[string]func(t *testing.T) (db.Database, error){
		"memory": func(t *testing.T) (db.Database, error) {
			return kvdb.NewMemory(kvdb.Options{LeaseTTL: leaseTTL})
		},
		"sqlite": func(t *testing.T) (db.Database, error) {
			sqlDB, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return nil, err
			}
			// One connection, or every pooled conn would see its own
			// private :memory: database.
			sqlDB.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = sqlDB.Close() })
			return sqldb.NewSQLite(sqlDB, sqldb.Options{LeaseTTL: leaseTTL})
		},
	}
	if dsn := os.Getenv("GASOLINE_TEST_POSTGRES_DSN"); dsn != "" {
		backends["postgres"] = func(t *testing.T) (db.Database, error) {
			sqlDB, err := sql.Open("pgx", dsn)
			if err != nil {
				return nil, err
			}
			t.Cleanup(func() { _ = sqlDB.Close() })
			return sqldb.NewPostgres(sqlDB, sqldb.Options{LeaseTTL: leaseTTL})
		}
	}

	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			d, err := newBackend(t)
			require.NoError(t, err)
			fn(t, d)
		})
	}
}

// uniqueName keeps workflow names collision-free on shared databases.
func uniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func dispatch(t *testing.T, d db.Database, name string, tags api.Tags) uuid.UUID {
	t.Helper()
	id, err := d.DispatchWorkflow(context.Background(), db.DispatchWorkflowInput{
		RayID:      api.NewRayID(),
		WorkflowID: uuid.New(),
		Name:       name,
		Tags:       tags,
		Input:      json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	return id
}

func pullOne(t *testing.T, d db.Database, worker uuid.UUID, names ...string) *db.PulledWorkflow {
	t.Helper()
	pulled, err := d.PullWorkflows(context.Background(), worker, names)
	require.NoError(t, err)
	require.Len(t, pulled, 1)
	return pulled[0]
}

func TestDispatchAndGet(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		name := uniqueName("greet")
		tags := api.Tags{"tenant": "acme", "region": "eu"}
		id := dispatch(t, d, name, tags)

		row, err := d.GetWorkflow(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, row.WorkflowID)
		require.Equal(t, name, row.Name)
		require.Equal(t, tags, row.Tags)
		require.JSONEq(t, `{"n":1}`, string(row.Input))
		require.True(t, row.WakeImmediate, "fresh dispatch must be immediately runnable")
		require.False(t, row.Complete())
		require.Nil(t, row.LeaseWorker)

		// Containment match: a subset of the stored tags resolves.
		found, err := d.FindWorkflow(ctx, name, api.Tags{"tenant": "acme"})
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, id, *found)

		// A tag the workflow does not carry must not match.
		_, err = d.FindWorkflow(ctx, name, api.Tags{"tenant": "rival"})
		require.ErrorIs(t, err, api.ErrWorkflowNotFound)

		_, err = d.GetWorkflow(ctx, uuid.New())
		require.ErrorIs(t, err, api.ErrWorkflowNotFound)

		rows, err := d.GetWorkflows(ctx, []uuid.UUID{id, uuid.New()})
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})
}

func TestUniqueDispatch(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		name := uniqueName("billing")
		tags := api.Tags{"customer": "c-1"}
		first := dispatch(t, d, name, tags)

		again, err := d.DispatchWorkflow(ctx, db.DispatchWorkflowInput{
			RayID:      api.NewRayID(),
			WorkflowID: uuid.New(),
			Name:       name,
			Tags:       tags,
			Input:      json.RawMessage(`{}`),
			Unique:     true,
		})
		require.NoError(t, err)
		require.Equal(t, first, again, "unique dispatch should return the existing workflow")

		_, err = d.DispatchWorkflow(ctx, db.DispatchWorkflowInput{
			RayID:      api.NewRayID(),
			WorkflowID: uuid.New(),
			Name:       name,
			Input:      json.RawMessage(`{}`),
			Unique:     true,
		})
		require.ErrorIs(t, err, db.ErrDuplicateDispatch)
	})
}

func TestPullWorkflowsLeases(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		workerA, workerB := uuid.New(), uuid.New()
		require.NoError(t, d.UpdateWorkerPing(ctx, workerA))
		require.NoError(t, d.UpdateWorkerPing(ctx, workerB))

		name := uniqueName("pull")
		id := dispatch(t, d, name, nil)

		// A name the workflow does not have must filter it out.
		none, err := d.PullWorkflows(ctx, workerA, []string{uniqueName("other")})
		require.NoError(t, err)
		require.Empty(t, none)

		pw := pullOne(t, d, workerA, name)
		require.Equal(t, id, pw.WorkflowID)
		require.NotNil(t, pw.LeaseWorker)
		require.Equal(t, workerA, *pw.LeaseWorker)

		// Pulling clears the wake condition and holds the lease: neither A
		// nor B sees it again.
		for _, w := range []uuid.UUID{workerA, workerB} {
			again, err := d.PullWorkflows(ctx, w, []string{name})
			require.NoError(t, err)
			require.Empty(t, again)
		}

		row, err := d.GetWorkflow(ctx, id)
		require.NoError(t, err)
		require.False(t, row.WakeImmediate)
		require.NotNil(t, row.LeaseWorker)
	})
}

func TestCompleteWorkflow(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		name := uniqueName("complete")
		id := dispatch(t, d, name, nil)
		pullOne(t, d, worker, name)

		require.NoError(t, d.CompleteWorkflow(ctx, id, json.RawMessage(`{"ok":true}`)))

		row, err := d.GetWorkflow(ctx, id)
		require.NoError(t, err)
		require.True(t, row.Complete())
		require.JSONEq(t, `{"ok":true}`, string(row.Output))
		require.Nil(t, row.LeaseWorker, "complete releases the lease")

		// Output is immutable; completing again is a no-op.
		require.NoError(t, d.CompleteWorkflow(ctx, id, json.RawMessage(`{"ok":false}`)))
		row, err = d.GetWorkflow(ctx, id)
		require.NoError(t, err)
		require.JSONEq(t, `{"ok":true}`, string(row.Output))

		pulled, err := d.PullWorkflows(ctx, worker, []string{name})
		require.NoError(t, err)
		require.Empty(t, pulled)
	})
}

func TestCommitWorkflowDeadlineWake(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		name := uniqueName("sleepy")
		id := dispatch(t, d, name, nil)
		pullOne(t, d, worker, name)

		future := time.Now().Add(time.Hour).UnixMilli()
		require.NoError(t, d.CommitWorkflow(ctx, id, db.WakeCondition{DeadlineTS: &future}, ""))

		pulled, err := d.PullWorkflows(ctx, worker, []string{name})
		require.NoError(t, err)
		require.Empty(t, pulled, "future deadline must not wake")

		pullAgain := func() []*db.PulledWorkflow {
			p, err := d.PullWorkflows(ctx, worker, []string{name})
			require.NoError(t, err)
			return p
		}
		// Re-park with a passed deadline: runnable at once.
		past := time.Now().Add(-time.Second).UnixMilli()
		require.NoError(t, d.CommitWorkflow(ctx, id, db.WakeCondition{DeadlineTS: &past}, ""))
		require.Len(t, pullAgain(), 1)
	})
}

func TestCommitWorkflowSignalWake(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		name := uniqueName("waiter")
		id := dispatch(t, d, name, nil)
		pullOne(t, d, worker, name)

		require.NoError(t, d.CommitWorkflow(ctx, id, db.WakeCondition{Signals: []string{"approve"}}, ""))

		pulled, err := d.PullWorkflows(ctx, worker, []string{name})
		require.NoError(t, err)
		require.Empty(t, pulled)

		// A signal the workflow is not waiting for leaves it parked.
		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:      api.NewRayID(),
			SignalID:   uuid.New(),
			Name:       "unrelated",
			Body:       json.RawMessage(`{}`),
			WorkflowID: &id,
		}))
		pulled, err = d.PullWorkflows(ctx, worker, []string{name})
		require.NoError(t, err)
		require.Empty(t, pulled)

		// The awaited signal upgrades the workflow to immediate wake.
		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:      api.NewRayID(),
			SignalID:   uuid.New(),
			Name:       "approve",
			Body:       json.RawMessage(`{"yes":true}`),
			WorkflowID: &id,
		}))
		pw := pullOne(t, d, worker, name)
		require.Equal(t, id, pw.WorkflowID)
	})
}

// A signal published between a workflow's last signal check and its commit
// must not leave the workflow parked forever: the commit re-checks pending
// signals.
func TestCommitWorkflowSignalRace(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		name := uniqueName("racer")
		id := dispatch(t, d, name, nil)
		pullOne(t, d, worker, name)

		// Signal lands first, commit happens second.
		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:      api.NewRayID(),
			SignalID:   uuid.New(),
			Name:       "approve",
			Body:       json.RawMessage(`{}`),
			WorkflowID: &id,
		}))
		require.NoError(t, d.CommitWorkflow(ctx, id, db.WakeCondition{Signals: []string{"approve"}}, ""))

		pw := pullOne(t, d, worker, name)
		require.Equal(t, id, pw.WorkflowID)
	})
}

func TestSignalOrderingAndAck(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		name := uniqueName("inbox")
		id := dispatch(t, d, name, nil)

		sigIDs := make([]uuid.UUID, 3)
		for i := range sigIDs {
			sigIDs[i] = uuid.New()
			require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
				RayID:      api.NewRayID(),
				SignalID:   sigIDs[i],
				Name:       "tick",
				Body:       json.RawMessage(`{}`),
				WorkflowID: &id,
			}))
			// Millisecond timestamps order the queue; keep them distinct.
			time.Sleep(5 * time.Millisecond)
		}

		for i, want := range sigIDs {
			sig, err := d.PullNextSignal(ctx, db.PullNextSignalInput{
				WorkflowID: id,
				Names:      []string{"tick"},
				Location:   history.Location{uint32(i)},
				Version:    1,
			})
			require.NoError(t, err)
			require.Equal(t, want, sig.SignalID, "signals must drain oldest first")
			require.Equal(t, "tick", sig.Name)
		}

		_, err := d.PullNextSignal(ctx, db.PullNextSignalInput{
			WorkflowID: id,
			Names:      []string{"tick"},
			Location:   history.Location{3},
			Version:    1,
		})
		require.ErrorIs(t, err, api.ErrSignalNotFound)

		// Consumption is recorded: the ack and the history event exist.
		sig, err := d.GetSignal(ctx, sigIDs[0])
		require.NoError(t, err)
		require.NotNil(t, sig.AckTS)

		hist, err := d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		ev := hist.At(history.Location{0})
		require.NotNil(t, ev)
		require.Equal(t, history.KindSignal, ev.Kind)
		require.Equal(t, sigIDs[0], ev.Signal.SignalID)
	})
}

func TestPullNextSignalFiltersNames(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("filter"), nil)

		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:      api.NewRayID(),
			SignalID:   uuid.New(),
			Name:       "reject",
			Body:       json.RawMessage(`{}`),
			WorkflowID: &id,
		}))

		_, err := d.PullNextSignal(ctx, db.PullNextSignalInput{
			WorkflowID: id,
			Names:      []string{"approve"},
			Location:   history.Location{0},
			Version:    1,
		})
		require.ErrorIs(t, err, api.ErrSignalNotFound)

		sig, err := d.PullNextSignal(ctx, db.PullNextSignalInput{
			WorkflowID: id,
			Names:      []string{"approve", "reject"},
			Location:   history.Location{0},
			Version:    1,
		})
		require.NoError(t, err)
		require.Equal(t, "reject", sig.Name)
	})
}

func TestSilenceSignal(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("mute"), nil)
		sigID := uuid.New()
		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:      api.NewRayID(),
			SignalID:   sigID,
			Name:       "noisy",
			Body:       json.RawMessage(`{}`),
			WorkflowID: &id,
		}))
		require.NoError(t, d.SilenceSignal(ctx, sigID))

		_, err := d.PullNextSignal(ctx, db.PullNextSignalInput{
			WorkflowID: id,
			Names:      []string{"noisy"},
			Location:   history.Location{0},
			Version:    1,
		})
		require.ErrorIs(t, err, api.ErrSignalNotFound)

		require.ErrorIs(t, d.SilenceSignal(ctx, uuid.New()), api.ErrSignalNotFound)
	})
}

func TestTaggedSignalPublish(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		tags := api.Tags{"order": uuid.NewString()}
		id := dispatch(t, d, uniqueName("tagged"), tags)

		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:    api.NewRayID(),
			SignalID: uuid.New(),
			Name:     "paid",
			Body:     json.RawMessage(`{}`),
			Tags:     tags,
		}))

		sig, err := d.PullNextSignal(ctx, db.PullNextSignalInput{
			WorkflowID: id,
			Names:      []string{"paid"},
			Location:   history.Location{0},
			Version:    1,
		})
		require.NoError(t, err)
		require.Equal(t, id, sig.WorkflowID)

		// No workflow carries these tags.
		err = d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:    api.NewRayID(),
			SignalID: uuid.New(),
			Name:     "paid",
			Body:     json.RawMessage(`{}`),
			Tags:     api.Tags{"order": "missing"},
		})
		require.ErrorIs(t, err, api.ErrWorkflowNotFound)
	})
}

func TestActivityEventLifecycle(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("acts"), nil)
		loc := history.Location{0}

		base := db.CommitActivityEventInput{
			WorkflowID: id,
			Location:   loc,
			Version:    1,
			Name:       "charge",
			InputHash:  42,
			Input:      json.RawMessage(`{"cents":100}`),
		}

		// Two failed attempts accumulate the persisted error count.
		failed := base
		failed.Error = "card declined"
		require.NoError(t, d.CommitActivityEvent(ctx, failed))
		require.NoError(t, d.CommitActivityEvent(ctx, failed))

		hist, err := d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		ev := hist.At(loc)
		require.NotNil(t, ev)
		require.Equal(t, history.KindActivity, ev.Kind)
		require.Equal(t, 2, ev.Activity.ErrorCount)
		require.Equal(t, "card declined", ev.Activity.LastError)
		require.Nil(t, ev.Activity.Output)

		// Success is terminal.
		success := base
		success.Output = json.RawMessage(`{"charged":true}`)
		require.NoError(t, d.CommitActivityEvent(ctx, success))

		hist, err = d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		ev = hist.At(loc)
		require.JSONEq(t, `{"charged":true}`, string(ev.Activity.Output))

		require.ErrorIs(t, d.CommitActivityEvent(ctx, failed), db.ErrActivityTerminal)
	})
}

func TestEventCommitIdempotencyAndConflict(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("events"), nil)
		loc := history.Location{0}

		sleep := db.CommitSleepEventInput{
			WorkflowID: id,
			Location:   loc,
			Version:    1,
			DeadlineTS: 12345,
		}
		require.NoError(t, d.CommitSleepEvent(ctx, sleep))
		// Same payload replays cleanly.
		require.NoError(t, d.CommitSleepEvent(ctx, sleep))

		// Different payload at the same location is a conflict.
		sleep.DeadlineTS = 99999
		require.ErrorIs(t, d.CommitSleepEvent(ctx, sleep), db.ErrLocationConflict)

		// A different kind at an occupied location is also a conflict.
		err := d.CommitBranchEvent(ctx, id, loc, 1, nil)
		require.ErrorIs(t, err, db.ErrLocationConflict)
	})
}

func TestSleepEventStateTransition(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("nap"), nil)
		loc := history.Location{0}

		require.NoError(t, d.CommitSleepEvent(ctx, db.CommitSleepEventInput{
			WorkflowID: id,
			Location:   loc,
			Version:    1,
			DeadlineTS: time.Now().UnixMilli(),
		}))
		require.NoError(t, d.UpdateSleepEventState(ctx, id, loc, history.SleepSlept))

		hist, err := d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		require.Equal(t, history.SleepSlept, hist.At(loc).Sleep.State)
	})
}

func TestUpsertLoopEventWipesBody(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("loop"), nil)
		loopLoc := history.Location{0}

		require.NoError(t, d.UpsertLoopEvent(ctx, db.UpsertLoopEventInput{
			WorkflowID: id,
			Location:   loopLoc,
			Version:    1,
			Iteration:  0,
			State:      json.RawMessage(`{"n":0}`),
		}))

		// Two body events inside the iteration, one unrelated event outside.
		require.NoError(t, d.CommitActivityEvent(ctx, db.CommitActivityEventInput{
			WorkflowID:   id,
			Location:     loopLoc.Child(0),
			Version:      1,
			LoopLocation: loopLoc,
			Name:         "step",
			Input:        json.RawMessage(`{}`),
			Output:       json.RawMessage(`1`),
		}))
		require.NoError(t, d.CommitSleepEvent(ctx, db.CommitSleepEventInput{
			WorkflowID:   id,
			Location:     loopLoc.Child(1),
			Version:      1,
			LoopLocation: loopLoc,
			DeadlineTS:   1,
		}))
		require.NoError(t, d.CommitBranchEvent(ctx, id, history.Location{1}, 1, nil))

		// Iteration rollover wipes exactly the loop's body.
		require.NoError(t, d.UpsertLoopEvent(ctx, db.UpsertLoopEventInput{
			WorkflowID: id,
			Location:   loopLoc,
			Version:    1,
			Iteration:  1,
			State:      json.RawMessage(`{"n":1}`),
		}))

		hist, err := d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		require.Nil(t, hist.At(loopLoc.Child(0)), "loop body must be wiped")
		require.Nil(t, hist.At(loopLoc.Child(1)), "loop body must be wiped")
		require.NotNil(t, hist.At(history.Location{1}), "events outside the loop must survive")

		loop := hist.At(loopLoc)
		require.NotNil(t, loop)
		require.Equal(t, 1, loop.Loop.Iteration)
		require.JSONEq(t, `{"n":1}`, string(loop.Loop.State))

		// Completion writes the output.
		require.NoError(t, d.UpsertLoopEvent(ctx, db.UpsertLoopEventInput{
			WorkflowID: id,
			Location:   loopLoc,
			Version:    1,
			Iteration:  2,
			Output:     json.RawMessage(`"done"`),
		}))
		hist, err = d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		require.JSONEq(t, `"done"`, string(hist.At(loopLoc).Loop.Output))
	})
}

func TestSubWorkflowDispatchAndParentWake(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		parentName, childName := uniqueName("parent"), uniqueName("child")

		parentID := dispatch(t, d, parentName, nil)
		pullOne(t, d, worker, parentName)

		loc := history.Location{0}
		childID, err := d.DispatchWorkflow(ctx, db.DispatchWorkflowInput{
			RayID:          api.NewRayID(),
			WorkflowID:     uuid.New(),
			Name:           childName,
			Input:          json.RawMessage(`{}`),
			FromWorkflowID: &parentID,
			Location:       loc,
			Version:        1,
		})
		require.NoError(t, err)

		// The dispatch committed a SubWorkflow event in the parent.
		hist, err := d.GetWorkflowHistory(ctx, parentID)
		require.NoError(t, err)
		ev := hist.At(loc)
		require.NotNil(t, ev)
		require.Equal(t, history.KindSubWorkflow, ev.Kind)
		require.Equal(t, childID, ev.SubWorkflow.SubWorkflowID)

		// Parent parks awaiting the child.
		require.NoError(t, d.CommitWorkflow(ctx, parentID, db.WakeCondition{SubWorkflowID: &childID}, ""))
		pulled, err := d.PullWorkflows(ctx, worker, []string{parentName})
		require.NoError(t, err)
		require.Empty(t, pulled)

		// Child completion wakes the parent.
		require.NoError(t, d.CompleteWorkflow(ctx, childID, json.RawMessage(`"child-out"`)))
		pw := pullOne(t, d, worker, parentName)
		require.Equal(t, parentID, pw.WorkflowID)
	})
}

// The race twin of the sub-workflow wake: the child completes before the
// parent's commit lands, and the commit must notice the output already
// exists.
func TestSubWorkflowCompleteBeforeCommit(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		parentName, childName := uniqueName("parent"), uniqueName("child")

		parentID := dispatch(t, d, parentName, nil)
		pullOne(t, d, worker, parentName)
		childID := dispatch(t, d, childName, nil)

		require.NoError(t, d.CompleteWorkflow(ctx, childID, json.RawMessage(`1`)))
		require.NoError(t, d.CommitWorkflow(ctx, parentID, db.WakeCondition{SubWorkflowID: &childID}, ""))

		pw := pullOne(t, d, worker, parentName)
		require.Equal(t, parentID, pw.WorkflowID)
	})
}

func TestLeaseExpiryReclaim(t *testing.T) {
	forEachBackend(t, 100*time.Millisecond, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		workerA, workerB := uuid.New(), uuid.New()
		require.NoError(t, d.UpdateWorkerPing(ctx, workerA))

		name := uniqueName("crashy")
		id := dispatch(t, d, name, nil)
		pullOne(t, d, workerA, name)

		// A stops pinging and its lease goes stale.
		time.Sleep(300 * time.Millisecond)

		require.NoError(t, d.UpdateWorkerPing(ctx, workerB))
		n, err := d.ClearExpiredLeases(ctx, workerB)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1)

		pw := pullOne(t, d, workerB, name)
		require.Equal(t, id, pw.WorkflowID)
		require.Equal(t, workerB, *pw.LeaseWorker)
	})
}

func TestLiveLeaseNotReclaimed(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		workerA, workerB := uuid.New(), uuid.New()
		require.NoError(t, d.UpdateWorkerPing(ctx, workerA))
		require.NoError(t, d.UpdateWorkerPing(ctx, workerB))

		name := uniqueName("healthy")
		dispatch(t, d, name, nil)
		pullOne(t, d, workerA, name)

		n, err := d.ClearExpiredLeases(ctx, workerB)
		require.NoError(t, err)
		require.Zero(t, n)

		pulled, err := d.PullWorkflows(ctx, workerB, []string{name})
		require.NoError(t, err)
		require.Empty(t, pulled)
	})
}

func TestSilenceWorkflow(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		name := uniqueName("quiet")
		id := dispatch(t, d, name, nil)

		require.NoError(t, d.SilenceWorkflow(ctx, id))
		pulled, err := d.PullWorkflows(ctx, worker, []string{name})
		require.NoError(t, err)
		require.Empty(t, pulled, "silenced workflows are unschedulable")

		require.NoError(t, d.UnsilenceWorkflow(ctx, id))
		pw := pullOne(t, d, worker, name)
		require.Equal(t, id, pw.WorkflowID)
	})
}

func TestUpdateTagsAndState(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		name := uniqueName("mutable")
		id := dispatch(t, d, name, api.Tags{"v": "1"})

		require.NoError(t, d.UpdateWorkflowTags(ctx, id, api.Tags{"v": "2"}))
		require.NoError(t, d.UpdateWorkflowState(ctx, id, json.RawMessage(`{"phase":"late"}`)))

		row, err := d.GetWorkflow(ctx, id)
		require.NoError(t, err)
		require.Equal(t, api.Tags{"v": "2"}, row.Tags)
		require.JSONEq(t, `{"phase":"late"}`, string(row.State))

		// Tag updates re-point tag resolution.
		found, err := d.FindWorkflow(ctx, name, api.Tags{"v": "2"})
		require.NoError(t, err)
		require.NotNil(t, found)
		_, err = d.FindWorkflow(ctx, name, api.Tags{"v": "1"})
		require.ErrorIs(t, err, api.ErrWorkflowNotFound)
	})
}

func TestPublishMetrics(t *testing.T) {
	forEachBackend(t, time.Minute, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		worker := uuid.New()
		require.NoError(t, d.UpdateWorkerPing(ctx, worker))

		doneName, runName := uniqueName("done"), uniqueName("run")
		doneID := dispatch(t, d, doneName, nil)
		dispatch(t, d, runName, nil)

		require.NoError(t, d.CompleteWorkflow(ctx, doneID, json.RawMessage(`1`)))
		pullOne(t, d, worker, runName)

		sigWF := dispatch(t, d, uniqueName("sig"), nil)
		require.NoError(t, d.PublishSignal(ctx, db.PublishSignalInput{
			RayID:      api.NewRayID(),
			SignalID:   uuid.New(),
			Name:       "pending-metric",
			Body:       json.RawMessage(`{}`),
			WorkflowID: &sigWF,
		}))

		snap, err := d.PublishMetrics(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, snap.Complete[doneName])
		require.Equal(t, 1, snap.Running[runName])
		require.GreaterOrEqual(t, snap.PendingSignals["pending-metric"], 1)
	})
}

func TestChunkedPayloadRoundtrip(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		id := dispatch(t, d, uniqueName("big"), nil)

		// Spans several 10 KB chunks on the KV backend.
		big := make([]byte, 64*1024)
		for i := range big {
			big[i] = byte('a' + i%26)
		}
		payload, err := json.Marshal(string(big))
		require.NoError(t, err)

		require.NoError(t, d.CommitActivityEvent(ctx, db.CommitActivityEventInput{
			WorkflowID: id,
			Location:   history.Location{0},
			Version:    1,
			Name:       "bulk",
			Input:      json.RawMessage(`{}`),
			Output:     payload,
		}))

		hist, err := d.GetWorkflowHistory(ctx, id)
		require.NoError(t, err)
		got := hist.At(history.Location{0}).Activity.Output
		require.Equal(t, string(payload), string(got))
	})
}

func TestWakeSubNotifies(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		wake, err := d.WakeSub(ctx)
		require.NoError(t, err)

		dispatch(t, d, uniqueName("wakeful"), nil)

		select {
		case <-wake:
		case <-time.After(2 * time.Second):
			t.Fatal("expected a wake hint after dispatch")
		}
	})
}

func TestGetWorkflowsMissingSkipped(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, d db.Database) {
		ctx := context.Background()
		rows, err := d.GetWorkflows(ctx, []uuid.UUID{uuid.New()})
		require.NoError(t, err, "missing ids are skipped, not an error")
		require.Empty(t, rows)
	})
}
