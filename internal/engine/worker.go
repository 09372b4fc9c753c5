package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/pubsub"
	"github.com/gasoline-run/gasoline/pkg/api"
)

// WorkerOptions tune a Worker. Zero values fall back to defaults.
type WorkerOptions struct {
	// TickInterval overrides the backend's poll interval. Tests shrink it.
	TickInterval time.Duration
	// PingInterval is how often the worker refreshes its liveness row and
	// sweeps expired leases.
	PingInterval time.Duration
	// MetricsInterval is how often backend aggregates are published.
	MetricsInterval time.Duration
	// ShutdownTimeout bounds the wait for running workflows on shutdown.
	ShutdownTimeout time.Duration
	// InlineSleepThreshold is the longest sleep served without suspending.
	InlineSleepThreshold time.Duration
	// ActivityMaxRetries bounds activity error counts before permanence.
	ActivityMaxRetries int

	Observer api.Observer
	Logger   *slog.Logger
	Metrics  *Metrics
}

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultMetricsInterval = 20 * time.Second
)

// Worker pulls runnable workflows from the database and drives their runs.
// Several workers may share one database; leases keep any workflow on at
// most one of them.
type Worker struct {
	instanceID uuid.UUID
	db         db.Database
	bus        *pubsub.PubSub
	registry   *Registry
	observer   api.Observer
	log        *slog.Logger
	metrics    *Metrics
	opts       WorkerOptions

	runMu   sync.Mutex
	running map[uuid.UUID]struct{}
	wg      sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewWorker wires a worker. The bus is optional; without it, cross-process
// wake hints and message publishing are disabled.
func NewWorker(database db.Database, bus *pubsub.PubSub, registry *Registry, opts WorkerOptions) *Worker {
	if opts.PingInterval <= 0 {
		opts.PingInterval = db.DefaultPingInterval
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = defaultMetricsInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.InlineSleepThreshold <= 0 {
		opts.InlineSleepThreshold = defaultInlineSleepThreshold
	}
	if opts.ActivityMaxRetries <= 0 {
		opts.ActivityMaxRetries = defaultActivityMaxRetries
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = database.WorkerPollInterval()
	}
	if opts.Observer == nil {
		opts.Observer = api.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	instanceID := uuid.New()
	return &Worker{
		instanceID: instanceID,
		db:         database,
		bus:        bus,
		registry:   registry,
		observer:   opts.Observer,
		log:        opts.Logger.With(slog.String("worker_id", instanceID.String())),
		metrics:    opts.Metrics,
		opts:       opts,
		running:    make(map[uuid.UUID]struct{}),
	}
}

// InstanceID identifies this worker in lease and ping rows.
func (w *Worker) InstanceID() uuid.UUID { return w.instanceID }

// Run blocks, pulling and executing workflows until ctx ends, then shuts
// down: first it stops pulling and waits for in-flight runs to finish
// naturally, then it cancels them so they abandon without committing, and
// finally it returns. Abandoned leases expire and peers take over.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx, w.runCancel = context.WithCancel(context.Background())
	defer w.runCancel()

	if err := w.db.UpdateWorkerPing(ctx, w.instanceID); err != nil {
		return fmt.Errorf("engine: initial worker ping: %w", err)
	}

	wake, err := w.db.WakeSub(ctx)
	if err != nil {
		return fmt.Errorf("engine: wake subscription: %w", err)
	}

	var busWake <-chan pubsub.Envelope
	if w.bus != nil {
		sub, err := w.bus.Subscribe(ctx, pubsub.WakeSubject, nil)
		if err != nil {
			return fmt.Errorf("engine: bus wake subscription: %w", err)
		}
		defer sub.Unsubscribe()
		busWake = sub.C()
	}

	var tasks sync.WaitGroup
	tasks.Add(2)
	go func() {
		defer tasks.Done()
		w.pingTask(ctx)
	}()
	go func() {
		defer tasks.Done()
		w.metricsTask(ctx)
	}()

	ticker := time.NewTicker(w.opts.TickInterval)
	defer ticker.Stop()

	w.pull(ctx)
	for {
		select {
		case <-ctx.Done():
			tasks.Wait()
			return w.shutdown()
		case <-ticker.C:
		case <-wake:
		case <-busWake:
		}
		w.pull(ctx)
	}
}

func (w *Worker) shutdown() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(w.opts.ShutdownTimeout):
	}

	// Grace period spent; cancel the run contexts so every operation
	// returns ErrWorkflowStopped and the runs abandon cleanly.
	w.runCancel()
	select {
	case <-done:
		return nil
	case <-time.After(w.opts.ShutdownTimeout):
		return fmt.Errorf("engine: %d workflows still running after shutdown timeout", w.runningCount())
	}
}

func (w *Worker) runningCount() int {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return len(w.running)
}

// pull leases every runnable workflow for the registered names and spawns a
// run per workflow.
func (w *Worker) pull(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pulled, err := w.db.PullWorkflows(ctx, w.instanceID, w.registry.Names())
	if err != nil {
		w.log.Error("pull workflows", slog.String("error", err.Error()))
		return
	}
	for _, pw := range pulled {
		pw := pw
		w.runMu.Lock()
		if _, alreadyRunning := w.running[pw.WorkflowID]; alreadyRunning {
			w.runMu.Unlock()
			continue
		}
		w.running[pw.WorkflowID] = struct{}{}
		w.runMu.Unlock()

		if w.metrics != nil {
			w.metrics.WorkflowsPulled.WithLabelValues(pw.Name).Inc()
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() {
				w.runMu.Lock()
				delete(w.running, pw.WorkflowID)
				w.runMu.Unlock()
			}()
			w.runWorkflow(pw)
		}()
	}
}

// runWorkflow executes (or replays) one leased workflow to its next commit
// point.
func (w *Worker) runWorkflow(pw *db.PulledWorkflow) {
	ctx := w.runCtx
	w.observer.OnWorkflowPulled(ctx, pw.WorkflowID, pw.Name)

	fn, ok := w.registry.lookup(pw.Name)
	if !ok {
		// Pull filters on registered names; hitting this means the registry
		// shrank mid-flight. Park the workflow for the next poll.
		w.log.Warn("pulled unregistered workflow", slog.String("workflow", pw.Name))
		return
	}

	wctx := &WorkflowCtx{
		ctx:                  ctx,
		db:                   w.db,
		bus:                  w.bus,
		registry:             w.registry,
		observer:             w.observer,
		log:                  w.log.With(slog.String("workflow", pw.Name), slog.String("workflow_id", pw.WorkflowID.String())),
		workflowID:           pw.WorkflowID,
		name:                 pw.Name,
		rayID:                pw.RayID,
		tags:                 pw.Tags.Clone(),
		input:                pw.Input,
		cursor:               history.NewCursor(pw.History, history.RootLocation()),
		version:              1,
		inlineSleepThreshold: w.opts.InlineSleepThreshold,
		activityMaxRetries:   w.opts.ActivityMaxRetries,
	}

	start := time.Now()
	output, runErr := w.invoke(fn, wctx, pw)
	if w.metrics != nil {
		w.metrics.RunDuration.WithLabelValues(pw.Name).Observe(time.Since(start).Seconds())
	}

	switch {
	case runErr == nil:
		if err := w.db.CompleteWorkflow(ctx, pw.WorkflowID, output); err != nil {
			w.commitFailed(pw, err)
			return
		}
		w.observer.OnWorkflowCompleted(ctx, pw.WorkflowID, pw.Name)
		w.countRun(pw.Name, resultComplete)

	case isStopped(runErr):
		// Shutdown: abandon without committing. The lease expires and a
		// peer resumes from the last commit point.
		w.countRun(pw.Name, resultStopped)

	default:
		if s, ok := suspended(runErr); ok {
			if err := w.db.CommitWorkflow(ctx, pw.WorkflowID, s.wake, ""); err != nil {
				w.commitFailed(pw, err)
				return
			}
			w.observer.OnWorkflowSleep(ctx, pw.WorkflowID, pw.Name, s.reason)
			w.countRun(pw.Name, resultSleep)
			return
		}

		if api.IsHistoryDiverged(runErr) {
			// Fatal: park with no wake condition, operator intervention
			// required.
			if err := w.db.CommitWorkflow(ctx, pw.WorkflowID, db.WakeCondition{}, runErr.Error()); err != nil {
				w.commitFailed(pw, err)
				return
			}
			w.observer.OnWorkflowFailed(ctx, pw.WorkflowID, pw.Name, runErr, true)
			w.countRun(pw.Name, resultFatal)
			return
		}

		// Transient or user error: record it and retry after a flat delay.
		deadline := time.Now().Add(workflowRetryDelay).UnixMilli()
		if err := w.db.CommitWorkflow(ctx, pw.WorkflowID, db.WakeCondition{DeadlineTS: &deadline}, runErr.Error()); err != nil {
			w.commitFailed(pw, err)
			return
		}
		w.observer.OnWorkflowFailed(ctx, pw.WorkflowID, pw.Name, runErr, false)
		w.countRun(pw.Name, resultError)
	}
}

// workflowRetryDelay spaces retries of runs that failed outside activity
// backoff (panics, codec failures, transient db errors).
const workflowRetryDelay = 30 * time.Second

// invoke runs the workflow function with panic recovery.
func (w *Worker) invoke(fn RawWorkflowFn, wctx *WorkflowCtx, pw *db.PulledWorkflow) (output []byte, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("workflow %s panicked: %v\n%s", pw.Name, r, debug.Stack())
		}
	}()
	return fn(wctx, pw.Input)
}

func isStopped(err error) bool {
	return errors.Is(err, api.ErrWorkflowStopped) || errors.Is(err, context.Canceled)
}

func (w *Worker) commitFailed(pw *db.PulledWorkflow, err error) {
	// The lease stays held until its TTL; the workflow retries after that.
	w.log.Error("commit workflow",
		slog.String("workflow", pw.Name),
		slog.String("workflow_id", pw.WorkflowID.String()),
		slog.String("error", err.Error()))
	w.countRun(pw.Name, resultError)
}

func (w *Worker) countRun(name, result string) {
	if w.metrics != nil {
		w.metrics.WorkflowRuns.WithLabelValues(name, result).Inc()
	}
}

// pingTask refreshes this worker's liveness row and sweeps leases whose
// holder stopped pinging.
func (w *Worker) pingTask(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.db.UpdateWorkerPing(ctx, w.instanceID); err != nil {
			w.log.Warn("worker ping", slog.String("error", err.Error()))
			continue
		}
		n, err := w.db.ClearExpiredLeases(ctx, w.instanceID)
		if err != nil {
			w.log.Warn("clear expired leases", slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			w.log.Info("reclaimed expired leases", slog.Int("count", n))
			if w.metrics != nil {
				w.metrics.LeasesReclaimed.Add(float64(n))
			}
		}
	}
}

// metricsTask publishes backend aggregates into the Prometheus gauges.
func (w *Worker) metricsTask(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	ticker := time.NewTicker(w.opts.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := w.db.PublishMetrics(ctx)
		if err != nil {
			w.log.Warn("publish metrics", slog.String("error", err.Error()))
			continue
		}
		for state, counts := range map[string]map[string]int{
			"complete": snap.Complete,
			"running":  snap.Running,
			"sleeping": snap.Sleeping,
			"dead":     snap.Dead,
		} {
			for name, count := range counts {
				w.metrics.WorkflowsByState.WithLabelValues(name, state).Set(float64(count))
			}
		}
		for name, count := range snap.PendingSignals {
			w.metrics.PendingSignals.WithLabelValues(name).Set(float64(count))
		}
	}
}
