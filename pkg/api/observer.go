package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Observer receives callbacks from the worker for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowPulled is called when the worker leases a workflow and is
	// about to run (or replay) it.
	OnWorkflowPulled(ctx context.Context, workflowID uuid.UUID, name string)

	// OnWorkflowCompleted is called once, when the workflow's output is
	// committed.
	OnWorkflowCompleted(ctx context.Context, workflowID uuid.UUID, name string)

	// OnWorkflowSleep is called when a run suspends on a wake condition and
	// releases its lease.
	OnWorkflowSleep(ctx context.Context, workflowID uuid.UUID, name string, reason string)

	// OnWorkflowFailed is called when a run commits an error. Fatal reports
	// whether the workflow was parked without a wake condition (history
	// divergence) and needs operator intervention.
	OnWorkflowFailed(ctx context.Context, workflowID uuid.UUID, name string, err error, fatal bool)

	// OnActivityStart is called before an activity body executes. It is not
	// called for replayed activities.
	OnActivityStart(ctx context.Context, workflowID uuid.UUID, activityName string)

	// OnActivityCompleted is called after an activity body returns, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, workflowID uuid.UUID, activityName string, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowPulled(ctx context.Context, id uuid.UUID, name string)        {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, id uuid.UUID, name string)     {}
func (NoopObserver) OnWorkflowSleep(ctx context.Context, id uuid.UUID, name, reason string) {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, id uuid.UUID, name string, err error, fatal bool) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, id uuid.UUID, activityName string) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, id uuid.UUID, activityName string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowPulled(ctx context.Context, id uuid.UUID, name string) {
	for _, o := range c.observers {
		o.OnWorkflowPulled(ctx, id, name)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, id uuid.UUID, name string) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, id, name)
	}
}

func (c *CompositeObserver) OnWorkflowSleep(ctx context.Context, id uuid.UUID, name, reason string) {
	for _, o := range c.observers {
		o.OnWorkflowSleep(ctx, id, name, reason)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, id uuid.UUID, name string, err error, fatal bool) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, id, name, err, fatal)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, id uuid.UUID, activityName string) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, id, activityName)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, id uuid.UUID, activityName string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, id, activityName, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowPulled(ctx context.Context, id uuid.UUID, name string) {
	o.Logger.DebugContext(ctx, "workflow_pulled",
		slog.String("workflow", name),
		slog.String("workflow_id", id.String()),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, id uuid.UUID, name string) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", name),
		slog.String("workflow_id", id.String()),
	)
}

func (o *LoggingObserver) OnWorkflowSleep(ctx context.Context, id uuid.UUID, name, reason string) {
	o.Logger.DebugContext(ctx, "workflow_sleep",
		slog.String("workflow", name),
		slog.String("workflow_id", id.String()),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, id uuid.UUID, name string, err error, fatal bool) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", name),
		slog.String("workflow_id", id.String()),
		slog.String("error", err.Error()),
		slog.Bool("fatal", fatal),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, id uuid.UUID, activityName string) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("workflow_id", id.String()),
		slog.String("activity", activityName),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, id uuid.UUID, activityName string, err error, d time.Duration) {
	if err != nil {
		o.Logger.WarnContext(ctx, "activity_failed",
			slog.String("workflow_id", id.String()),
			slog.String("activity", activityName),
			slog.Duration("duration", d),
			slog.String("error", err.Error()),
		)
		return
	}
	o.Logger.DebugContext(ctx, "activity_completed",
		slog.String("workflow_id", id.String()),
		slog.String("activity", activityName),
		slog.Duration("duration", d),
	)
}
