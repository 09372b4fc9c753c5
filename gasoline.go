package gasoline

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/db/kvdb"
	"github.com/gasoline-run/gasoline/internal/db/sqldb"
	"github.com/gasoline-run/gasoline/internal/engine"
	"github.com/gasoline-run/gasoline/internal/pubsub"
	"github.com/gasoline-run/gasoline/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Tags                 = api.Tags
	Signal               = api.Signal
	Message              = api.Message
	SignalEnvelope       = api.SignalEnvelope
	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	ActivityError        = api.ActivityError
	HistoryDivergedError = api.HistoryDivergedError

	WorkflowCtx     = engine.WorkflowCtx
	ActivityCtx     = engine.ActivityCtx
	Registry        = engine.Registry
	Worker          = engine.Worker
	WorkerOptions   = engine.WorkerOptions
	Metrics         = engine.Metrics
	DispatchOptions = engine.DispatchOptions

	Database        = db.Database
	WorkflowRow     = db.WorkflowRow
	SignalRow       = db.SignalRow
	MetricsSnapshot = db.MetricsSnapshot

	Bus        = pubsub.PubSub
	BusDriver  = pubsub.Driver
	BusOptions = pubsub.Options
	Envelope   = pubsub.Envelope
)

// Re-export common sentinels and helpers.

var (
	ErrWorkflowNotFound      = api.ErrWorkflowNotFound
	ErrSignalNotFound        = api.ErrSignalNotFound
	ErrWorkflowStopped       = api.ErrWorkflowStopped
	ErrSubWorkflowIncomplete = api.ErrSubWorkflowIncomplete

	IsHistoryDiverged    = api.IsHistoryDiverged
	NewRayID             = api.NewRayID
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewRegistry = engine.NewRegistry
	NewMetrics  = engine.NewMetrics
)

// DatabaseOptions tunes a persistence backend. Zero values take the backend
// defaults documented on the constructors.
type DatabaseOptions struct {
	// PollInterval is the worker's fallback tick when the wake stream is
	// silent. Defaults to 90s for the KV backend and 120s for SQL backends.
	PollInterval time.Duration

	// LeaseTTL is how stale a worker's ping may be before peers reclaim its
	// leases. Defaults to 60s.
	LeaseTTL time.Duration

	// PostgresDSN, when set on a postgres database, enables a LISTEN-based
	// wake stream so peers see dispatches without waiting for the poll tick.
	PostgresDSN string
}

// Database constructors
// These wrap the internal backend packages so external callers never need to
// import internal packages.

// NewMemoryDatabase returns a Database backed by an in-memory ordered KV
// store. Non-durable; intended for tests and development.
func NewMemoryDatabase(opts DatabaseOptions) (Database, error) {
	return kvdb.NewMemory(kvdb.Options{
		PollInterval: opts.PollInterval,
		LeaseTTL:     opts.LeaseTTL,
	})
}

// NewSQLiteDatabase returns a Database that persists workflows, signals and
// history in a SQLite database. The schema is created on first use.
func NewSQLiteDatabase(sqlDB *sql.DB, opts DatabaseOptions) (Database, error) {
	return sqldb.NewSQLite(sqlDB, sqldb.Options{
		PollInterval: opts.PollInterval,
		LeaseTTL:     opts.LeaseTTL,
	})
}

// NewPostgresDatabase returns a Database that persists workflows, signals and
// history in PostgreSQL. Set DatabaseOptions.PostgresDSN to receive wake
// notifications from peer processes over LISTEN/NOTIFY.
func NewPostgresDatabase(sqlDB *sql.DB, opts DatabaseOptions) (Database, error) {
	return sqldb.NewPostgres(sqlDB, sqldb.Options{
		PollInterval: opts.PollInterval,
		LeaseTTL:     opts.LeaseTTL,
		PostgresDSN:  opts.PostgresDSN,
	})
}

// Bus constructors

// NewMemoryBus returns a process-local bus. Handlers run synchronously on the
// publisher's goroutine; intended for tests and single-process deployments.
func NewMemoryBus(opts BusOptions) *Bus {
	return pubsub.New(pubsub.NewMemoryDriver(), opts)
}

// NewNATSBus connects to a NATS server and returns a bus over it.
func NewNATSBus(url string, opts BusOptions, natsOpts ...nats.Option) (*Bus, error) {
	drv, err := pubsub.NewNATSDriver(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	return pubsub.New(drv, opts), nil
}

// NewNATSBusConn returns a bus over an existing NATS connection. The caller
// keeps ownership of the connection.
func NewNATSBusConn(conn *nats.Conn, opts BusOptions) *Bus {
	return pubsub.New(pubsub.NewNATSDriverConn(conn), opts)
}

// NewRedisBus returns a bus over Redis pub/sub.
func NewRedisBus(client redis.UniversalClient, opts BusOptions) *Bus {
	return pubsub.New(pubsub.NewRedisDriver(client), opts)
}

// NewBus wraps a custom driver.
func NewBus(driver BusDriver, opts BusOptions) *Bus {
	return pubsub.New(driver, opts)
}

// NewWorker builds a worker that pulls and runs registered workflows. The bus
// may be nil; the worker then relies on the database wake stream and poll
// tick alone.
func NewWorker(database Database, bus *Bus, registry *Registry, opts WorkerOptions) *Worker {
	return engine.NewWorker(database, bus, registry, opts)
}

// Workflow operations
// Generic helpers cannot be aliased, so the engine ops are wrapped here.
// Methods on WorkflowCtx (Sleep, Branch, CheckVersion, Removed, UpdateTags,
// UpdateState) are reached through the type alias directly.

// RegisterWorkflow registers a typed workflow function under name. Input and
// output are serialized as JSON.
func RegisterWorkflow[I, O any](r *Registry, name string, fn func(c *WorkflowCtx, input I) (O, error)) error {
	return engine.Register(r, name, fn)
}

// Activity runs fn once and memoizes its output in history. On replay the
// recorded output is returned without re-running fn. Failed attempts retry
// with exponential backoff; an exhausted budget surfaces *ActivityError.
func Activity[I, O any](c *WorkflowCtx, name string, input I, fn func(ctx *ActivityCtx, input I) (O, error)) (O, error) {
	return engine.Activity(c, name, input, fn)
}

// Dispatch starts another workflow without awaiting it and returns its id.
func Dispatch[I any](c *WorkflowCtx, name string, input I, opts DispatchOptions) (uuid.UUID, error) {
	return engine.Dispatch(c, name, input, opts)
}

// SubWorkflow starts another workflow and awaits its output.
func SubWorkflow[I, O any](c *WorkflowCtx, name string, input I, opts DispatchOptions) (O, error) {
	return engine.SubWorkflow[I, O](c, name, input, opts)
}

// Listen awaits the next pending signal of type T for this workflow.
func Listen[T Signal](c *WorkflowCtx) (T, error) {
	return engine.Listen[T](c)
}

// Loop runs body repeatedly, persisting state between iterations and wiping
// each finished iteration's inner history so replay cost stays flat.
func Loop[S, O any](c *WorkflowCtx, state S, body func(c *WorkflowCtx, state S) (S, *O, error)) (O, error) {
	return engine.Loop(c, state, body)
}

// Non-generic op re-exports.

var (
	// ListenAny awaits the next pending signal matching one of names.
	ListenAny = engine.ListenAny

	// SendSignal publishes a signal to a specific workflow from inside a
	// running workflow, exactly once across replays.
	SendSignal = engine.SendSignal

	// SendTaggedSignal publishes a signal to the workflow matched by tags.
	SendTaggedSignal = engine.SendTaggedSignal

	// PublishMessage broadcasts a fire-and-forget message on the bus,
	// exactly once across replays.
	PublishMessage = engine.PublishMessage
)
