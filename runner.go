package gasoline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TestRunner bundles an in-memory database, an in-memory bus, a registry and
// a worker into a single process-local runtime for development and tests.
//
// Typical usage:
//
//	runner, _ := gasoline.NewTestRunner()
//	gasoline.RegisterWorkflow(runner.Registry, "greet", greet)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	id, _ := gasoline.DispatchWorkflow(runner.Client, ctx, "greet", input, gasoline.DispatchOptions{})
//	out, _ := gasoline.WaitForOutput[Greeting](runner.Client, ctx, id)
//
// TestRunner is intentionally not crash-durable.
type TestRunner struct {
	DB       Database
	Bus      *Bus
	Registry *Registry
	Client   *Client
	Worker   *Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// TestRunnerOptions tune the embedded worker. Zero values take fast,
// test-friendly defaults rather than the production ones.
type TestRunnerOptions struct {
	TickInterval    time.Duration
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
	Observer        Observer
	Logger          *slog.Logger
}

// NewTestRunner constructs a runner with default options.
func NewTestRunner() (*TestRunner, error) {
	return NewTestRunnerOptions(TestRunnerOptions{})
}

// NewTestRunnerOptions constructs a runner with the given options.
func NewTestRunnerOptions(opts TestRunnerOptions) (*TestRunner, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 250 * time.Millisecond
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}

	database, err := NewMemoryDatabase(DatabaseOptions{})
	if err != nil {
		return nil, err
	}
	bus := NewMemoryBus(BusOptions{})
	registry := NewRegistry()
	worker := NewWorker(database, bus, registry, WorkerOptions{
		TickInterval:    opts.TickInterval,
		PingInterval:    opts.PingInterval,
		ShutdownTimeout: opts.ShutdownTimeout,
		Observer:        opts.Observer,
		Logger:          opts.Logger,
	})

	return &TestRunner{
		DB:       database,
		Bus:      bus,
		Registry: registry,
		Client:   NewClient(database, bus),
		Worker:   worker,
	}, nil
}

// Start runs the embedded worker in the background until Stop or ctx end.
func (r *TestRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("gasoline: TestRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	done := r.done
	go func() {
		done <- r.Worker.Run(ctx)
	}()
	return nil
}

// Stop shuts the worker down and waits for it to drain.
func (r *TestRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	return <-done
}
