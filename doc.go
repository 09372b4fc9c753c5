// Package gasoline provides a durable, replay-based workflow engine for Go.
//
// Gasoline is designed for backend services that need long-lived business
// processes to survive crashes, restarts and redeploys. Workflows are plain
// Go functions; every side-effecting step is recorded in a persistent event
// history, and after an interruption the function is simply re-run, with
// recorded steps returning their memoized results instead of executing again.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. Registry
//  2. Workflow functions and WorkflowCtx
//  3. Database
//  4. Worker
//  5. Client
//  6. Bus
//
// # Workflows
//
// A workflow is a function registered under a name:
//
//	gasoline.RegisterWorkflow(registry, "onboard-user", func(c *gasoline.WorkflowCtx, in OnboardInput) (OnboardOutput, error) {
//	    account, err := gasoline.Activity(c, "create-account", in, createAccount)
//	    if err != nil {
//	        return OnboardOutput{}, err
//	    }
//	    approval, err := gasoline.Listen[ApprovalSignal](c)
//	    ...
//	})
//
// Workflow code must be deterministic: all I/O goes through the context
// operations (Activity, SubWorkflow, Listen, Sleep, Loop, SendSignal,
// PublishMessage). Between those points the engine treats the code as pure.
// When an operation cannot make progress, the workflow suspends: the engine
// persists a wake condition, releases the worker, and re-runs the function
// from the top once the condition holds.
//
// # Database
//
// All durable state lives behind the Database interface. Two families of
// backends ship with the module:
//
//   - In-memory ordered KV (non-durable, the default for tests)
//   - SQL, with SQLite and PostgreSQL dialects
//
// All backends implement the same contract and pass the same test suite, so
// applications can start on SQLite and move to Postgres without code changes.
//
// # Worker
//
// A Worker polls the database for runnable workflows, leases them, and runs
// them to their next suspension or completion. Leases are kept alive by a
// ping task; if a worker dies, peers reclaim its leases after the lease TTL.
// Workers scale horizontally over a shared database.
//
// # Client
//
// The Client is the outside-in API: dispatch workflows, deliver signals,
// await outputs, inspect history, and silence misbehaving workflows.
//
// # Bus
//
// The Bus broadcasts workflow messages and cross-process wake hints so that
// dispatches and signals are picked up without waiting for the poll tick.
// Drivers: in-memory, NATS, PostgreSQL LISTEN/NOTIFY, and Redis.
//
// # TestRunner
//
// TestRunner bundles an in-memory database, bus and worker into one helper
// for unit tests and local development. It is intentionally not
// crash-durable.
//
// For complete programs, see the /examples directory.
package gasoline
