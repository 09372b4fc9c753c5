package gasoline_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	gasoline "github.com/gasoline-run/gasoline"
	"github.com/gasoline-run/gasoline/internal/pubsub"
)

const waitTimeout = 15 * time.Second

// startRuntime assembles a memory-backed client/worker pair with fast test
// intervals. Workflows must be registered inside register; the worker reads
// the registry's name set on every pull.
func startRuntime(t *testing.T, opts gasoline.WorkerOptions, register func(r *gasoline.Registry)) (*gasoline.Client, *gasoline.Bus) {
	t.Helper()

	database, err := gasoline.NewMemoryDatabase(gasoline.DatabaseOptions{})
	if err != nil {
		t.Fatalf("memory database: %v", err)
	}
	bus := gasoline.NewMemoryBus(gasoline.BusOptions{})
	registry := gasoline.NewRegistry()
	register(registry)

	if opts.TickInterval <= 0 {
		opts.TickInterval = 20 * time.Millisecond
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 100 * time.Millisecond
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	worker := gasoline.NewWorker(database, bus, registry, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("worker run: %v", err)
		}
	})
	return gasoline.NewClient(database, bus), bus
}

func mustRegister[I, O any](t *testing.T, r *gasoline.Registry, name string, fn func(c *gasoline.WorkflowCtx, input I) (O, error)) {
	t.Helper()
	if err := gasoline.RegisterWorkflow(r, name, fn); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func dispatchWait[I, O any](t *testing.T, c *gasoline.Client, name string, input I) O {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	id, err := gasoline.DispatchWorkflow(c, ctx, name, input, gasoline.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch %s: %v", name, err)
	}
	out, err := gasoline.WaitForOutput[O](c, ctx, id)
	if err != nil {
		t.Fatalf("wait for %s output: %v", name, err)
	}
	return out
}

type echoInput struct {
	Word string `json:"word"`
}

type echoOutput struct {
	Word string `json:"word"`
}

func TestWorkflowCompletesAndMemoizesActivities(t *testing.T) {
	var runs atomic.Int32

	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "echo", func(c *gasoline.WorkflowCtx, in echoInput) (echoOutput, error) {
			word, err := gasoline.Activity(c, "upcase", in.Word, func(ctx *gasoline.ActivityCtx, w string) (string, error) {
				runs.Add(1)
				return strings.ToUpper(w), nil
			})
			if err != nil {
				return echoOutput{}, err
			}
			return echoOutput{Word: word}, nil
		})
	})

	out := dispatchWait[echoInput, echoOutput](t, client, "echo", echoInput{Word: "hej"})
	if out.Word != "HEJ" {
		t.Fatalf("output = %q, want HEJ", out.Word)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("activity ran %d times, want 1", n)
	}
}

type decision struct {
	Approved bool `json:"approved"`
}

func (decision) SignalName() string { return "decision" }

func TestSignalDelivery(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "approval", func(c *gasoline.WorkflowCtx, _ struct{}) (decision, error) {
			return gasoline.Listen[decision](c)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	id, err := gasoline.DispatchWorkflow(client, ctx, "approval", struct{}{}, gasoline.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Let the run reach its Listen poll loop before the signal lands.
	time.Sleep(100 * time.Millisecond)
	if _, err := client.Signal(ctx, id, decision{Approved: true}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	out, err := gasoline.WaitForOutput[decision](client, ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !out.Approved {
		t.Fatalf("signal payload lost: %+v", out)
	}
}

func TestTaggedSignalDelivery(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "order", func(c *gasoline.WorkflowCtx, _ struct{}) (decision, error) {
			return gasoline.Listen[decision](c)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	tags := gasoline.Tags{"order_id": uuid.NewString()}
	id, err := gasoline.DispatchWorkflow(client, ctx, "order", struct{}{}, gasoline.DispatchOptions{Tags: tags})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := client.SignalTagged(ctx, tags, decision{Approved: true}); err != nil {
		t.Fatalf("tagged signal: %v", err)
	}

	if _, err := gasoline.WaitForOutput[decision](client, ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSleepSuspendsAndResumesWithoutRerunningActivities(t *testing.T) {
	var runs atomic.Int32

	// A 10ms inline threshold forces the 400ms sleep to suspend, so the
	// second half of the workflow runs in a fresh replay.
	client, _ := startRuntime(t, gasoline.WorkerOptions{InlineSleepThreshold: 10 * time.Millisecond}, func(r *gasoline.Registry) {
		mustRegister(t, r, "nap", func(c *gasoline.WorkflowCtx, _ struct{}) (string, error) {
			before, err := gasoline.Activity(c, "before", 0, func(ctx *gasoline.ActivityCtx, _ int) (string, error) {
				runs.Add(1)
				return "before", nil
			})
			if err != nil {
				return "", err
			}
			if err := c.Sleep(400 * time.Millisecond); err != nil {
				return "", err
			}
			return before + "+after", nil
		})
	})

	out := dispatchWait[struct{}, string](t, client, "nap", struct{}{})
	if out != "before+after" {
		t.Fatalf("output = %q", out)
	}
	if n := runs.Load(); n != 1 {
		t.Fatalf("activity ran %d times across the suspension, want 1", n)
	}
}

func TestInlineSleepDoesNotSuspend(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "quicknap", func(c *gasoline.WorkflowCtx, _ struct{}) (bool, error) {
			if err := c.Sleep(50 * time.Millisecond); err != nil {
				return false, err
			}
			return true, nil
		})
	})

	start := time.Now()
	if out := dispatchWait[struct{}, bool](t, client, "quicknap", struct{}{}); !out {
		t.Fatal("no output")
	}
	// Served inline: no lease round-trip, so well under the 1s retry
	// backoff floor a suspension would imply.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("inline sleep took %v", elapsed)
	}
}

func TestActivityRetriesAfterTransientError(t *testing.T) {
	var attempts atomic.Int32

	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "flaky", func(c *gasoline.WorkflowCtx, _ struct{}) (int, error) {
			return gasoline.Activity(c, "unstable", 0, func(ctx *gasoline.ActivityCtx, _ int) (int, error) {
				if attempts.Add(1) == 1 {
					return 0, errors.New("transient failure")
				}
				return ctx.Attempt(), nil
			})
		})
	})

	out := dispatchWait[struct{}, int](t, client, "flaky", struct{}{})
	if n := attempts.Load(); n != 2 {
		t.Fatalf("activity attempted %d times, want 2", n)
	}
	// The second execution sees the persisted error count.
	if out != 1 {
		t.Fatalf("retry attempt = %d, want 1", out)
	}
}

type fallbackResult struct {
	Fallback   bool   `json:"fallback"`
	ErrorCount int    `json:"error_count"`
	Name       string `json:"name"`
}

func TestActivityErrorSurfacesAfterRetryBudget(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{ActivityMaxRetries: 1}, func(r *gasoline.Registry) {
		mustRegister(t, r, "doomed", func(c *gasoline.WorkflowCtx, _ struct{}) (fallbackResult, error) {
			_, err := gasoline.Activity(c, "always-fails", 0, func(ctx *gasoline.ActivityCtx, _ int) (int, error) {
				return 0, errors.New("permanent failure")
			})
			var ae *gasoline.ActivityError
			if errors.As(err, &ae) {
				return fallbackResult{Fallback: true, ErrorCount: ae.ErrorCount, Name: ae.Name}, nil
			}
			return fallbackResult{}, err
		})
	})

	out := dispatchWait[struct{}, fallbackResult](t, client, "doomed", struct{}{})
	if !out.Fallback {
		t.Fatalf("expected fallback path, got %+v", out)
	}
	if out.ErrorCount != 1 || out.Name != "always-fails" {
		t.Fatalf("activity error details = %+v", out)
	}
}

func TestSubWorkflowAwaitsChildOutput(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "double", func(c *gasoline.WorkflowCtx, n int) (int, error) {
			return gasoline.Activity(c, "mul", n, func(ctx *gasoline.ActivityCtx, n int) (int, error) {
				return n * 2, nil
			})
		})
		mustRegister(t, r, "quadruple", func(c *gasoline.WorkflowCtx, n int) (int, error) {
			once, err := gasoline.SubWorkflow[int, int](c, "double", n, gasoline.DispatchOptions{})
			if err != nil {
				return 0, err
			}
			return gasoline.SubWorkflow[int, int](c, "double", once, gasoline.DispatchOptions{})
		})
	})

	if out := dispatchWait[int, int](t, client, "quadruple", 3); out != 12 {
		t.Fatalf("output = %d, want 12", out)
	}
}

func TestDispatchDetachedChild(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "side", func(c *gasoline.WorkflowCtx, n int) (int, error) {
			return n + 1, nil
		})
		mustRegister(t, r, "launcher", func(c *gasoline.WorkflowCtx, n int) (uuid.UUID, error) {
			return gasoline.Dispatch(c, "side", n, gasoline.DispatchOptions{})
		})
	})

	childID := dispatchWait[int, uuid.UUID](t, client, "launcher", 41)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	out, err := gasoline.WaitForOutput[int](client, ctx, childID)
	if err != nil {
		t.Fatalf("wait for detached child: %v", err)
	}
	if out != 42 {
		t.Fatalf("child output = %d, want 42", out)
	}
}

type counterState struct {
	I   int `json:"i"`
	Sum int `json:"sum"`
}

func TestLoopAccumulatesStateAcrossIterations(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "squares", func(c *gasoline.WorkflowCtx, until int) (int, error) {
			return gasoline.Loop(c, counterState{}, func(c *gasoline.WorkflowCtx, s counterState) (counterState, *int, error) {
				if s.I >= until {
					return s, &s.Sum, nil
				}
				s.I++
				sq, err := gasoline.Activity(c, "square", s.I, func(ctx *gasoline.ActivityCtx, n int) (int, error) {
					return n * n, nil
				})
				if err != nil {
					return s, nil, err
				}
				s.Sum += sq
				return s, nil, nil
			})
		})
	})

	if out := dispatchWait[int, int](t, client, "squares", 3); out != 14 {
		t.Fatalf("sum of squares = %d, want 14", out)
	}
}

func TestBranchScopesInnerSteps(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "branchy", func(c *gasoline.WorkflowCtx, _ struct{}) (string, error) {
			var inner string
			err := c.Branch(func(c *gasoline.WorkflowCtx) error {
				var err error
				inner, err = gasoline.Activity(c, "inner", 0, func(ctx *gasoline.ActivityCtx, _ int) (string, error) {
					return "inner", nil
				})
				return err
			})
			if err != nil {
				return "", err
			}
			outer, err := gasoline.Activity(c, "outer", 0, func(ctx *gasoline.ActivityCtx, _ int) (string, error) {
				return "outer", nil
			})
			if err != nil {
				return "", err
			}
			return inner + "+" + outer, nil
		})
	})

	if out := dispatchWait[struct{}, string](t, client, "branchy", struct{}{}); out != "inner+outer" {
		t.Fatalf("output = %q", out)
	}
}

func TestCheckVersionRecordsCurrent(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "versioned", func(c *gasoline.WorkflowCtx, _ struct{}) (int, error) {
			return c.CheckVersion(3)
		})
	})

	if out := dispatchWait[struct{}, int](t, client, "versioned", struct{}{}); out != 3 {
		t.Fatalf("version = %d, want 3", out)
	}
}

func TestHistoryDivergenceKillsWorkflow(t *testing.T) {
	var stage atomic.Int32

	// The workflow picks its activity name from mutable state. Flipping the
	// stage between the first run and the post-sleep replay makes the replay
	// disagree with recorded history.
	client, _ := startRuntime(t, gasoline.WorkerOptions{InlineSleepThreshold: 10 * time.Millisecond}, func(r *gasoline.Registry) {
		mustRegister(t, r, "unstable", func(c *gasoline.WorkflowCtx, _ struct{}) (string, error) {
			name := "stage-one"
			if stage.Load() == 1 {
				name = "stage-two"
			}
			if _, err := gasoline.Activity(c, name, 0, func(ctx *gasoline.ActivityCtx, _ int) (string, error) {
				return name, nil
			}); err != nil {
				return "", err
			}
			if err := c.Sleep(500 * time.Millisecond); err != nil {
				return "", err
			}
			return name, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	id, err := gasoline.DispatchWorkflow(client, ctx, "unstable", struct{}{}, gasoline.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Flip after the first run has committed its activity and suspended.
	time.Sleep(200 * time.Millisecond)
	stage.Store(1)

	_, err = gasoline.WaitForOutput[string](client, ctx, id)
	if err == nil {
		t.Fatal("expected the diverged workflow to die")
	}
	if !strings.Contains(err.Error(), "dead") {
		t.Fatalf("error = %v, want a dead-workflow failure", err)
	}

	row, err := client.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Error == "" {
		t.Fatal("diverged workflow should record its error")
	}
	if row.WakeImmediate || row.WakeDeadlineTS != nil || len(row.WakeSignals) > 0 {
		t.Fatalf("diverged workflow must have no wake condition: %+v", row)
	}
}

type auditMessage struct {
	Action string `json:"action"`
}

func (auditMessage) MessageName() string { return "audit" }

func TestPublishMessageReachesBusSubscribers(t *testing.T) {
	received := make(chan gasoline.Envelope, 1)

	client, bus := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "audited", func(c *gasoline.WorkflowCtx, _ struct{}) (bool, error) {
			if err := gasoline.PublishMessage(c, auditMessage{Action: "created"}, c.Tags()); err != nil {
				return false, err
			}
			return true, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	sub, err := bus.Subscribe(ctx, pubsub.MessageSubject("audit"), nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	go func() {
		for env := range sub.C() {
			received <- env
		}
	}()

	dispatchWait[struct{}, bool](t, client, "audited", struct{}{})

	select {
	case env := <-received:
		if !strings.Contains(string(env.Body), "created") {
			t.Fatalf("message body = %s", env.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message on the bus")
	}
}

type ping struct {
	From uuid.UUID `json:"from"`
}

func (ping) SignalName() string { return "ping" }

func TestWorkflowSendsSignalToWorkflow(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "receiver", func(c *gasoline.WorkflowCtx, _ struct{}) (ping, error) {
			return gasoline.Listen[ping](c)
		})
		mustRegister(t, r, "sender", func(c *gasoline.WorkflowCtx, target uuid.UUID) (bool, error) {
			if _, err := gasoline.SendSignal(c, target, ping{From: c.WorkflowID()}); err != nil {
				return false, err
			}
			return true, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	receiverID, err := gasoline.DispatchWorkflow(client, ctx, "receiver", struct{}{}, gasoline.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch receiver: %v", err)
	}

	dispatchWait[uuid.UUID, bool](t, client, "sender", receiverID)

	if _, err := gasoline.WaitForOutput[ping](client, ctx, receiverID); err != nil {
		t.Fatalf("receiver never got the signal: %v", err)
	}
}

func TestUpdateStateAndTagsVisibleToClient(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "stateful", func(c *gasoline.WorkflowCtx, _ struct{}) (bool, error) {
			if err := c.UpdateState(map[string]string{"phase": "late"}); err != nil {
				return false, err
			}
			if err := c.UpdateTags(gasoline.Tags{"phase": "late"}); err != nil {
				return false, err
			}
			return true, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	id, err := gasoline.DispatchWorkflow(client, ctx, "stateful", struct{}{}, gasoline.DispatchOptions{Tags: gasoline.Tags{"phase": "early"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := gasoline.WaitForOutput[bool](client, ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	row, err := client.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(string(row.State), "late") {
		t.Fatalf("state = %s", row.State)
	}
	if row.Tags["phase"] != "late" {
		t.Fatalf("tags = %v", row.Tags)
	}
}

func TestTestRunnerLifecycle(t *testing.T) {
	runner, err := gasoline.NewTestRunner()
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	mustRegister(t, runner.Registry, "greet", func(c *gasoline.WorkflowCtx, in echoInput) (echoOutput, error) {
		return echoOutput{Word: "hello " + in.Word}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := runner.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	id, err := gasoline.DispatchWorkflow(runner.Client, ctx, "greet", echoInput{Word: "world"}, gasoline.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	out, err := gasoline.WaitForOutput[echoOutput](runner.Client, ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if out.Word != "hello world" {
		t.Fatalf("output = %q", out.Word)
	}

	if err := runner.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := runner.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestWorkflowHistoryDump(t *testing.T) {
	client, _ := startRuntime(t, gasoline.WorkerOptions{}, func(r *gasoline.Registry) {
		mustRegister(t, r, "traced", func(c *gasoline.WorkflowCtx, _ struct{}) (bool, error) {
			for _, name := range []string{"one", "two"} {
				if _, err := gasoline.Activity(c, name, name, func(ctx *gasoline.ActivityCtx, s string) (string, error) {
					return s, nil
				}); err != nil {
					return false, err
				}
			}
			return true, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	id, err := gasoline.DispatchWorkflow(client, ctx, "traced", struct{}{}, gasoline.DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := gasoline.WaitForOutput[bool](client, ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	events, err := client.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("history has %d events, want 2", len(events))
	}
	if events[0].Activity.Name != "one" || events[1].Activity.Name != "two" {
		t.Fatalf("history order: %q then %q", events[0].Activity.Name, events[1].Activity.Name)
	}
}
