package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gasoline-run/gasoline/pkg/api"
)

func newTestBus(t *testing.T) *PubSub {
	t.Helper()
	bus := New(NewMemoryDriver(), Options{RequestTimeout: 500 * time.Millisecond})
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	sub, err := bus.Subscribe(ctx, MessageSubject("order-shipped"), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, MessageSubject("order-shipped"), Envelope{
		Body: json.RawMessage(`{"order":"o-1"}`),
	})
	require.NoError(t, err)

	env, err := sub.Next(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"order":"o-1"}`, string(env.Body))
	require.NotZero(t, env.ReqID, "seal should assign a request id")
	require.NotZero(t, env.TS, "seal should stamp the envelope")
}

func TestSubscribeTagFilter(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	sub, err := bus.Subscribe(ctx, MessageSubject("update"), api.Tags{"tenant": "acme"})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.PublishWait(ctx, MessageSubject("update"), Envelope{
		Tags: api.Tags{"tenant": "other"},
		Body: json.RawMessage(`"skip"`),
	}))
	require.NoError(t, bus.PublishWait(ctx, MessageSubject("update"), Envelope{
		Tags: api.Tags{"tenant": "acme", "region": "eu"},
		Body: json.RawMessage(`"keep"`),
	}))

	env, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, `"keep"`, string(env.Body))
}

func TestRequestReply(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	sub, err := bus.Subscribe(ctx, "rpc.ping", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go func() {
		req, err := sub.Next(ctx)
		if err != nil {
			return
		}
		_ = bus.Respond(ctx, req, json.RawMessage(`"pong"`))
	}()

	resp, err := bus.Request(ctx, "rpc.ping", Envelope{Body: json.RawMessage(`"ping"`)}, time.Second)
	require.NoError(t, err)
	require.Equal(t, `"pong"`, string(resp.Body))
}

func TestRequestNoResponders(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	_, err := bus.Request(ctx, "rpc.nobody", Envelope{}, time.Second)
	require.ErrorIs(t, err, ErrNoResponders)
}

func TestRequestTimeout(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	// A subscriber that never responds.
	sub, err := bus.Subscribe(ctx, "rpc.mute", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = bus.Request(ctx, "rpc.mute", Envelope{}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRespondToFireAndForgetIsNoop(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Respond(context.Background(), Envelope{}, json.RawMessage(`"x"`)))
}

func TestTail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus := newTestBus(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = bus.PublishWait(ctx, MessageSubject("done"), Envelope{Body: json.RawMessage(`1`)})
	}()

	env, err := bus.Tail(ctx, MessageSubject("done"), nil)
	require.NoError(t, err)
	require.Equal(t, `1`, string(env.Body))
}

func TestTailAnchorSkipsOldEnvelopes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus := newTestBus(t)

	anchor := time.Now().UnixMilli()
	go func() {
		time.Sleep(20 * time.Millisecond)
		// Replay from before the anchor, then a fresh envelope.
		_ = bus.PublishWait(ctx, MessageSubject("tick"), Envelope{TS: anchor - 1000, Body: json.RawMessage(`"old"`)})
		_ = bus.PublishWait(ctx, MessageSubject("tick"), Envelope{TS: anchor + 1000, Body: json.RawMessage(`"new"`)})
	}()

	env, err := bus.TailAnchor(ctx, MessageSubject("tick"), nil, anchor)
	require.NoError(t, err)
	require.Equal(t, `"new"`, string(env.Body))
}

func TestSubscriptionUnsubscribeClosesStream(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	sub, err := bus.Subscribe(ctx, "s", nil)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	// Publishing after unsubscribe must not panic or deliver.
	require.NoError(t, bus.PublishWait(ctx, "s", Envelope{}))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := newTestBus(t)

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(subCtx, "s", nil)
	require.NoError(t, err)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after context cancel")
		}
	}
}

func TestMemoryDriverSubscriberCount(t *testing.T) {
	ctx := context.Background()
	drv := NewMemoryDriver()

	n, err := drv.SubscriberCount(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, n)

	sub, err := drv.Subscribe(ctx, "a", func([]byte) {})
	require.NoError(t, err)

	n, err = drv.SubscriberCount(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, sub.Unsubscribe())
	n, err = drv.SubscriberCount(ctx, "a")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPublishRetriesTransientDriverError(t *testing.T) {
	drv := &flakyDriver{inner: NewMemoryDriver(), failures: 2}
	bus := New(drv, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "flaky", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "flaky", Envelope{Body: json.RawMessage(`true`)}))
	env, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, `true`, string(env.Body))
	require.Zero(t, drv.failures, "expected both injected failures consumed")
}

type flakyDriver struct {
	inner    *MemoryDriver
	failures int
}

func (d *flakyDriver) Publish(ctx context.Context, subject string, payload []byte) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("transient transport error")
	}
	return d.inner.Publish(ctx, subject, payload)
}

func (d *flakyDriver) Subscribe(ctx context.Context, subject string, h Handler) (DriverSubscription, error) {
	return d.inner.Subscribe(ctx, subject, h)
}

func (d *flakyDriver) Close() error { return d.inner.Close() }
