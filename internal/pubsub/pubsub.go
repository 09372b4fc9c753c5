// Package pubsub is the broadcast bus that carries workflow messages and
// cross-process wake hints. Transports are pluggable drivers; the facade
// adds the wire envelope, tag filtering, retries and request/reply on top
// of plain subject broadcast.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/gasoline-run/gasoline/pkg/api"
)

var (
	// ErrNoResponders is returned by Request when nobody is subscribed to
	// the subject at request time.
	ErrNoResponders = errors.New("pubsub: no responders")

	// ErrRequestTimeout is returned by Request when no reply arrives in
	// time.
	ErrRequestTimeout = errors.New("pubsub: request timeout")

	// ErrSubscriptionClosed is returned when receiving from a subscription
	// that has been unsubscribed or whose context ended.
	ErrSubscriptionClosed = errors.New("pubsub: subscription closed")
)

// Envelope is the wire format carried on every subject.
type Envelope struct {
	ReqID uuid.UUID       `json:"req_id"`
	RayID uuid.UUID       `json:"ray_id"`
	TS    int64           `json:"ts"`
	Tags  api.Tags        `json:"tags,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`

	// Reply carries the synthesized reply subject for request/reply.
	Reply string `json:"reply,omitempty"`
}

// Subject naming convention: <kind>.<name>.
func SignalSubject(name string) string  { return "signal." + name }
func MessageSubject(name string) string { return "message." + name }

// WakeSubject carries cross-process hints that some workflow became
// runnable.
const WakeSubject = "gasoline.wake"

// Handler receives the raw payload published on a subject.
type Handler func(payload []byte)

// DriverSubscription is a live driver-level subscription.
type DriverSubscription interface {
	Unsubscribe() error
}

// Driver is one transport under the bus. Delivery is broadcast: every
// subscriber of a subject receives each payload. Per publisher-subject
// pair, delivery preserves publish order.
type Driver interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, h Handler) (DriverSubscription, error)
	Close() error
}

// responderCounter is implemented by drivers that can tell whether a
// subject has any live subscribers. Without it, Request degrades to a
// plain timeout.
type responderCounter interface {
	SubscriberCount(ctx context.Context, subject string) (int, error)
}

// Options tune the facade.
type Options struct {
	// RequestTimeout bounds Request when the caller passes none.
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 5 * time.Second

// PubSub is the bus facade used by the engine and by clients.
type PubSub struct {
	driver Driver
	opts   Options
}

func New(driver Driver, opts Options) *PubSub {
	return &PubSub{driver: driver, opts: opts}
}

func (p *PubSub) Close() error { return p.driver.Close() }

// Publish is fire-and-forget: it retries the transport forever with
// exponential backoff until the publish is accepted or ctx ends.
func (p *PubSub) Publish(ctx context.Context, subject string, env Envelope) error {
	payload, err := p.seal(&env)
	if err != nil {
		return err
	}
	backoff := retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.driver.Publish(ctx, subject, payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// PublishWait publishes once and returns on the transport's ack.
func (p *PubSub) PublishWait(ctx context.Context, subject string, env Envelope) error {
	payload, err := p.seal(&env)
	if err != nil {
		return err
	}
	return p.driver.Publish(ctx, subject, payload)
}

func (p *PubSub) seal(env *Envelope) ([]byte, error) {
	if env.ReqID == uuid.Nil {
		env.ReqID = uuid.New()
	}
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode envelope: %w", err)
	}
	return payload, nil
}

// Subscription is a stream of envelopes on one subject, optionally
// filtered so only envelopes whose tags contain the filter pass through.
type Subscription struct {
	ch     chan Envelope
	cancel context.CancelFunc
	sub    DriverSubscription

	mu     sync.Mutex
	closed bool
}

// C is the stream. It closes on Unsubscribe or context end.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Next blocks for the next envelope.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return Envelope{}, ErrSubscriptionClosed
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// deliver hands an envelope to the stream, dropping it when the consumer
// lags or the subscription is gone.
func (s *Subscription) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- env:
	default:
	}
}

func (s *Subscription) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) Unsubscribe() error {
	s.cancel()
	err := s.sub.Unsubscribe()
	s.closeStream()
	return err
}

// Subscribe opens a tag-filtered stream on a subject. The stream ends with
// ctx; slow consumers drop envelopes rather than block the transport.
func (p *PubSub) Subscribe(ctx context.Context, subject string, filter api.Tags) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ch: make(chan Envelope, 64), cancel: cancel}

	drvSub, err := p.driver.Subscribe(subCtx, subject, func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		if len(filter) > 0 && !env.Tags.Contains(filter) {
			return
		}
		sub.deliver(env)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	sub.sub = drvSub

	go func() {
		<-subCtx.Done()
		sub.closeStream()
	}()

	return sub, nil
}

// Request publishes on a subject and waits for one reply on a synthesized
// reply subject. It fails fast with ErrNoResponders when the driver can
// see that nobody listens, and with ErrRequestTimeout otherwise.
func (p *PubSub) Request(ctx context.Context, subject string, env Envelope, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		timeout = p.opts.RequestTimeout
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	if counter, ok := p.driver.(responderCounter); ok {
		n, err := counter.SubscriberCount(ctx, subject)
		if err != nil {
			return Envelope{}, err
		}
		if n == 0 {
			return Envelope{}, ErrNoResponders
		}
	}

	reply := "_reply." + uuid.NewString()
	env.Reply = reply

	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sub, err := p.Subscribe(subCtx, reply, nil)
	if err != nil {
		return Envelope{}, err
	}
	defer sub.Unsubscribe()

	if err := p.PublishWait(ctx, subject, env); err != nil {
		return Envelope{}, err
	}

	out, err := sub.Next(subCtx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrSubscriptionClosed) {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		return Envelope{}, ErrRequestTimeout
	}
	return out, err
}

// Respond sends a reply for a received request envelope. Envelopes without
// a reply subject are fire-and-forget; responding to them is a no-op.
func (p *PubSub) Respond(ctx context.Context, req Envelope, body json.RawMessage) error {
	if req.Reply == "" {
		return nil
	}
	return p.PublishWait(ctx, req.Reply, Envelope{
		RayID: req.RayID,
		Body:  body,
	})
}

// Tail subscribes and returns the first envelope matching the filter.
func (p *PubSub) Tail(ctx context.Context, subject string, filter api.Tags) (Envelope, error) {
	sub, err := p.Subscribe(ctx, subject, filter)
	if err != nil {
		return Envelope{}, err
	}
	defer sub.Unsubscribe()
	return sub.Next(ctx)
}

// TailAnchor returns the first matching envelope published after the
// anchor timestamp, discarding any late replays at or before it.
func (p *PubSub) TailAnchor(ctx context.Context, subject string, filter api.Tags, anchorTS int64) (Envelope, error) {
	sub, err := p.Subscribe(ctx, subject, filter)
	if err != nil {
		return Envelope{}, err
	}
	defer sub.Unsubscribe()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if env.TS > anchorTS {
			return env, nil
		}
	}
}
