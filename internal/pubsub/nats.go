package pubsub

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATSDriver carries the bus over a NATS connection.
type NATSDriver struct {
	conn *nats.Conn
}

var _ Driver = (*NATSDriver)(nil)

// NewNATSDriver connects to the given NATS URL (for example
// nats.DefaultURL).
func NewNATSDriver(url string, opts ...nats.Option) (*NATSDriver, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSDriver{conn: conn}, nil
}

// NewNATSDriverConn wraps an existing connection. The caller keeps
// ownership; Close drains it either way.
func NewNATSDriverConn(conn *nats.Conn) *NATSDriver {
	return &NATSDriver{conn: conn}
}

func (d *NATSDriver) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := d.conn.Publish(subject, payload); err != nil {
		return err
	}
	return d.conn.FlushWithContext(ctx)
}

func (d *NATSDriver) Subscribe(ctx context.Context, subject string, h Handler) (DriverSubscription, error) {
	sub, err := d.conn.Subscribe(subject, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return natsSub{sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (d *NATSDriver) Close() error {
	return d.conn.Drain()
}
