package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// pgChannel is the single LISTEN/NOTIFY channel the driver multiplexes
// every subject over. NOTIFY payloads cap out around 8000 bytes, so the
// frame stays lean: subject plus base64 payload plus the origin id.
const pgChannel = "gasoline_pubsub"

type pgFrame struct {
	Origin  uuid.UUID `json:"o"`
	Subject string    `json:"s"`
	Payload string    `json:"p"`
}

// PostgresDriver carries the bus over PostgreSQL LISTEN/NOTIFY. Co-located
// subscribers in the same process get a fast-path delivery straight through
// the embedded memory driver; the origin id keeps the notification loop
// from delivering those frames twice.
type PostgresDriver struct {
	origin uuid.UUID
	dsn    string
	local  *MemoryDriver

	mu     sync.Mutex
	conn   *pgx.Conn // publish connection
	cancel context.CancelFunc
}

var _ Driver = (*PostgresDriver)(nil)

func NewPostgresDriver(ctx context.Context, dsn string) (*PostgresDriver, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect postgres: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d := &PostgresDriver{
		origin: uuid.New(),
		dsn:    dsn,
		local:  NewMemoryDriver(),
		conn:   conn,
		cancel: cancel,
	}
	go d.listenLoop(loopCtx)
	return d, nil
}

// listenLoop holds a dedicated connection on LISTEN and fans remote frames
// into local subscribers. It reconnects forever with a flat backoff.
func (d *PostgresDriver) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, d.dsn)
		if err != nil {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if _, err := conn.Exec(ctx, `LISTEN `+pgChannel); err != nil {
			conn.Close(ctx)
			continue
		}
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				break
			}
			var frame pgFrame
			if err := json.Unmarshal([]byte(n.Payload), &frame); err != nil {
				continue
			}
			if frame.Origin == d.origin {
				continue // already delivered on the fast path
			}
			payload, err := base64.StdEncoding.DecodeString(frame.Payload)
			if err != nil {
				continue
			}
			_ = d.local.Publish(ctx, frame.Subject, payload)
		}
		conn.Close(context.Background())
	}
}

func (d *PostgresDriver) Publish(ctx context.Context, subject string, payload []byte) error {
	// Local subscribers first; a NOTIFY round-trip adds latency for nothing
	// when the consumer is in-process.
	if err := d.local.Publish(ctx, subject, payload); err != nil {
		return err
	}

	frame, err := json.Marshal(pgFrame{
		Origin:  d.origin,
		Subject: subject,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.conn.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, string(frame))
	return err
}

func (d *PostgresDriver) Subscribe(ctx context.Context, subject string, h Handler) (DriverSubscription, error) {
	return d.local.Subscribe(ctx, subject, h)
}

func (d *PostgresDriver) Close() error {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Close(context.Background())
}
