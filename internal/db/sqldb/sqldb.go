// Package sqldb implements the persistence contract on a relational
// database. It speaks plain database/sql with two dialects: SQLite (for
// example via "modernc.org/sqlite") and PostgreSQL (via
// "github.com/jackc/pgx/v5/stdlib"). The caller imports the driver for its
// side effects and hands over an opened *sql.DB.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gasoline-run/gasoline/internal/db"
)

// Dialect selects the SQL flavor used for placeholders and DDL.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Options tune scheduling behavior. Zero values fall back to defaults.
type Options struct {
	// PollInterval is the fallback worker tick when no wake notification
	// arrives.
	PollInterval time.Duration
	// LeaseTTL is how long a worker's last ping keeps its leases alive.
	LeaseTTL time.Duration
	// PostgresDSN enables LISTEN/NOTIFY wake delivery between processes.
	// Only meaningful with DialectPostgres; empty keeps wakes process-local.
	PostgresDSN string
}

// Database implements db.Database on a relational store.
type Database struct {
	db      *sql.DB
	dialect Dialect
	opts    Options

	wakeMu   sync.Mutex
	wakeSubs map[chan struct{}]struct{}
}

var _ db.Database = (*Database)(nil)

// New initializes the schema and returns a Database for the given dialect.
func New(sqlDB *sql.DB, dialect Dialect, opts Options) (*Database, error) {
	d := &Database{
		db:       sqlDB,
		dialect:  dialect,
		opts:     opts,
		wakeSubs: make(map[chan struct{}]struct{}),
	}
	if err := d.initSchema(); err != nil {
		return nil, fmt.Errorf("sqldb: init schema: %w", err)
	}
	if dialect == DialectPostgres && opts.PostgresDSN != "" {
		go d.listenWakeNotifications(opts.PostgresDSN)
	}
	return d, nil
}

// NewSQLite is a convenience constructor for a SQLite-backed Database.
func NewSQLite(sqlDB *sql.DB, opts Options) (*Database, error) {
	return New(sqlDB, DialectSQLite, opts)
}

// NewPostgres is a convenience constructor for a PostgreSQL-backed Database.
func NewPostgres(sqlDB *sql.DB, opts Options) (*Database, error) {
	return New(sqlDB, DialectPostgres, opts)
}

func (d *Database) WorkerPollInterval() time.Duration {
	if d.opts.PollInterval > 0 {
		return d.opts.PollInterval
	}
	return db.DefaultSQLPollInterval
}

func (d *Database) LeaseTTL() time.Duration {
	if d.opts.LeaseTTL > 0 {
		return d.opts.LeaseTTL
	}
	return db.DefaultLeaseTTL
}

// WakeSub returns a channel that receives a tick whenever a workflow may
// have become runnable. The subscription ends with ctx.
func (d *Database) WakeSub(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	d.wakeMu.Lock()
	d.wakeSubs[ch] = struct{}{}
	d.wakeMu.Unlock()
	go func() {
		<-ctx.Done()
		d.wakeMu.Lock()
		delete(d.wakeSubs, ch)
		d.wakeMu.Unlock()
	}()
	return ch, nil
}

func (d *Database) notifyWake(ctx context.Context) {
	d.wakeMu.Lock()
	for ch := range d.wakeSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	d.wakeMu.Unlock()

	if d.dialect == DialectPostgres && d.opts.PostgresDSN != "" {
		// Best effort; the poll tick covers a lost notification.
		_, _ = d.db.ExecContext(ctx, `NOTIFY gasoline_wake`)
	}
}

// listenWakeNotifications holds a dedicated pgx connection on LISTEN and
// fans incoming notifications into local subscribers. Reconnects forever
// with a flat backoff; the worker poll tick covers the gaps.
func (d *Database) listenWakeNotifications(dsn string) {
	ctx := context.Background()
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			time.Sleep(5 * time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, `LISTEN gasoline_wake`); err != nil {
			conn.Close(ctx)
			time.Sleep(5 * time.Second)
			continue
		}
		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				break
			}
			d.wakeMu.Lock()
			for ch := range d.wakeSubs {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			d.wakeMu.Unlock()
		}
		conn.Close(ctx)
	}
}

// rebind rewrites ? placeholders into $1..$n for PostgreSQL. Queries are
// written once in SQLite style.
func (d *Database) rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func (d *Database) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return tx.QueryContext(ctx, d.rebind(query), args...)
}

func (d *Database) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return tx.QueryRowContext(ctx, d.rebind(query), args...)
}

// withTx runs fn inside one transaction so every contract method is atomic.
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
