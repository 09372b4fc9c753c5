// Package kvdb implements the persistence contract over an ordered
// transactional key-value store. It is the authoritative backend design:
// every multi-key operation is one serializable transaction, values larger
// than 10 KB are chunked, and all scheduling state lives in ordered index
// subspaces.
package kvdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gasoline-run/gasoline/internal/db"
	"github.com/gasoline-run/gasoline/internal/history"
	"github.com/gasoline-run/gasoline/internal/kv"
)

// Options tunes a Database. Zero values take the package defaults.
type Options struct {
	// PollInterval is the worker's fallback tick when the wake stream is
	// silent.
	PollInterval time.Duration

	// LeaseTTL is how stale a worker's ping may be before peers reclaim its
	// leases.
	LeaseTTL time.Duration
}

// Database is the KV implementation of db.Database.
type Database struct {
	store kv.Store
	opts  Options

	wakeMu   sync.Mutex
	wakeSubs map[chan struct{}]struct{}
}

var _ db.Database = (*Database)(nil)

// New creates a Database over the given store.
func New(store kv.Store, opts Options) *Database {
	if opts.PollInterval <= 0 {
		opts.PollInterval = db.DefaultKVPollInterval
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = db.DefaultLeaseTTL
	}
	return &Database{
		store:    store,
		opts:     opts,
		wakeSubs: make(map[chan struct{}]struct{}),
	}
}

// NewMemory creates a Database over a fresh in-memory store. This is the
// default test and development backend.
func NewMemory(opts Options) (*Database, error) {
	store, err := kv.NewMemoryStore()
	if err != nil {
		return nil, err
	}
	return New(store, opts), nil
}

func (d *Database) WorkerPollInterval() time.Duration { return d.opts.PollInterval }
func (d *Database) LeaseTTL() time.Duration           { return d.opts.LeaseTTL }

// WakeSub returns a hint stream fed by writes on this process that make a
// workflow runnable. Cross-process wake hints travel over the pub/sub bus;
// the worker listens to both.
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

func (d *Database) notifyWake() {
	d.wakeMu.Lock()
	defer d.wakeMu.Unlock()
	for ch := range d.wakeSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// eventRecord is the stored payload for a history event. Kind, version,
// create_ts and loop_location live under their own field keys; the
// kind-specific payload is JSON under chunked "data" keys.

func marshalEventPayload(ev *history.Event) ([]byte, error) {
	var payload any
	switch ev.Kind {
	case history.KindActivity:
		payload = ev.Activity
	case history.KindSignal:
		payload = ev.Signal
	case history.KindSignalSend:
		payload = ev.SignalSend
	case history.KindMessageSend:
		payload = ev.MessageSend
	case history.KindSubWorkflow:
		payload = ev.SubWorkflow
	case history.KindLoop:
		payload = ev.Loop
	case history.KindSleep:
		payload = ev.Sleep
	case history.KindBranch, history.KindVersionCheck, history.KindRemoved:
		return nil, nil
	default:
		return nil, fmt.Errorf("kvdb: unknown event kind %d", ev.Kind)
	}
	return json.Marshal(payload)
}

func unmarshalEventPayload(ev *history.Event, data []byte) error {
	switch ev.Kind {
	case history.KindActivity:
		ev.Activity = &history.ActivityEvent{}
		return json.Unmarshal(data, ev.Activity)
	case history.KindSignal:
		ev.Signal = &history.SignalEvent{}
		return json.Unmarshal(data, ev.Signal)
	case history.KindSignalSend:
		ev.SignalSend = &history.SignalSendEvent{}
		return json.Unmarshal(data, ev.SignalSend)
	case history.KindMessageSend:
		ev.MessageSend = &history.MessageSendEvent{}
		return json.Unmarshal(data, ev.MessageSend)
	case history.KindSubWorkflow:
		ev.SubWorkflow = &history.SubWorkflowEvent{}
		return json.Unmarshal(data, ev.SubWorkflow)
	case history.KindLoop:
		ev.Loop = &history.LoopEvent{}
		return json.Unmarshal(data, ev.Loop)
	case history.KindSleep:
		ev.Sleep = &history.SleepEvent{}
		return json.Unmarshal(data, ev.Sleep)
	case history.KindBranch, history.KindVersionCheck, history.KindRemoved:
		return nil
	default:
		return fmt.Errorf("kvdb: unknown event kind %d", ev.Kind)
	}
}
