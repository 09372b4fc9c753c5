package pubsub

import (
	"context"
	"sync"
)

// MemoryDriver is the in-process transport. Handlers run synchronously on
// the publisher's goroutine, which preserves publish order per subscriber.
type MemoryDriver struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

var _ Driver = (*MemoryDriver)(nil)

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	driver  *MemoryDriver
	subject string
	handler Handler
}

func (s *memorySub) Unsubscribe() error {
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	if set, ok := s.driver.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.driver.subs, s.subject)
		}
	}
	return nil
}

func (d *MemoryDriver) Publish(ctx context.Context, subject string, payload []byte) error {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.subs[subject]))
	for s := range d.subs[subject] {
		handlers = append(handlers, s.handler)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (d *MemoryDriver) Subscribe(ctx context.Context, subject string, h Handler) (DriverSubscription, error) {
	sub := &memorySub{driver: d, subject: subject, handler: h}
	d.mu.Lock()
	if d.subs[subject] == nil {
		d.subs[subject] = make(map[*memorySub]struct{})
	}
	d.subs[subject][sub] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

func (d *MemoryDriver) SubscriberCount(ctx context.Context, subject string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[subject]), nil
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[string]map[*memorySub]struct{})
	d.closed = true
	return nil
}
