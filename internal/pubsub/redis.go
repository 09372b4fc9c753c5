package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisDriver carries the bus over Redis pub/sub.
type RedisDriver struct {
	client redis.UniversalClient
}

var _ Driver = (*RedisDriver)(nil)

func NewRedisDriver(client redis.UniversalClient) *RedisDriver {
	return &RedisDriver{client: client}
}

func (d *RedisDriver) Publish(ctx context.Context, subject string, payload []byte) error {
	return d.client.Publish(ctx, subject, payload).Err()
}

func (d *RedisDriver) Subscribe(ctx context.Context, subject string, h Handler) (DriverSubscription, error) {
	ps := d.client.Subscribe(ctx, subject)
	// Force the SUBSCRIBE round-trip so publishes after Subscribe returns
	// are guaranteed to be seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h([]byte(msg.Payload))
			case <-ctx.Done():
				_ = ps.Close()
				return
			}
		}
	}()
	return redisSub{ps}, nil
}

type redisSub struct {
	ps *redis.PubSub
}

func (s redisSub) Unsubscribe() error { return s.ps.Close() }

func (d *RedisDriver) SubscriberCount(ctx context.Context, subject string) (int, error) {
	counts, err := d.client.PubSubNumSub(ctx, subject).Result()
	if err != nil {
		return 0, err
	}
	return int(counts[subject]), nil
}

func (d *RedisDriver) Close() error {
	return d.client.Close()
}
