package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"zajel-go/internal/zajel"
)

// RedisTransport publishes and subscribes on a Redis pub/sub channel.
type RedisTransport struct {
	rdb     *redis.Client
	ps      *redis.PubSub
	channel string
	in      *inbox
	done    chan struct{}
}

// NewRedisTransport connects using a redis:// URL and subscribes to channel.
func NewRedisTransport(ctx context.Context, url, channel string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return newRedisTransport(ctx, redis.NewClient(opts), channel)
}

func newRedisTransport(ctx context.Context, rdb *redis.Client, channel string) (*RedisTransport, error) {
	ps := rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed before returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		rdb.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	t := &RedisTransport{
		rdb:     rdb,
		ps:      ps,
		channel: channel,
		in:      newInbox(),
		done:    make(chan struct{}),
	}
	go t.forward(ps.Channel())
	return t, nil
}

func (t *RedisTransport) forward(ch <-chan *redis.Message) {
	defer close(t.done)
	for m := range ch {
		t.in.push([]byte(m.Payload))
	}
}

// Send publishes msg on the channel.
func (t *RedisTransport) Send(ctx context.Context, msg []byte) error {
	if err := t.rdb.Publish(ctx, t.channel, msg).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", t.channel, err)
	}
	return nil
}

// Inbound returns messages received on the channel.
func (t *RedisTransport) Inbound() <-chan []byte {
	return t.in.out
}

// Close unsubscribes and closes the client.
func (t *RedisTransport) Close() error {
	psErr := t.ps.Close()
	<-t.done
	t.in.close()
	if err := t.rdb.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	if psErr != nil {
		return fmt.Errorf("closing subscription: %w", psErr)
	}
	return nil
}

// Compile-time check that RedisTransport implements zajel.Transport
var _ zajel.Transport = (*RedisTransport)(nil)
