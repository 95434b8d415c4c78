package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the Pub/Sub channel used when none is configured.
const DefaultRedisChannel = "mesh:offers"

// RedisOptions configures a RedisTransport.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Logger   *slog.Logger
}

// RedisTransport relays payloads over one Redis Pub/Sub channel. A single receive loop fans
// messages out to local subscribers.
type RedisTransport struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	logger  *slog.Logger
	reg     registry

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisTransport connects to Redis and subscribes to the channel before returning, so no
// payload published afterwards is missed.
func NewRedisTransport(ctx context.Context, opts RedisOptions) (*RedisTransport, error) {
	if opts.Addr == "" {
		return nil, errors.New("transport: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	t, err := NewRedisTransportFromClient(ctx, client, opts.Channel, opts.Logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return t, nil
}

func NewRedisTransportFromClient(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*RedisTransport, error) {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default().With("component", "redis-transport")
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("transport: redis subscribe %s: %w", channel, err)
	}

	t := &RedisTransport{client: client, pubsub: pubsub, channel: channel, logger: logger}
	t.wg.Add(1)
	go t.receive()
	return t, nil
}

func (t *RedisTransport) receive() {
	defer t.wg.Done()
	for msg := range t.pubsub.Channel() {
		if len(msg.Payload) > MaxPayloadSize {
			t.logger.Warn("dropping oversized payload", "size", len(msg.Payload))
			continue
		}
		t.reg.deliver([]byte(msg.Payload))
	}
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	if t.reg.isClosed() {
		return ErrClosed
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("transport: redis publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(h Handler) (Subscription, error) { return t.reg.add(h) }

func (t *RedisTransport) Unsubscribe(s Subscription) error { return t.reg.remove(s) }

func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.reg.close()
		err = errors.Join(t.pubsub.Close(), t.client.Close())
		t.wg.Wait()
	})
	return err
}

var _ Transport = (*RedisTransport)(nil)
