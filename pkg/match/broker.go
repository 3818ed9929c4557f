package match

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed when
// the subscription dies; callers treat that as RendezvousClosed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is the narrow slice of the rendezvous service the protocol
// needs: fan-out publish, channel subscribe, and an atomic create-only
// expiring key. Implemented by RedisBroker; tests supply an in-process
// fake.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	SetNXEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Close() error
}

// RedisBroker adapts a Redis (or Dragonfly) connection to the Broker
// interface. The client handle is cloneable and internally serialized;
// each Subscribe gets its own pub/sub connection.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects to the broker at url
// (redis://[user:pass@]host:port[/db]) and verifies the connection.
func NewRedisBroker(ctx context.Context, url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse match server url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("match server connection failed: %w", err)
	}
	return &RedisBroker{rdb: rdb}, nil
}

// Publish sends a payload to every subscriber of the channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	// Force the subscribe round-trip so a dead broker surfaces here
	// rather than as a silently empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	// A small buffer lets the pump drain and exit when the consumer
	// stops reading before Close; inbound rate is O(announcements/sec).
	sub := &redisSubscription{pubsub: pubsub, out: make(chan Message, 16)}
	go sub.pump()
	return sub, nil
}

// SetNXEx atomically creates key with a TTL. Returns false when the key
// already exists, meaning another OUT holds the lock.
func (b *RedisBroker) SetNXEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the underlying connection pool.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
