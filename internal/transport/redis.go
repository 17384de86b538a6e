package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"TrustMesh/internal/logger"
)

// Redis is a PubSub over Redis channels. Topics map one-to-one to channel
// names. Redis delivers a publication to the publisher's own subscriptions
// too; consumers filter by origin.
type Redis struct {
	client *redis.Client
	log    *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub // subs are closed on Close
	closed bool

	wg sync.WaitGroup
}

// DialRedis connects to url (redis://host:port/db) and checks it answers PING.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url:\n%w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s:\n%w", opts.Addr, err)
	}

	return &Redis{client: client, log: logger.WithComponent("redis")}, nil
}

// Publish sends data to the channel named topic.
func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s:\n%w", topic, err)
	}

	return nil
}

// Subscribe listens on topic and calls fn for every message, in order, on
// a dedicated goroutine. It returns once the server confirmed the
// subscription.
func (r *Redis) Subscribe(topic string, fn func(data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("subscribe to %s: redis transport closed", topic)
	}

	ctx := context.Background()
	ps := r.client.Subscribe(ctx, topic)

	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s:\n%w", topic, err)
	}

	r.subs = append(r.subs, ps)

	ch := ps.Channel()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for msg := range ch {
			fn([]byte(msg.Payload))
		}

		r.log.Debug("subscription ended", "topic", topic)
	}()

	return nil
}

// Close ends all subscriptions and the connection pool.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}

	r.wg.Wait()

	return r.client.Close()
}
