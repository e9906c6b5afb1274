package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Transport broadcasts encoded commands to every node, the sender included.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe starts delivering messages to fn and returns once the
	// subscription is live. The returned func stops delivery.
	Subscribe(ctx context.Context, fn func(payload []byte)) (func(), error)
}

// RedisTransport carries commands over a Redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, fn func(payload []byte)) (func(), error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	// Wait for the subscription confirmation so no command published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", t.channel, err)
	}

	msgs := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			pubsub.Close()
			<-done
		})
	}, nil
}

// MemoryHub is an in-process transport shared by several commanders, used by
// tests and single-node deployments. Delivery is synchronous.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[int]func([]byte)
	next int
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[int]func([]byte))}
}

func (h *MemoryHub) Publish(ctx context.Context, payload []byte) error {
	h.mu.RLock()
	subs := make([]func([]byte), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(payload)
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, fn func([]byte)) (func(), error) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}
