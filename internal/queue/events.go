// Package queue holds the shared dispatch queue consumed by the worker pool and
// the per-protocol side queues that keep payloads and response handles keyed
// by event id.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// MetricsSink defines the interface for recording queue metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	QueueSizeUpdate(size int)
	EventEnqueued(eventType string)
	EnqueueError()
}

// EventQueue is the in-process FIFO shared by every enqueuer. Unlike a plain
// channel it supports removing a queued event by id, which is how cancelled
// HTTP and gRPC calls are withdrawn before a worker picks them up.
type EventQueue struct {
	mu       sync.Mutex
	items    []domain.Event
	capacity int // 0 = unbounded
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	metrics  MetricsSink
}

type Option func(*EventQueue)

// WithCapacity bounds the queue. Enqueue fails with ErrQueueFull instead of
// blocking once the bound is reached.
func WithCapacity(n int) Option {
	return func(q *EventQueue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(q *EventQueue) {
		q.metrics = m
	}
}

func NewEventQueue(opts ...Option) *EventQueue {
	q := &EventQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *EventQueue) Enqueue(event domain.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.EnqueueError()
		}
		return ErrQueueFull
	}
	q.items = append(q.items, event)
	size := len(q.items)
	q.mu.Unlock()

	q.signal()
	if q.metrics != nil {
		q.metrics.EventEnqueued(string(event.Type))
		q.metrics.QueueSizeUpdate(size)
	}
	return nil
}

// Dequeue blocks until an event is available, the queue is closed and empty,
// or ctx is done.
func (q *EventQueue) Dequeue(ctx context.Context) (domain.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			event := q.items[0]
			q.items[0] = domain.Event{}
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			if remaining > 0 {
				q.signal()
			}
			if q.metrics != nil {
				q.metrics.QueueSizeUpdate(remaining)
			}
			return event, nil
		}
		if q.closed {
			q.mu.Unlock()
			return domain.Event{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Remove withdraws a queued event. It reports false when the event was
// already taken by a worker or never queued.
func (q *EventQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, event := range q.items {
		if event.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if q.metrics != nil {
				q.metrics.QueueSizeUpdate(len(q.items))
			}
			return true
		}
	}
	return false
}

// RemoveWhere withdraws every queued event matching fn, oldest first.
func (q *EventQueue) RemoveWhere(fn func(domain.Event) bool) []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []domain.Event
	kept := q.items[:0]
	for _, event := range q.items {
		if fn(event) {
			removed = append(removed, event)
			continue
		}
		kept = append(kept, event)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = domain.Event{}
	}
	q.items = kept
	if len(removed) > 0 && q.metrics != nil {
		q.metrics.QueueSizeUpdate(len(q.items))
	}
	return removed
}

// TakeAll empties the queue and returns what was buffered, oldest first.
func (q *EventQueue) TakeAll() []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	events := q.items
	q.items = nil
	if q.metrics != nil {
		q.metrics.QueueSizeUpdate(0)
	}
	return events
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events. Buffered events can still be dequeued.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *EventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
