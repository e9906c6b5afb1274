package queue

import "sync"

// PayloadQueue is a protocol side queue: it holds whatever an enqueuer needs to
// answer or replay an event (request, response handle, raw message) keyed by
// the event id. Dequeue is the single point where ownership of an entry is
// taken, so completion, cancellation and drain can race safely: exactly one
// of them observes ok == true.
type PayloadQueue[T any] struct {
	mu    sync.Mutex
	items map[string]T
}

func NewPayloadQueue[T any]() *PayloadQueue[T] {
	return &PayloadQueue[T]{items: make(map[string]T)}
}

func (q *PayloadQueue[T]) Enqueue(id string, payload T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[id] = payload
}

func (q *PayloadQueue[T]) Get(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	payload, ok := q.items[id]
	return payload, ok
}

func (q *PayloadQueue[T]) Dequeue(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	payload, ok := q.items[id]
	if ok {
		delete(q.items, id)
	}
	return payload, ok
}

// DequeueWhere removes and returns every entry matching fn.
func (q *PayloadQueue[T]) DequeueWhere(fn func(id string, payload T) bool) map[string]T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]T)
	for id, payload := range q.items {
		if fn(id, payload) {
			out[id] = payload
			delete(q.items, id)
		}
	}
	return out
}

func (q *PayloadQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
