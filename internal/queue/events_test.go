package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

func newTestEvent() domain.Event {
	return domain.NewEvent(domain.EventTypeHTTP, domain.Target{Cwd: "/fn/test", Handler: "default"})
}

func TestEventQueue_EnqueueAndDequeue(t *testing.T) {
	q := NewEventQueue()
	event := newTestEvent()

	if err := q.Enqueue(event); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != event.ID {
		t.Errorf("ID = %v, want %v", got.ID, event.ID)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestEventQueue_FIFO(t *testing.T) {
	q := NewEventQueue()
	var ids []string
	for i := 0; i < 5; i++ {
		ev := newTestEvent()
		ids = append(ids, ev.ID)
		q.Enqueue(ev)
	}

	ctx := context.Background()
	for i, want := range ids {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue #%d failed: %v", i, err)
		}
		if got.ID != want {
			t.Errorf("Dequeue #%d = %s, want %s", i, got.ID, want)
		}
	}
}

func TestEventQueue_Full(t *testing.T) {
	q := NewEventQueue(WithCapacity(1))

	if err := q.Enqueue(newTestEvent()); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if err := q.Enqueue(newTestEvent()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got: %v", err)
	}
}

func TestEventQueue_Remove(t *testing.T) {
	q := NewEventQueue()
	a, b := newTestEvent(), newTestEvent()
	q.Enqueue(a)
	q.Enqueue(b)

	if !q.Remove(a.ID) {
		t.Fatal("Remove should report true for a queued event")
	}
	if q.Remove(a.ID) {
		t.Error("second Remove should report false")
	}

	got, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("Dequeue = %s, want %s", got.ID, b.ID)
	}
}

func TestEventQueue_RemoveWhere(t *testing.T) {
	q := NewEventQueue()
	a1 := domain.NewEvent(domain.EventTypeHTTP, domain.Target{Cwd: "/fn/a", Handler: "x"})
	b := domain.NewEvent(domain.EventTypeHTTP, domain.Target{Cwd: "/fn/b", Handler: "x"})
	a2 := domain.NewEvent(domain.EventTypeHTTP, domain.Target{Cwd: "/fn/a", Handler: "y"})
	q.Enqueue(a1)
	q.Enqueue(b)
	q.Enqueue(a2)

	removed := q.RemoveWhere(func(ev domain.Event) bool { return ev.Target.Cwd == "/fn/a" })
	if len(removed) != 2 || removed[0].ID != a1.ID || removed[1].ID != a2.ID {
		t.Fatalf("removed = %+v, want a1 then a2", removed)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	got, err := q.Dequeue(context.Background())
	if err != nil || got.ID != b.ID {
		t.Errorf("Dequeue = %s, %v; want %s", got.ID, err, b.ID)
	}
	if removed := q.RemoveWhere(func(domain.Event) bool { return true }); len(removed) != 0 {
		t.Errorf("empty queue removed %d", len(removed))
	}
}

func TestEventQueue_DequeueContextCancelled(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestEventQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewEventQueue()
	event := newTestEvent()

	done := make(chan domain.Event, 1)
	go func() {
		got, err := q.Dequeue(context.Background())
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(event)

	select {
	case got := <-done:
		if got.ID != event.ID {
			t.Errorf("ID = %s, want %s", got.ID, event.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Dequeue")
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := NewEventQueue()
	buffered := newTestEvent()
	q.Enqueue(buffered)
	q.Close()
	q.Close()

	if err := q.Enqueue(newTestEvent()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close: expected ErrQueueClosed, got %v", err)
	}

	got, err := q.Dequeue(context.Background())
	if err != nil || got.ID != buffered.ID {
		t.Fatalf("buffered event should still dequeue, got %v, %v", got.ID, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on empty closed queue, got %v", err)
	}
}

func TestEventQueue_TakeAll(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue(newTestEvent())
	q.Enqueue(newTestEvent())

	if got := len(q.TakeAll()); got != 2 {
		t.Errorf("TakeAll returned %d events, want 2", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len after TakeAll = %d, want 0", q.Len())
	}
}

func TestEventQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers = 10
	const perProducer = 100

	var received atomic.Int64
	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if _, err := q.Dequeue(ctx); err != nil {
					return
				}
				received.Add(1)
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if err := q.Enqueue(newTestEvent()); err != nil {
					t.Errorf("Enqueue failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	q.Close()
	consumers.Wait()

	if got := received.Load(); got != producers*perProducer {
		t.Errorf("received %d events, want %d", got, producers*perProducer)
	}
}

// mockQueueMetrics tracks calls to MetricsSink methods.
type mockQueueMetrics struct {
	mu        sync.Mutex
	sizes     []int
	enqueued  map[string]int
	errsCount int
}

func (m *mockQueueMetrics) QueueSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *mockQueueMetrics) EventEnqueued(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueued == nil {
		m.enqueued = make(map[string]int)
	}
	m.enqueued[eventType]++
}

func (m *mockQueueMetrics) EnqueueError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errsCount++
}

func TestEventQueue_Metrics(t *testing.T) {
	metrics := &mockQueueMetrics{}
	q := NewEventQueue(WithCapacity(1), WithMetrics(metrics))

	q.Enqueue(newTestEvent())
	q.Enqueue(newTestEvent())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.enqueued["HTTP"] != 1 {
		t.Errorf("EventEnqueued(HTTP) = %d, want 1", metrics.enqueued["HTTP"])
	}
	if metrics.errsCount != 1 {
		t.Errorf("EnqueueError calls = %d, want 1", metrics.errsCount)
	}
	if len(metrics.sizes) != 1 || metrics.sizes[0] != 1 {
		t.Errorf("QueueSizeUpdate calls = %v, want [1]", metrics.sizes)
	}
}
