package enqueuer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

// Entry is one subscription held in an Arena.
type Entry[T any] struct {
	ID     string
	Target domain.Target
	Value  T
}

// Arena stores subscriptions under stable ids, in insertion order.
type Arena[T any] struct {
	mu    sync.RWMutex
	items map[string]*Entry[T]
	order []string
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{items: make(map[string]*Entry[T])}
}

func (a *Arena[T]) Add(target domain.Target, value T) *Entry[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := &Entry[T]{ID: uuid.NewString(), Target: target, Value: value}
	a.items[entry.ID] = entry
	a.order = append(a.order, entry.ID)
	return entry
}

func (a *Arena[T]) Get(id string) (*Entry[T], bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.items[id]
	return entry, ok
}

func (a *Arena[T]) Remove(id string) (*Entry[T], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeLocked(id)
}

// RemoveMatching removes every entry whose target is covered by filter and
// returns the removed entries.
func (a *Arena[T]) RemoveMatching(filter domain.Target) []*Entry[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []*Entry[T]
	for _, id := range append([]string(nil), a.order...) {
		if entry := a.items[id]; filter.Covers(entry.Target) {
			a.removeLocked(id)
			removed = append(removed, entry)
		}
	}
	return removed
}

func (a *Arena[T]) removeLocked(id string) (*Entry[T], bool) {
	entry, ok := a.items[id]
	if !ok {
		return nil, false
	}
	delete(a.items, id)
	for i, oid := range a.order {
		if oid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return entry, true
}

// Find returns the first entry satisfying fn.
func (a *Arena[T]) Find(fn func(*Entry[T]) bool) (*Entry[T], bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, id := range a.order {
		if entry := a.items[id]; fn(entry) {
			return entry, true
		}
	}
	return nil, false
}

// All returns a snapshot of the entries in insertion order.
func (a *Arena[T]) All() []*Entry[T] {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Entry[T], 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.items[id])
	}
	return out
}

func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}
