package enqueuer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

// Registry indexes enqueuers by event type. The worker pool uses it to reach
// the owner of an event; the manifest loader and the API use it to manage
// subscriptions.
type Registry struct {
	mu        sync.RWMutex
	enqueuers map[domain.EventType]Enqueuer
}

func NewRegistry(enqueuers ...Enqueuer) *Registry {
	r := &Registry{enqueuers: make(map[domain.EventType]Enqueuer)}
	for _, e := range enqueuers {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Enqueuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueuers[e.Type()] = e
}

func (r *Registry) Get(typ domain.EventType) (Enqueuer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enqueuers[typ]
	return e, ok
}

// All returns the registered enqueuers in the order of domain.EventTypes.
func (r *Registry) All() []Enqueuer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Enqueuer, 0, len(r.enqueuers))
	for _, typ := range domain.EventTypes {
		if e, ok := r.enqueuers[typ]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) lookup(typ domain.EventType) (Enqueuer, error) {
	e, ok := r.Get(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, typ)
	}
	return e, nil
}

func (r *Registry) Subscribe(ctx context.Context, typ domain.EventType, target domain.Target, opts any) error {
	e, err := r.lookup(typ)
	if err != nil {
		return err
	}
	return e.Subscribe(ctx, target, opts)
}

func (r *Registry) Unsubscribe(ctx context.Context, typ domain.EventType, target domain.Target) error {
	e, err := r.lookup(typ)
	if err != nil {
		return err
	}
	return e.Unsubscribe(ctx, target)
}

// UnsubscribeAll removes target from every enqueuer.
func (r *Registry) UnsubscribeAll(ctx context.Context, target domain.Target) error {
	var errs []error
	for _, e := range r.All() {
		if err := e.Unsubscribe(ctx, target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Type(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Payload(event domain.Event) (any, bool) {
	e, ok := r.Get(event.Type)
	if !ok {
		return nil, false
	}
	return e.Payload(event.ID)
}

func (r *Registry) Complete(event domain.Event, result Result) error {
	e, err := r.lookup(event.Type)
	if err != nil {
		return err
	}
	e.Complete(event.ID, result)
	return nil
}

// Drain hands drained events to their enqueuers, grouped by type.
func (r *Registry) Drain(ctx context.Context, events []domain.Event) error {
	groups := make(map[domain.EventType][]domain.Event)
	for _, event := range events {
		groups[event.Type] = append(groups[event.Type], event)
	}

	types := make([]domain.EventType, 0, len(groups))
	for typ := range groups {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var errs []error
	for _, typ := range types {
		e, err := r.lookup(typ)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.OnEventsAreDrained(ctx, groups[typ]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}

// Subscriptions lists the subscriptions of every enqueuer.
func (r *Registry) Subscriptions() []SubscriptionInfo {
	var out []SubscriptionInfo
	for _, e := range r.All() {
		out = append(out, e.Subscriptions()...)
	}
	return out
}
