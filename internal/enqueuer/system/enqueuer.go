// Package system emits lifecycle events of the trigger service itself.
// READY fires once, after subscriptions have been quiet for one window.
package system

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

const (
	EventReady = "READY"

	DefaultReadyWindow = time.Second
)

type Options struct {
	Name string `json:"name" yaml:"name"`
}

// Message is the payload of a SYSTEM event.
type Message struct {
	Name string `json:"name"`
}

type Enqueuer struct {
	deps   enqueuer.Deps
	window time.Duration

	subs     *enqueuer.Arena[Options]
	messages *queue.PayloadQueue[Message]

	mu    sync.Mutex
	timer *time.Timer
	fired bool
}

func New(deps enqueuer.Deps) *Enqueuer {
	return &Enqueuer{
		deps:     deps,
		window:   DefaultReadyWindow,
		subs:     enqueuer.NewArena[Options](),
		messages: queue.NewPayloadQueue[Message](),
	}
}

// WithReadyWindow sets how long subscriptions must be quiet before READY.
func (e *Enqueuer) WithReadyWindow(d time.Duration) *Enqueuer {
	if d > 0 {
		e.window = d
	}
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeSystem
}

// Ready reports whether READY has been emitted.
func (e *Enqueuer) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if options.Name != EventReady {
		return fmt.Errorf("%w: unknown system event %q", enqueuer.ErrInvalidOptions, options.Name)
	}

	if _, dup := e.subs.Find(func(entry *enqueuer.Entry[Options]) bool {
		return reflect.DeepEqual(entry.Target, target)
	}); dup {
		return nil
	}
	e.subs.Add(target, options)
	e.deps.Subscriptions(e.Type(), e.subs.Len())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		log.Printf("system: %s:%s subscribed after READY, ignoring", target.Cwd, target.Handler)
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.window, e.ready)
	return nil
}

// ready emits READY to every subscriber, once.
func (e *Enqueuer) ready() {
	e.mu.Lock()
	if e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.timer = nil
	e.mu.Unlock()

	subs := e.subs.All()
	log.Printf("system: READY to %d subscribers", len(subs))
	for _, entry := range subs {
		event := domain.NewEvent(e.Type(), entry.Target)
		e.messages.Enqueue(event.ID, Message{Name: EventReady})
		if err := e.deps.Enqueue(event); err != nil {
			e.messages.Dequeue(event.ID)
			log.Printf("system: READY for %s:%s: %v", entry.Target.Cwd, entry.Target.Handler, err)
		}
	}
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	e.subs.RemoveMatching(target)
	enqueuer.Withdraw(e.deps, e.Type(), target, e.messages)
	e.deps.Subscriptions(e.Type(), e.subs.Len())
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

// Close cancels a pending READY.
func (e *Enqueuer) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	return e.messages.Get(eventID)
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	e.messages.Dequeue(eventID)
}

// OnEventsAreDrained drops the payloads. READY is local to this node.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		e.messages.Dequeue(event.ID)
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.subs.All() {
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value,
		})
	}
	return out
}
