// Package schedule fires targets on cron frequencies. Every replica runs the
// same schedules; the claim ledger collapses simultaneous ticks to one event.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/cron"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

// tickTimeout bounds the claim round-trip of one tick.
const tickTimeout = 10 * time.Second

type Options struct {
	Frequency string `json:"frequency" yaml:"frequency"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Tick is the payload of a SCHEDULE event.
type Tick struct {
	Frequency string    `json:"frequency"`
	Timezone  string    `json:"timezone"`
	FiredAt   time.Time `json:"fired_at"`
}

// IdempotencyKey identifies one tick of one schedule, to the second.
func IdempotencyKey(target domain.Target, opts Options, firedAt time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s-%d", target.Cwd, target.Handler, opts.Frequency, opts.Timezone, firedAt.Unix())
}

type job struct {
	options Options
	entryID robfig.EntryID
}

type Enqueuer struct {
	deps   enqueuer.Deps
	parser *cron.Parser
	runner *robfig.Cron
	jobs   *enqueuer.Arena[*job]
	ticks  *queue.PayloadQueue[Tick]
	now    func() time.Time
}

func New(deps enqueuer.Deps) *Enqueuer {
	e := &Enqueuer{
		deps:   deps,
		parser: cron.NewParser(),
		runner: robfig.New(robfig.WithLocation(time.UTC)),
		jobs:   enqueuer.NewArena[*job](),
		ticks:  queue.NewPayloadQueue[Tick](),
		now:    time.Now,
	}
	if deps.Now != nil {
		e.now = deps.Now
	}
	deps.Replicate(e.Type(), e.subscribe, e.unsubscribe)
	deps.HandleShift(e.Type(), e.replay)
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeSchedule
}

// Run starts the cron runner and blocks until ctx is cancelled.
func (e *Enqueuer) Run(ctx context.Context) {
	e.runner.Start()
	log.Printf("schedule: runner started")
	<-ctx.Done()
	<-e.runner.Stop().Done()
	log.Printf("schedule: runner stopped")
}

func (e *Enqueuer) Subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}
	if err := e.subscribe(ctx, target, options); err != nil {
		return err
	}
	e.deps.Broadcast(ctx, e.Type(), enqueuer.MethodSubscribe, target, options)
	return nil
}

func (e *Enqueuer) subscribe(ctx context.Context, target domain.Target, opts any) error {
	options, err := enqueuer.DecodeOptions[Options](opts)
	if err != nil {
		return err
	}

	sched, err := e.parser.Parse(options.Frequency, options.Timezone)
	if err != nil {
		return fmt.Errorf("%w: %v", enqueuer.ErrInvalidOptions, err)
	}

	if _, dup := e.jobs.Find(func(entry *enqueuer.Entry[*job]) bool {
		return reflect.DeepEqual(entry.Target, target) && entry.Value.options == options
	}); dup {
		return nil
	}

	j := &job{options: options}
	entry := e.jobs.Add(target, j)
	j.entryID = e.runner.Schedule(sched, robfig.FuncJob(func() {
		e.tick(entry)
	}))
	e.deps.Subscriptions(e.Type(), e.jobs.Len())

	log.Printf("schedule: subscribed %s:%s frequency=%q timezone=%q", target.Cwd, target.Handler, options.Frequency, options.Timezone)
	return nil
}

func (e *Enqueuer) Unsubscribe(ctx context.Context, target domain.Target) error {
	if err := e.unsubscribe(ctx, target); err != nil {
		return err
	}
	e.deps.Broadcast(ctx, e.Type(), enqueuer.MethodUnsubscribe, target, nil)
	e.deps.Unsubscribed(e.Type(), target)
	return nil
}

func (e *Enqueuer) unsubscribe(ctx context.Context, target domain.Target) error {
	for _, entry := range e.jobs.RemoveMatching(target) {
		e.runner.Remove(entry.Value.entryID)
		log.Printf("schedule: unsubscribed %s:%s frequency=%q", entry.Target.Cwd, entry.Target.Handler, entry.Value.options.Frequency)
	}
	for id := range enqueuer.Withdraw(e.deps, e.Type(), target, e.ticks) {
		e.deps.Release(ctx, id)
	}
	e.deps.Subscriptions(e.Type(), e.jobs.Len())
	return nil
}

func (e *Enqueuer) tick(entry *enqueuer.Entry[*job]) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	opts := entry.Value.options
	firedAt := e.now().UTC().Truncate(time.Second)
	tick := Tick{Frequency: opts.Frequency, Timezone: opts.Timezone, FiredAt: firedAt}

	if err := e.fire(ctx, IdempotencyKey(entry.Target, opts, firedAt), entry.Target, tick); err != nil {
		log.Printf("schedule: tick of %s:%s at %s failed: %v", entry.Target.Cwd, entry.Target.Handler, firedAt.Format(time.RFC3339), err)
	}
}

// fire claims key and enqueues a new event for target when this node wins.
func (e *Enqueuer) fire(ctx context.Context, key string, target domain.Target, tick Tick) error {
	event := domain.NewEvent(e.Type(), target)
	e.ticks.Enqueue(event.ID, tick)

	won, err := e.deps.Claim(ctx, key, event, tick, func() error {
		return e.deps.Enqueue(event)
	})
	if err != nil || !won {
		e.ticks.Dequeue(event.ID)
	}
	return err
}

// replay re-fires a tick drained on another node.
func (e *Enqueuer) replay(ctx context.Context, rec claim.JobRecord) error {
	var tick Tick
	if err := json.Unmarshal(rec.Payload, &tick); err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}
	return e.fire(ctx, rec.Key, rec.Target, tick)
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	return e.ticks.Get(eventID)
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	if _, ok := e.ticks.Dequeue(eventID); !ok {
		return
	}
	e.deps.Release(context.Background(), eventID)
}

// OnEventsAreDrained shifts every drained tick to the cluster.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		e.ticks.Dequeue(event.ID)
		e.deps.Shift(ctx, event)
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.jobs.All() {
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value.options,
		})
	}
	return out
}
