// Package database turns MongoDB change-stream documents into events. Every
// replica watches the same streams; the resume token of a change is the
// claim key, so each change is enqueued once across the cluster.
package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

const (
	ChangeInsert  = "INSERT"
	ChangeUpdate  = "UPDATE"
	ChangeReplace = "REPLACE"
	ChangeDelete  = "DELETE"
)

// closeTimeout bounds how long unsubscribe waits for a stream goroutine.
const closeTimeout = 5 * time.Second

type Options struct {
	Collection string `json:"collection" yaml:"collection"`
	Type       string `json:"type" yaml:"type"`
}

func (o Options) validate() (Options, error) {
	o.Type = strings.ToUpper(o.Type)
	if o.Collection == "" {
		return o, fmt.Errorf("%w: collection is required", enqueuer.ErrInvalidOptions)
	}
	switch o.Type {
	case ChangeInsert, ChangeUpdate, ChangeReplace, ChangeDelete:
		return o, nil
	default:
		return o, fmt.Errorf("%w: unknown change type %q", enqueuer.ErrInvalidOptions, o.Type)
	}
}

type UpdateDescription struct {
	UpdatedFields map[string]any `json:"updatedFields" bson:"updatedFields"`
	RemovedFields []string       `json:"removedFields" bson:"removedFields"`
}

// Change is the payload of a DATABASE event.
type Change struct {
	Kind              string             `json:"kind"`
	Collection        string             `json:"collection"`
	DocumentKey       map[string]any     `json:"documentKey"`
	Document          map[string]any     `json:"document,omitempty"`
	UpdateDescription *UpdateDescription `json:"updateDescription,omitempty"`
}

// changeDoc is the subset of a change event the enqueuer reads.
type changeDoc struct {
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	FullDocument  bson.M   `bson:"fullDocument"`
	DocumentKey   bson.M   `bson:"documentKey"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	UpdateDescription *UpdateDescription `bson:"updateDescription"`
}

// ClaimKey derives the idempotency key of a change from its resume token.
func ClaimKey(target domain.Target, resumeToken []byte) string {
	sum := sha256.Sum256(resumeToken)
	return fmt.Sprintf("%s-%s-%s", target.Cwd, target.Handler, hex.EncodeToString(sum[:]))
}

type stream struct {
	options Options
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	reason string
}

func (s *stream) markClosed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *stream) state() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

type Enqueuer struct {
	deps    enqueuer.Deps
	watcher Watcher
	streams *enqueuer.Arena[*stream]
	changes *queue.PayloadQueue[Change]
}

func New(deps enqueuer.Deps, watcher Watcher) *Enqueuer {
	e := &Enqueuer{
		deps:    deps,
		watcher: watcher,
		streams: enqueuer.NewArena[*stream](),
		changes: queue.NewPayloadQueue[Change](),
	}
	deps.Replicate(e.Type(), e.subscribe, e.unsubscribe)
	deps.HandleShift(e.Type(), e.replay)
	return e
}

func (e *Enqueuer) Type() domain.EventType {
	return domain.EventTypeDatabase
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
	if options, err = options.validate(); err != nil {
		return err
	}

	if _, dup := e.streams.Find(func(entry *enqueuer.Entry[*stream]) bool {
		return reflect.DeepEqual(entry.Target, target) && entry.Value.options == options
	}); dup {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{options: options, cancel: cancel, done: make(chan struct{})}
	entry := e.streams.Add(target, s)
	e.deps.Subscriptions(e.Type(), e.streams.Len())

	cursor, err := e.watcher.Watch(streamCtx, options.Collection, strings.ToLower(options.Type))
	if err != nil {
		close(s.done)
		s.markClosed(err.Error())
		e.deps.SubscriptionFailed(e.Type())
		log.Printf("database: watch %s/%s for %s:%s failed: %v", options.Collection, options.Type, target.Cwd, target.Handler, err)
		return nil
	}

	go e.consume(streamCtx, entry, cursor)
	log.Printf("database: watching %s/%s for %s:%s", options.Collection, options.Type, target.Cwd, target.Handler)
	return nil
}

func (e *Enqueuer) consume(ctx context.Context, entry *enqueuer.Entry[*stream], cursor Stream) {
	s := entry.Value
	defer close(s.done)
	defer cursor.Close(context.Background())

	for cursor.Next(ctx) {
		var doc changeDoc
		if err := cursor.Decode(&doc); err != nil {
			log.Printf("database: decode change on %s failed: %v", s.options.Collection, err)
			continue
		}
		if err := e.handle(ctx, entry.Target, doc); err != nil {
			log.Printf("database: change on %s for %s:%s failed: %v", s.options.Collection, entry.Target.Cwd, entry.Target.Handler, err)
		}
	}

	if err := cursor.Err(); err != nil && ctx.Err() == nil {
		s.markClosed(err.Error())
		e.deps.SubscriptionFailed(e.Type())
		log.Printf("database: stream %s/%s closed: %v", s.options.Collection, s.options.Type, err)
	}
}

func (e *Enqueuer) handle(ctx context.Context, target domain.Target, doc changeDoc) error {
	change := Change{
		Kind:              doc.OperationType,
		Collection:        doc.NS.Coll,
		DocumentKey:       doc.DocumentKey,
		Document:          doc.FullDocument,
		UpdateDescription: doc.UpdateDescription,
	}
	return e.fire(ctx, ClaimKey(target, doc.ID), target, change)
}

func (e *Enqueuer) fire(ctx context.Context, key string, target domain.Target, change Change) error {
	event := domain.NewEvent(e.Type(), target)
	e.changes.Enqueue(event.ID, change)

	won, err := e.deps.Claim(ctx, key, event, change, func() error {
		return e.deps.Enqueue(event)
	})
	if err != nil || !won {
		e.changes.Dequeue(event.ID)
	}
	return err
}

// replay re-runs the change handler for a job drained on another node.
func (e *Enqueuer) replay(ctx context.Context, rec claim.JobRecord) error {
	var change Change
	if err := json.Unmarshal(rec.Payload, &change); err != nil {
		return fmt.Errorf("decode change: %w", err)
	}
	return e.fire(ctx, rec.Key, rec.Target, change)
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
	for _, entry := range e.streams.RemoveMatching(target) {
		e.stop(entry)
		log.Printf("database: stopped watching %s/%s for %s:%s", entry.Value.options.Collection, entry.Value.options.Type, entry.Target.Cwd, entry.Target.Handler)
	}
	for id := range enqueuer.Withdraw(e.deps, e.Type(), target, e.changes) {
		e.deps.Release(ctx, id)
	}
	e.deps.Subscriptions(e.Type(), e.streams.Len())
	return nil
}

func (e *Enqueuer) stop(entry *enqueuer.Entry[*stream]) {
	entry.Value.cancel()
	select {
	case <-entry.Value.done:
	case <-time.After(closeTimeout):
		log.Printf("database: stream %s/%s did not stop within %s", entry.Value.options.Collection, entry.Value.options.Type, closeTimeout)
	}
}

// Close stops every stream without unsubscribing peers.
func (e *Enqueuer) Close() {
	for _, entry := range e.streams.All() {
		e.stop(entry)
	}
}

func (e *Enqueuer) Payload(eventID string) (any, bool) {
	return e.changes.Get(eventID)
}

func (e *Enqueuer) Complete(eventID string, result enqueuer.Result) {
	if _, ok := e.changes.Dequeue(eventID); !ok {
		return
	}
	e.deps.Release(context.Background(), eventID)
}

// OnEventsAreDrained releases the job record of every drained change and
// shifts it so a peer resumes the work.
func (e *Enqueuer) OnEventsAreDrained(ctx context.Context, events []domain.Event) error {
	for _, event := range events {
		e.changes.Dequeue(event.ID)
		e.deps.Shift(ctx, event)
	}
	e.deps.Drained(e.Type(), len(events))
	return nil
}

func (e *Enqueuer) Subscriptions() []enqueuer.SubscriptionInfo {
	var out []enqueuer.SubscriptionInfo
	for _, entry := range e.streams.All() {
		closed, reason := entry.Value.state()
		out = append(out, enqueuer.SubscriptionInfo{
			ID:      entry.ID,
			Type:    e.Type(),
			Target:  entry.Target,
			Options: entry.Value.options,
			Closed:  closed,
			Reason:  reason,
		})
	}
	return out
}
