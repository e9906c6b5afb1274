package enqueuer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/cluster"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/queue"
)

// MetricsSink defines the interface for recording enqueuer metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	SubscriptionsUpdate(eventType string, count int)
	SubscriptionFailed(eventType string)
	ReconnectAttempt(eventType string)
	EventsDrained(eventType string, count int)
	EventCancelled(eventType string)
	ClaimAttempt(kind string, won bool)
	JobRecordMissing(kind string)
}

// Deps is what every enqueuer is constructed with.
type Deps struct {
	Queue *queue.EventQueue

	// Ledger is optional. Without it claims always win and drained jobs
	// have no record to shift.
	Ledger claim.Store

	// Commander is optional. Without it nothing is replicated to peers and
	// shifted jobs are dropped after logging.
	Commander *cluster.Commander

	Metrics MetricsSink // optional, nil = disabled

	// OnUnsubscribe notifies the external scheduler that a target lost a
	// trigger on this node.
	OnUnsubscribe func(typ domain.EventType, target domain.Target)

	Now func() time.Time // defaults to time.Now
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Node returns the id of this node on the command bus, empty when alone.
func (d Deps) Node() string {
	if d.Commander == nil {
		return ""
	}
	return d.Commander.Node()
}

// Enqueue pushes event onto the shared queue.
func (d Deps) Enqueue(event domain.Event) error {
	if err := d.Queue.Enqueue(event); err != nil {
		return fmt.Errorf("enqueue %s event %s: %w", event.Type, event.ID, err)
	}
	return nil
}

// Claim writes a job record for event under key and runs enqueue only if this
// node won the key. payload is stored so a peer can replay the job.
func (d Deps) Claim(ctx context.Context, key string, event domain.Event, payload any, enqueue func() error) (bool, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("encode job payload: %w", err)
		}
		raw = b
	}

	rec := claim.JobRecord{
		Key:       key,
		EventID:   event.ID,
		Kind:      event.Type,
		Target:    event.Target,
		Payload:   raw,
		Owner:     d.Node(),
		CreatedAt: d.now().UTC(),
	}

	won, err := claim.Do(ctx, d.Ledger, rec, enqueue)
	if err != nil {
		return won, err
	}
	if d.Ledger != nil && d.Metrics != nil {
		d.Metrics.ClaimAttempt(string(event.Type), won)
	}
	return won, nil
}

// Release deletes the job record of a completed event. A missing record is
// normal here: unclaimed protocols never write one.
func (d Deps) Release(ctx context.Context, eventID string) {
	if d.Ledger == nil {
		return
	}
	if _, _, err := d.Ledger.ReleaseAndFetch(ctx, eventID); err != nil {
		log.Printf("claim: release of event %s failed: %v", eventID, err)
	}
}

// Shift releases the job record of a drained event and offers it to the
// cluster for replay. It reports whether a peer was offered the job; a
// missing record, ledger or command bus reports false.
func (d Deps) Shift(ctx context.Context, event domain.Event) bool {
	if d.Ledger == nil {
		return false
	}

	rec, found, err := d.Ledger.ReleaseAndFetch(ctx, event.ID)
	if err != nil {
		log.Printf("claim: release of drained %s event %s failed: %v", event.Type, event.ID, err)
		return false
	}
	if !found {
		log.Printf("claim: no job record for drained %s event %s, skipping shift", event.Type, event.ID)
		if d.Metrics != nil {
			d.Metrics.JobRecordMissing(string(event.Type))
		}
		return false
	}

	return d.ShiftRecord(ctx, rec)
}

// ShiftRecord offers an already released record to the cluster.
func (d Deps) ShiftRecord(ctx context.Context, rec claim.JobRecord) bool {
	if d.Commander == nil {
		log.Printf("claim: no command bus, dropping job %s (event=%s)", rec.Key, rec.EventID)
		return false
	}
	if err := d.Commander.Shift(ctx, rec); err != nil {
		log.Printf("claim: shift of job %s (event=%s) failed: %v", rec.Key, rec.EventID, err)
		return false
	}
	return true
}

// HandleShift registers the replay function of typ on the command bus.
func (d Deps) HandleShift(typ domain.EventType, fn cluster.ShiftHandler) {
	if d.Commander != nil {
		d.Commander.HandleShift(typ, fn)
	}
}

func (d Deps) Drained(typ domain.EventType, count int) {
	if d.Metrics != nil && count > 0 {
		d.Metrics.EventsDrained(string(typ), count)
	}
}

func (d Deps) Cancelled(typ domain.EventType) {
	if d.Metrics != nil {
		d.Metrics.EventCancelled(string(typ))
	}
}

func (d Deps) SubscriptionFailed(typ domain.EventType) {
	if d.Metrics != nil {
		d.Metrics.SubscriptionFailed(string(typ))
	}
}

func (d Deps) Reconnecting(typ domain.EventType) {
	if d.Metrics != nil {
		d.Metrics.ReconnectAttempt(string(typ))
	}
}

func (d Deps) Subscriptions(typ domain.EventType, count int) {
	if d.Metrics != nil {
		d.Metrics.SubscriptionsUpdate(string(typ), count)
	}
}

// Withdraw takes the still-queued events of typ that filter covers off the
// dispatch queue and returns their side entries, keyed by event id. Events a
// worker already holds keep their entries until Complete.
func Withdraw[T any](d Deps, typ domain.EventType, filter domain.Target, side *queue.PayloadQueue[T]) map[string]T {
	if d.Queue == nil {
		return nil
	}
	events := d.Queue.RemoveWhere(func(event domain.Event) bool {
		return event.Type == typ && filter.Covers(event.Target)
	})
	if len(events) == 0 {
		return nil
	}

	ids := make(map[string]struct{}, len(events))
	for _, event := range events {
		ids[event.ID] = struct{}{}
		d.Cancelled(typ)
	}
	return side.DequeueWhere(func(id string, _ T) bool {
		_, ok := ids[id]
		return ok
	})
}

func (d Deps) Unsubscribed(typ domain.EventType, target domain.Target) {
	if d.OnUnsubscribe != nil {
		d.OnUnsubscribe(typ, target)
	}
}
