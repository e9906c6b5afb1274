// Package enqueuer defines the contract shared by every protocol adapter that
// turns external occurrences into events on the dispatch queue, plus the
// plumbing they share: the subscription arena, the claim and shift helpers
// and the registry the worker pool talks to.
package enqueuer

import (
	"context"
	"errors"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidOptions = errors.New("invalid trigger options")
)

// Result is what the worker pool hands back once a target finished.
type Result struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Err     error
}

// Failed reports whether the result should be surfaced as an error to the
// original caller.
func (r Result) Failed() bool {
	return r.Err != nil || r.Status >= 400
}

// SubscriptionInfo is a read-only view of one subscription.
type SubscriptionInfo struct {
	ID      string           `json:"id"`
	Type    domain.EventType `json:"type"`
	Target  domain.Target    `json:"target"`
	Options any              `json:"options"`
	Closed  bool             `json:"closed,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

type Enqueuer interface {
	Type() domain.EventType

	// Subscribe registers a trigger. Recoverable connection failures mark the
	// subscription closed instead of failing; configuration errors are returned.
	Subscribe(ctx context.Context, target domain.Target, opts any) error

	// Unsubscribe removes every subscription covered by target. Removing
	// something that is not subscribed is not an error.
	Unsubscribe(ctx context.Context, target domain.Target) error

	// OnEventsAreDrained is called for events that will never complete
	// normally. It must not block on the outside world indefinitely.
	OnEventsAreDrained(ctx context.Context, events []domain.Event) error

	// Payload returns the protocol payload of a queued event.
	Payload(eventID string) (any, bool)

	// Complete delivers the worker's result for eventID.
	Complete(eventID string, result Result)

	Subscriptions() []SubscriptionInfo
}
